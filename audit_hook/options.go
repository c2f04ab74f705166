package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithLogger sets the logger for the extension.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}

// WithEnabledActions restricts auditing to the given actions. Without it
// every action is recorded.
func WithEnabledActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = actionSet(actions)
	}
}

// WithDisabledActions drops the given actions from the audited set.
func WithDisabledActions(actions ...string) Option {
	return func(e *Extension) {
		if e.enabled == nil {
			e.enabled = actionSet(allActions())
		}
		for _, action := range actions {
			delete(e.enabled, action)
		}
	}
}

func actionSet(actions []string) map[string]bool {
	set := make(map[string]bool, len(actions))
	for _, action := range actions {
		set[action] = true
	}
	return set
}

// allActions lists every action the extension can record.
func allActions() []string {
	return []string{
		ActionRequestSubmitted,
		ActionReviewRecorded,
		ActionRequestApproved,
		ActionRequestDeclined,
		ActionRequestActivated,
		ActionRequestExpired,
		ActionRequestRevoked,
		ActionAllocationAwarded,
		ActionEventEmitted,
		ActionLimitApplied,
		ActionDriftDetected,
		ActionUsageExceeded,
		ActionClusterDegraded,
		ActionClusterRecovered,
	}
}
