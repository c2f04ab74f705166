// Package audithook bridges Keystone workflow and enforcement events to an
// audit trail backend.
//
// It defines a local Recorder interface so the package does not import any
// audit system directly. Callers inject a RecorderFunc adapter at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin              = (*Extension)(nil)
	_ plugin.OnRequestSubmitted  = (*Extension)(nil)
	_ plugin.OnReviewRecorded    = (*Extension)(nil)
	_ plugin.OnStatusChanged     = (*Extension)(nil)
	_ plugin.OnAllocationAwarded = (*Extension)(nil)
	_ plugin.OnLifecycleEvent    = (*Extension)(nil)
	_ plugin.OnSyncCompleted     = (*Extension)(nil)
	_ plugin.OnClusterDegraded   = (*Extension)(nil)
	_ plugin.OnClusterRecovered  = (*Extension)(nil)
	_ plugin.OnDriftDetected     = (*Extension)(nil)
	_ plugin.OnUsageExceeded     = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Keystone events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Workflow hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted implements plugin.OnRequestSubmitted.
func (e *Extension) OnRequestSubmitted(ctx context.Context, r *request.Request) error {
	return e.record(ctx, ActionRequestSubmitted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryWorkflow, nil,
		"team_id", r.TeamID.String(),
		"title", r.Title,
		"asks", len(r.Asks),
	)
}

// OnReviewRecorded implements plugin.OnReviewRecorded.
func (e *Extension) OnReviewRecorded(ctx context.Context, r *request.Request, rv *review.Review) error {
	return e.record(ctx, ActionReviewRecorded, SeverityInfo, OutcomeSuccess,
		ResourceReview, rv.ID.String(), CategoryWorkflow, nil,
		"request_id", r.ID.String(),
		"reviewer_id", rv.ReviewerID,
		"decision", string(rv.Status),
	)
}

// OnStatusChanged implements plugin.OnStatusChanged.
func (e *Extension) OnStatusChanged(ctx context.Context, r *request.Request, from request.Status) error {
	action, ok := statusActions[r.Status]
	if !ok {
		return nil
	}
	severity := SeverityInfo
	if r.Status == request.StatusRevoked {
		severity = SeverityWarning
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceRequest, r.ID.String(), CategoryWorkflow, nil,
		"team_id", r.TeamID.String(),
		"from", string(from),
		"to", string(r.Status),
	)
}

var statusActions = map[request.Status]string{
	request.StatusApproved: ActionRequestApproved,
	request.StatusDeclined: ActionRequestDeclined,
	request.StatusActive:   ActionRequestActivated,
	request.StatusExpired:  ActionRequestExpired,
	request.StatusRevoked:  ActionRequestRevoked,
}

// OnAllocationAwarded implements plugin.OnAllocationAwarded.
func (e *Extension) OnAllocationAwarded(ctx context.Context, a *allocation.Allocation) error {
	return e.record(ctx, ActionAllocationAwarded, SeverityInfo, OutcomeSuccess,
		ResourceAllocation, a.ID.String(), CategoryAward, nil,
		"request_id", a.RequestID.String(),
		"cluster_id", a.ClusterID.String(),
		"awarded", a.Awarded,
		"revision", a.Revision,
	)
}

// OnLifecycleEvent implements plugin.OnLifecycleEvent.
func (e *Extension) OnLifecycleEvent(ctx context.Context, ev *event.Event) error {
	return e.record(ctx, ActionEventEmitted, SeverityInfo, OutcomeSuccess,
		ResourceRequest, ev.RequestID.String(), CategoryNotice, nil,
		"event_id", ev.ID.String(),
		"type", string(ev.Type),
		"threshold", ev.Threshold,
	)
}

// ──────────────────────────────────────────────────
// Enforcement hooks
// ──────────────────────────────────────────────────

// OnSyncCompleted implements plugin.OnSyncCompleted. Only limit writes are
// audited; read-only cycles are not.
func (e *Extension) OnSyncCompleted(ctx context.Context, r *reconcile.ClusterReport) error {
	for _, rec := range r.Records {
		if !rec.Applied {
			continue
		}
		outcome := OutcomeSuccess
		if !rec.Confirmed() {
			outcome = OutcomePartial
		}
		if err := e.record(ctx, ActionLimitApplied, SeverityInfo, outcome,
			ResourceAccount, rec.Account, CategoryEnforcement, rec.Err,
			"cluster", r.ClusterName,
			"target", rec.Target,
			"observed", rec.Observed,
		); err != nil {
			return err
		}
	}
	return nil
}

// OnClusterDegraded implements plugin.OnClusterDegraded.
func (e *Extension) OnClusterDegraded(ctx context.Context, r *reconcile.ClusterReport) error {
	return e.record(ctx, ActionClusterDegraded, SeverityError, OutcomeFailure,
		ResourceCluster, r.ClusterID.String(), CategoryEnforcement, r.Err,
		"cluster", r.ClusterName,
		"retry_at", r.RetryAt,
	)
}

// OnClusterRecovered implements plugin.OnClusterRecovered.
func (e *Extension) OnClusterRecovered(ctx context.Context, r *reconcile.ClusterReport) error {
	return e.record(ctx, ActionClusterRecovered, SeverityInfo, OutcomeSuccess,
		ResourceCluster, r.ClusterID.String(), CategoryEnforcement, nil,
		"cluster", r.ClusterName,
	)
}

// OnDriftDetected implements plugin.OnDriftDetected.
func (e *Extension) OnDriftDetected(ctx context.Context, rec *reconcile.SyncRecord) error {
	return e.record(ctx, ActionDriftDetected, SeverityWarning, OutcomeFailure,
		ResourceAccount, rec.Account, CategoryEnforcement, nil,
		"cluster", rec.ClusterName,
		"target", rec.Target,
		"observed", rec.Observed,
	)
}

// OnUsageExceeded implements plugin.OnUsageExceeded.
func (e *Extension) OnUsageExceeded(ctx context.Context, rec *reconcile.SyncRecord) error {
	var usage float64
	if rec.BillableUsage != nil {
		usage = *rec.BillableUsage
	}
	return e.record(ctx, ActionUsageExceeded, SeverityWarning, OutcomeSuccess,
		ResourceAccount, rec.Account, CategoryEnforcement, nil,
		"cluster", rec.ClusterName,
		"limit", rec.Target,
		"billable_usage", usage,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
