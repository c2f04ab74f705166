package audithook

// Action constants for audit events.
const (
	// Request actions
	ActionRequestSubmitted = "request.submitted"
	ActionReviewRecorded   = "review.recorded"
	ActionRequestApproved  = "request.approved"
	ActionRequestDeclined  = "request.declined"
	ActionRequestActivated = "request.activated"
	ActionRequestExpired   = "request.expired"
	ActionRequestRevoked   = "request.revoked"

	// Allocation actions
	ActionAllocationAwarded = "allocation.awarded"

	// Lifecycle notifications
	ActionEventEmitted = "event.emitted"

	// Cluster actions
	ActionLimitApplied     = "limit.applied"
	ActionDriftDetected    = "limit.drift"
	ActionUsageExceeded    = "usage.exceeded"
	ActionClusterDegraded  = "cluster.degraded"
	ActionClusterRecovered = "cluster.recovered"
)

// Resource constants for audit events.
const (
	ResourceRequest    = "allocation_request"
	ResourceReview     = "allocation_review"
	ResourceAllocation = "allocation"
	ResourceCluster    = "cluster"
	ResourceAccount    = "scheduler_account"
)

// Category constants for audit events.
const (
	CategoryWorkflow    = "workflow"
	CategoryAward       = "award"
	CategoryNotice      = "notice"
	CategoryEnforcement = "enforcement"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
