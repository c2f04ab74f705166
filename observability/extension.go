// Package observability provides a metrics plugin for Keystone that records
// workflow, lifecycle and sync outcomes through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/plugin"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin              = (*MetricsExtension)(nil)
	_ plugin.OnRequestSubmitted  = (*MetricsExtension)(nil)
	_ plugin.OnReviewRecorded    = (*MetricsExtension)(nil)
	_ plugin.OnStatusChanged     = (*MetricsExtension)(nil)
	_ plugin.OnAllocationAwarded = (*MetricsExtension)(nil)
	_ plugin.OnLifecycleEvent    = (*MetricsExtension)(nil)
	_ plugin.OnSyncCompleted     = (*MetricsExtension)(nil)
	_ plugin.OnClusterDegraded   = (*MetricsExtension)(nil)
	_ plugin.OnClusterRecovered  = (*MetricsExtension)(nil)
	_ plugin.OnDriftDetected     = (*MetricsExtension)(nil)
	_ plugin.OnUsageExceeded     = (*MetricsExtension)(nil)
	_ plugin.OnJobsCollected     = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide allocation metrics.
// Register it as a Keystone plugin to track the workflow and the sync engine.
type MetricsExtension struct {
	factory MetricFactory

	// Workflow metrics
	RequestSubmitted  Counter
	ReviewRecorded    Counter
	RequestApproved   Counter
	RequestDeclined   Counter
	RequestActivated  Counter
	RequestExpired    Counter
	RequestRevoked    Counter
	AllocationAwarded Counter

	// Lifecycle event metrics
	EventApproaching Counter
	EventExpired     Counter
	EventRevoked     Counter

	// Sync metrics
	SyncClusters      Counter
	SyncFailures      Counter
	SyncAbandoned     Counter
	SyncLimitsApplied Counter
	SyncLatency       Histogram
	ClusterDegraded   Counter
	ClusterRecovered  Counter
	DriftDetected     Counter
	UsageExceeded     Counter

	// Job accounting metrics
	JobsCollected Counter
	JobsUnmatched Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions, or NewPrometheusFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Workflow metrics
		RequestSubmitted:  factory.Counter("keystone.request.submitted"),
		ReviewRecorded:    factory.Counter("keystone.review.recorded"),
		RequestApproved:   factory.Counter("keystone.request.approved"),
		RequestDeclined:   factory.Counter("keystone.request.declined"),
		RequestActivated:  factory.Counter("keystone.request.activated"),
		RequestExpired:    factory.Counter("keystone.request.expired"),
		RequestRevoked:    factory.Counter("keystone.request.revoked"),
		AllocationAwarded: factory.Counter("keystone.allocation.awarded"),

		// Lifecycle event metrics
		EventApproaching: factory.Counter("keystone.event.approaching_expiration"),
		EventExpired:     factory.Counter("keystone.event.expired"),
		EventRevoked:     factory.Counter("keystone.event.revoked"),

		// Sync metrics
		SyncClusters:      factory.Counter("keystone.sync.clusters"),
		SyncFailures:      factory.Counter("keystone.sync.failures"),
		SyncAbandoned:     factory.Counter("keystone.sync.abandoned"),
		SyncLimitsApplied: factory.Counter("keystone.sync.limits_applied"),
		SyncLatency:       factory.Histogram("keystone.sync.latency_ms"),
		ClusterDegraded:   factory.Counter("keystone.cluster.degraded"),
		ClusterRecovered:  factory.Counter("keystone.cluster.recovered"),
		DriftDetected:     factory.Counter("keystone.sync.drift"),
		UsageExceeded:     factory.Counter("keystone.sync.usage_exceeded"),

		// Job accounting metrics
		JobsCollected: factory.Counter("keystone.jobs.collected"),
		JobsUnmatched: factory.Counter("keystone.jobs.unmatched"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Workflow hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted implements plugin.OnRequestSubmitted.
func (m *MetricsExtension) OnRequestSubmitted(_ context.Context, _ *request.Request) error {
	m.RequestSubmitted.Inc()
	return nil
}

// OnReviewRecorded implements plugin.OnReviewRecorded.
func (m *MetricsExtension) OnReviewRecorded(_ context.Context, _ *request.Request, _ *review.Review) error {
	m.ReviewRecorded.Inc()
	return nil
}

// OnStatusChanged implements plugin.OnStatusChanged.
func (m *MetricsExtension) OnStatusChanged(_ context.Context, r *request.Request, _ request.Status) error {
	switch r.Status {
	case request.StatusApproved:
		m.RequestApproved.Inc()
	case request.StatusDeclined:
		m.RequestDeclined.Inc()
	case request.StatusActive:
		m.RequestActivated.Inc()
	case request.StatusExpired:
		m.RequestExpired.Inc()
	case request.StatusRevoked:
		m.RequestRevoked.Inc()
	}
	return nil
}

// OnAllocationAwarded implements plugin.OnAllocationAwarded.
func (m *MetricsExtension) OnAllocationAwarded(_ context.Context, _ *allocation.Allocation) error {
	m.AllocationAwarded.Inc()
	return nil
}

// OnLifecycleEvent implements plugin.OnLifecycleEvent.
func (m *MetricsExtension) OnLifecycleEvent(_ context.Context, e *event.Event) error {
	switch e.Type {
	case event.TypeApproachingExpiration:
		m.EventApproaching.Inc()
	case event.TypeExpired:
		m.EventExpired.Inc()
	case event.TypeRevoked:
		m.EventRevoked.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Sync hooks
// ──────────────────────────────────────────────────

// OnSyncCompleted implements plugin.OnSyncCompleted.
func (m *MetricsExtension) OnSyncCompleted(_ context.Context, r *reconcile.ClusterReport) error {
	m.SyncClusters.Inc()
	switch {
	case r.Abandoned:
		m.SyncAbandoned.Inc()
	case r.Err != nil:
		m.SyncFailures.Inc()
	}
	if applied := r.Applied(); applied > 0 {
		m.SyncLimitsApplied.Add(float64(applied))
	}
	if !r.FinishedAt.IsZero() {
		m.SyncLatency.Observe(float64(r.FinishedAt.Sub(r.StartedAt).Milliseconds()))
	}
	return nil
}

// OnClusterDegraded implements plugin.OnClusterDegraded.
func (m *MetricsExtension) OnClusterDegraded(_ context.Context, _ *reconcile.ClusterReport) error {
	m.ClusterDegraded.Inc()
	return nil
}

// OnClusterRecovered implements plugin.OnClusterRecovered.
func (m *MetricsExtension) OnClusterRecovered(_ context.Context, _ *reconcile.ClusterReport) error {
	m.ClusterRecovered.Inc()
	return nil
}

// OnDriftDetected implements plugin.OnDriftDetected.
func (m *MetricsExtension) OnDriftDetected(_ context.Context, _ *reconcile.SyncRecord) error {
	m.DriftDetected.Inc()
	return nil
}

// OnUsageExceeded implements plugin.OnUsageExceeded.
func (m *MetricsExtension) OnUsageExceeded(_ context.Context, _ *reconcile.SyncRecord) error {
	m.UsageExceeded.Inc()
	return nil
}

// OnJobsCollected implements plugin.OnJobsCollected.
func (m *MetricsExtension) OnJobsCollected(_ context.Context, jobs *jobstats.ClusterJobs) error {
	m.JobsCollected.Add(float64(len(jobs.Jobs)))
	m.JobsUnmatched.Add(float64(jobs.Unmatched))
	return nil
}
