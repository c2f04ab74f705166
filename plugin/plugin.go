// Package plugin provides the hook system Keystone uses to report workflow
// changes, lifecycle events and sync outcomes. A plugin implements Plugin plus
// any subset of the hook interfaces below; the Registry discovers which ones
// at registration time.
package plugin

import (
	"context"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *keystone.Keystone.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Workflow hooks
// ──────────────────────────────────────────────────

// OnRequestSubmitted is called after a request is stored.
type OnRequestSubmitted interface {
	Plugin
	OnRequestSubmitted(ctx context.Context, r *request.Request) error
}

// OnReviewRecorded is called after a review is stored, before any status
// change it causes.
type OnReviewRecorded interface {
	Plugin
	OnReviewRecorded(ctx context.Context, r *request.Request, rv *review.Review) error
}

// OnStatusChanged is called after a status transition is durably recorded.
type OnStatusChanged interface {
	Plugin
	OnStatusChanged(ctx context.Context, r *request.Request, from request.Status) error
}

// OnAllocationAwarded is called when an award is set or revised.
type OnAllocationAwarded interface {
	Plugin
	OnAllocationAwarded(ctx context.Context, a *allocation.Allocation) error
}

// OnLifecycleEvent receives approaching-expiration, expired and revoked
// events. Each event is delivered at most once.
type OnLifecycleEvent interface {
	Plugin
	OnLifecycleEvent(ctx context.Context, e *event.Event) error
}

// ──────────────────────────────────────────────────
// Sync hooks
// ──────────────────────────────────────────────────

// OnSyncCompleted is called for every cluster attempted in a sync cycle.
type OnSyncCompleted interface {
	Plugin
	OnSyncCompleted(ctx context.Context, report *reconcile.ClusterReport) error
}

// OnClusterDegraded is called when a cluster starts backing off.
type OnClusterDegraded interface {
	Plugin
	OnClusterDegraded(ctx context.Context, report *reconcile.ClusterReport) error
}

// OnClusterRecovered is called when a degraded cluster syncs again.
type OnClusterRecovered interface {
	Plugin
	OnClusterRecovered(ctx context.Context, report *reconcile.ClusterReport) error
}

// OnDriftDetected is called when a scheduler keeps a limit other than the
// one just written.
type OnDriftDetected interface {
	Plugin
	OnDriftDetected(ctx context.Context, rec *reconcile.SyncRecord) error
}

// OnUsageExceeded is called when a team's billable usage is above its limit.
type OnUsageExceeded interface {
	Plugin
	OnUsageExceeded(ctx context.Context, rec *reconcile.SyncRecord) error
}

// OnJobsCollected is called after a cluster's job records were stored.
type OnJobsCollected interface {
	Plugin
	OnJobsCollected(ctx context.Context, jobs *jobstats.ClusterJobs) error
}

// ──────────────────────────────────────────────────
// Event sink adapter
// ──────────────────────────────────────────────────

// Sink wraps an event.Sink as a plugin.
type Sink struct {
	name string
	sink event.Sink
}

var _ OnLifecycleEvent = (*Sink)(nil)

// NewSink returns a plugin named name that forwards lifecycle events to s.
func NewSink(name string, s event.Sink) *Sink {
	return &Sink{name: name, sink: s}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) OnLifecycleEvent(ctx context.Context, e *event.Event) error {
	return s.sink.Deliver(ctx, e)
}
