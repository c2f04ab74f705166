package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

var _ reconcile.Observer = (*Registry)(nil)

// Registry manages all registered plugins and dispatches hooks to the ones
// that implement them. Interfaces are resolved once, at registration.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit              []OnInit
	onShutdown          []OnShutdown
	onRequestSubmitted  []OnRequestSubmitted
	onReviewRecorded    []OnReviewRecorded
	onStatusChanged     []OnStatusChanged
	onAllocationAwarded []OnAllocationAwarded
	onLifecycleEvent    []OnLifecycleEvent
	onSyncCompleted     []OnSyncCompleted
	onClusterDegraded   []OnClusterDegraded
	onClusterRecovered  []OnClusterRecovered
	onDriftDetected     []OnDriftDetected
	onUsageExceeded     []OnUsageExceeded
	onJobsCollected     []OnJobsCollected
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	cache := func(name string, ok bool) {
		if ok {
			hooks = append(hooks, name)
		}
	}

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		cache("OnInit", ok)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		cache("OnShutdown", ok)
	}
	if v, ok := p.(OnRequestSubmitted); ok {
		r.onRequestSubmitted = append(r.onRequestSubmitted, v)
		cache("OnRequestSubmitted", ok)
	}
	if v, ok := p.(OnReviewRecorded); ok {
		r.onReviewRecorded = append(r.onReviewRecorded, v)
		cache("OnReviewRecorded", ok)
	}
	if v, ok := p.(OnStatusChanged); ok {
		r.onStatusChanged = append(r.onStatusChanged, v)
		cache("OnStatusChanged", ok)
	}
	if v, ok := p.(OnAllocationAwarded); ok {
		r.onAllocationAwarded = append(r.onAllocationAwarded, v)
		cache("OnAllocationAwarded", ok)
	}
	if v, ok := p.(OnLifecycleEvent); ok {
		r.onLifecycleEvent = append(r.onLifecycleEvent, v)
		cache("OnLifecycleEvent", ok)
	}
	if v, ok := p.(OnSyncCompleted); ok {
		r.onSyncCompleted = append(r.onSyncCompleted, v)
		cache("OnSyncCompleted", ok)
	}
	if v, ok := p.(OnClusterDegraded); ok {
		r.onClusterDegraded = append(r.onClusterDegraded, v)
		cache("OnClusterDegraded", ok)
	}
	if v, ok := p.(OnClusterRecovered); ok {
		r.onClusterRecovered = append(r.onClusterRecovered, v)
		cache("OnClusterRecovered", ok)
	}
	if v, ok := p.(OnDriftDetected); ok {
		r.onDriftDetected = append(r.onDriftDetected, v)
		cache("OnDriftDetected", ok)
	}
	if v, ok := p.(OnUsageExceeded); ok {
		r.onUsageExceeded = append(r.onUsageExceeded, v)
		cache("OnUsageExceeded", ok)
	}
	if v, ok := p.(OnJobsCollected); ok {
		r.onJobsCollected = append(r.onJobsCollected, v)
		cache("OnJobsCollected", ok)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(r, ctx, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, ctx, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitRequestSubmitted emits a request submitted event.
func (r *Registry) EmitRequestSubmitted(ctx context.Context, req *request.Request) {
	emit(r, ctx, "OnRequestSubmitted", snapshot(r, &r.onRequestSubmitted), func(p OnRequestSubmitted) error {
		return p.OnRequestSubmitted(ctx, req)
	})
}

// EmitReviewRecorded emits a review recorded event.
func (r *Registry) EmitReviewRecorded(ctx context.Context, req *request.Request, rv *review.Review) {
	emit(r, ctx, "OnReviewRecorded", snapshot(r, &r.onReviewRecorded), func(p OnReviewRecorded) error {
		return p.OnReviewRecorded(ctx, req, rv)
	})
}

// EmitStatusChanged emits a status transition.
func (r *Registry) EmitStatusChanged(ctx context.Context, req *request.Request, from request.Status) {
	emit(r, ctx, "OnStatusChanged", snapshot(r, &r.onStatusChanged), func(p OnStatusChanged) error {
		return p.OnStatusChanged(ctx, req, from)
	})
}

// EmitAllocationAwarded emits an award change.
func (r *Registry) EmitAllocationAwarded(ctx context.Context, a *allocation.Allocation) {
	emit(r, ctx, "OnAllocationAwarded", snapshot(r, &r.onAllocationAwarded), func(p OnAllocationAwarded) error {
		return p.OnAllocationAwarded(ctx, a)
	})
}

// EmitLifecycleEvent delivers a lifecycle event. It returns the number of
// plugins that accepted it.
func (r *Registry) EmitLifecycleEvent(ctx context.Context, e *event.Event) int {
	return emit(r, ctx, "OnLifecycleEvent", snapshot(r, &r.onLifecycleEvent), func(p OnLifecycleEvent) error {
		return p.OnLifecycleEvent(ctx, e)
	})
}

// LifecycleSinks returns the number of plugins receiving lifecycle events.
func (r *Registry) LifecycleSinks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.onLifecycleEvent)
}

// EmitSyncCompleted emits a per-cluster sync outcome.
func (r *Registry) EmitSyncCompleted(ctx context.Context, report *reconcile.ClusterReport) {
	emit(r, ctx, "OnSyncCompleted", snapshot(r, &r.onSyncCompleted), func(p OnSyncCompleted) error {
		return p.OnSyncCompleted(ctx, report)
	})
}

// EmitClusterDegraded emits a cluster degradation.
func (r *Registry) EmitClusterDegraded(ctx context.Context, report *reconcile.ClusterReport) {
	emit(r, ctx, "OnClusterDegraded", snapshot(r, &r.onClusterDegraded), func(p OnClusterDegraded) error {
		return p.OnClusterDegraded(ctx, report)
	})
}

// EmitClusterRecovered emits a cluster recovery.
func (r *Registry) EmitClusterRecovered(ctx context.Context, report *reconcile.ClusterReport) {
	emit(r, ctx, "OnClusterRecovered", snapshot(r, &r.onClusterRecovered), func(p OnClusterRecovered) error {
		return p.OnClusterRecovered(ctx, report)
	})
}

// EmitDriftDetected emits a drift observation.
func (r *Registry) EmitDriftDetected(ctx context.Context, rec *reconcile.SyncRecord) {
	emit(r, ctx, "OnDriftDetected", snapshot(r, &r.onDriftDetected), func(p OnDriftDetected) error {
		return p.OnDriftDetected(ctx, rec)
	})
}

// EmitUsageExceeded emits an over-usage observation.
func (r *Registry) EmitUsageExceeded(ctx context.Context, rec *reconcile.SyncRecord) {
	emit(r, ctx, "OnUsageExceeded", snapshot(r, &r.onUsageExceeded), func(p OnUsageExceeded) error {
		return p.OnUsageExceeded(ctx, rec)
	})
}

// EmitJobsCollected emits the job records stored for one cluster.
func (r *Registry) EmitJobsCollected(ctx context.Context, jobs *jobstats.ClusterJobs) {
	emit(r, ctx, "OnJobsCollected", snapshot(r, &r.onJobsCollected), func(p OnJobsCollected) error {
		return p.OnJobsCollected(ctx, jobs)
	})
}

// snapshot copies a hook list under the read lock.
func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, len(*list))
	copy(out, *list)
	return out
}

// emit calls fn for each plugin, logging failures. It returns how many calls
// succeeded.
func emit[T Plugin](r *Registry, ctx context.Context, hook string, plugins []T, fn func(T) error) int {
	ok := 0
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
			continue
		}
		ok++
	}
	return ok
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the enforcement loop.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
