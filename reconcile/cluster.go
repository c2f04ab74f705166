package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/team"
)

// ErrUsageUnsupported is returned by Usage when a backend does not report usage.
var ErrUsageUnsupported = errors.New("reconcile: scheduler backend does not report usage")

// target is the limit one team should have on one cluster.
type target struct {
	team  *team.Team
	units float64
	refs  []AllocationRef
}

// syncCluster brings every team on c to its target. It runs on a worker.
func (e *Engine) syncCluster(ctx context.Context, c *cluster.Cluster, snap *snapshot) *ClusterReport {
	lock := e.clusterLock(c)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := e.tracer.Start(ctx, "reconcile.SyncCluster",
		trace.WithAttributes(attribute.String("keystone.cluster", c.Name)))
	defer span.End()

	report := &ClusterReport{
		ClusterID:   c.ID,
		ClusterName: c.Name,
		StartedAt:   e.now(),
	}
	finish := func(err error) *ClusterReport {
		report.FinishedAt = e.now()
		if err != nil {
			report.Err = err
			if isAbandon(err) && ctx.Err() != nil {
				report.Abandoned = true
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("keystone.teams", len(report.Records)),
			attribute.Int("keystone.applied", report.Applied()),
		)
		return report
	}

	backend, err := e.backends.Get(c.Name)
	if err != nil {
		return finish(err)
	}

	targets, err := e.targets(ctx, c, snap)
	if err != nil {
		return finish(err)
	}

	if lister, ok := backend.(scheduler.AccountLister); ok {
		accounts, err := call(ctx, e.cfg.CallTimeout, lister.ListAccounts)
		if err != nil {
			return finish(scheduler.Wrap(backend.Name(), "list-accounts", "", err))
		}
		for _, account := range accounts {
			if slices.Contains(e.cfg.IgnoredAccounts, account) {
				continue
			}
			t, known := snap.teamsByName[account]
			if !known {
				report.Unmanaged = append(report.Unmanaged, account)
				continue
			}
			if _, ok := targets[t.ID.String()]; !ok {
				targets[t.ID.String()] = &target{team: t}
			}
		}
	}

	usage, _ := backend.(scheduler.UsageReader)

	ordered := make([]*target, 0, len(targets))
	for _, t := range targets {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].team.Name < ordered[j].team.Name })

	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		rec, err := e.syncTeam(ctx, backend, usage, c, t)
		report.Records = append(report.Records, rec)
		if err == nil {
			continue
		}
		if scheduler.IsUnavailable(err) || isAbandon(err) {
			return finish(err)
		}
		e.logger.Warn("team sync failed",
			"cluster", c.Name,
			"team", t.team.Name,
			"error", err,
		)
	}

	return finish(nil)
}

// targets computes the limit for every team holding an allocation on c.
// Only allocations of active requests count toward the limit; teams whose
// allocations are all retired get a zero target.
func (e *Engine) targets(ctx context.Context, c *cluster.Cluster, snap *snapshot) (map[string]*target, error) {
	allocs, err := e.source.ListAllocations(ctx, allocation.ListOpts{ClusterID: c.ID})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list allocations for %s: %w", c.Name, err)
	}

	targets := make(map[string]*target)
	for _, a := range allocs {
		req, ok := snap.requests[a.RequestID.String()]
		if !ok {
			continue
		}
		t, ok := snap.teams[req.TeamID.String()]
		if !ok {
			continue
		}
		tgt, ok := targets[t.ID.String()]
		if !ok {
			tgt = &target{team: t}
			targets[t.ID.String()] = tgt
		}
		if !req.Status.Enforced() {
			continue
		}
		tgt.units += billing.Award(c.Weights, a.Resource, a.Awarded)
		tgt.refs = append(tgt.refs, AllocationRef{ID: a.ID, Revision: a.Revision})
	}
	return targets, nil
}

// syncTeam reads the enforced limit, writes the target if it differs, and
// confirms the write with a second read.
func (e *Engine) syncTeam(ctx context.Context, backend scheduler.Backend, usage scheduler.UsageReader, c *cluster.Cluster, t *target) (*SyncRecord, error) {
	account := t.team.Name
	rec := &SyncRecord{
		ID:          id.NewSyncID(),
		ClusterID:   c.ID,
		ClusterName: c.Name,
		TeamID:      t.team.ID,
		Account:     account,
		AttemptedAt: e.now(),
		Target:      billing.Units(t.units),
		Allocations: t.refs,
	}

	getLimit := func(ctx context.Context) (int64, error) { return backend.GetLimit(ctx, account) }

	observed, err := call(ctx, e.cfg.CallTimeout, getLimit)
	if err != nil {
		rec.Err = scheduler.Wrap(backend.Name(), "get-limit", account, err)
		return rec, rec.Err
	}
	rec.Observed = observed

	if observed != rec.Target {
		_, err := call(ctx, e.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, backend.SetLimit(ctx, account, rec.Target)
		})
		if err != nil {
			rec.Err = scheduler.Wrap(backend.Name(), "set-limit", account, err)
			return rec, rec.Err
		}
		rec.Applied = true

		confirmed, err := call(ctx, e.cfg.CallTimeout, getLimit)
		if err != nil {
			rec.Err = scheduler.Wrap(backend.Name(), "get-limit", account, err)
			return rec, rec.Err
		}
		rec.Observed = confirmed
		rec.Drift = confirmed != rec.Target
	}

	if usage != nil {
		u, err := call(ctx, e.cfg.CallTimeout, func(ctx context.Context) (billing.Usage, error) {
			return usage.GetUsage(ctx, account)
		})
		if err != nil {
			// Missing telemetry never blocks enforcement.
			e.logger.Debug("usage unavailable", "cluster", c.Name, "team", account, "error", err)
		} else {
			billable := billing.Billable(c.Weights, u)
			rec.BillableUsage = &billable
			rec.UsageExceeded = rec.Target > 0 && billable > float64(rec.Target)
		}
	}

	return rec, nil
}

// Usage returns the billable usage the scheduler has accounted to account on c.
func (e *Engine) Usage(ctx context.Context, c *cluster.Cluster, account string) (float64, error) {
	backend, err := e.backends.Get(c.Name)
	if err != nil {
		return 0, err
	}
	reader, ok := backend.(scheduler.UsageReader)
	if !ok {
		return 0, ErrUsageUnsupported
	}
	u, err := call(ctx, e.cfg.CallTimeout, func(ctx context.Context) (billing.Usage, error) {
		return reader.GetUsage(ctx, account)
	})
	if err != nil {
		return 0, scheduler.Wrap(backend.Name(), "get-usage", account, err)
	}
	return billing.Billable(c.Weights, u), nil
}

// call runs fn with a timeout. A backend that ignores its context cannot hold
// the worker past the timeout; its eventual result is discarded.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(callCtx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		return r.v, r.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w: call timed out after %s", scheduler.ErrBackendUnavailable, timeout)
	}
}
