package keystone

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/jobstats"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
)

// CycleResult summarizes one enforcement cycle.
type CycleResult struct {
	StartedAt  time.Time
	FinishedAt time.Time
	// Activated and Expired list the requests moved this cycle.
	Activated []id.RequestID
	Expired   []id.RequestID
	// Events are the lifecycle events emitted this cycle.
	Events []*event.Event
	Sync   *reconcile.CycleReport
	// Jobs is nil when job collection was not due this cycle.
	Jobs *jobstats.Report
}

// RunCycle runs one enforcement pass: due approved requests become active,
// due active requests expire with their usage closed out, lifecycle events
// are emitted, cluster limits are synchronized, and, when due, scheduler job
// records are collected.
//
// A failed step does not stop the ones after it. All failures are returned
// together in a MultiError.
func (k *Keystone) RunCycle(ctx context.Context) (*CycleResult, error) {
	res := &CycleResult{StartedAt: k.now()}
	var errs MultiError

	errs.Add(k.activateDue(ctx, res))
	errs.Add(k.expireDue(ctx, res))
	errs.Add(k.emitClosures(ctx, res))
	errs.Add(k.emitApproaching(ctx, res))

	report, err := k.Sync(ctx)
	errs.Add(err)
	res.Sync = report

	jobs, err := k.collectJobs(ctx, report)
	errs.Add(err)
	res.Jobs = jobs

	res.FinishedAt = k.now()

	k.logger.Debug("enforcement cycle finished",
		"activated", len(res.Activated),
		"expired", len(res.Expired),
		"events", len(res.Events),
		"elapsed", res.FinishedAt.Sub(res.StartedAt),
	)

	return res, errs.ErrOrNil()
}

// Sync pushes current awards to every enabled cluster and records which
// allocation revisions the schedulers confirmed.
func (k *Keystone) Sync(ctx context.Context) (*reconcile.CycleReport, error) {
	report, err := k.sync.Sync(ctx)
	if err != nil {
		return nil, err
	}

	var errs MultiError
	for _, c := range report.Clusters {
		for _, rec := range c.Records {
			if !rec.Confirmed() {
				continue
			}
			for _, ref := range rec.Allocations {
				errs.Add(k.store.MarkAllocationSynced(ctx, ref.ID, ref.Revision, rec.AttemptedAt))
			}
		}
	}
	return report, errs.ErrOrNil()
}

// collectJobs runs job collection once per job interval. Clusters the sync
// pass found unreachable or did not get to are left for the next run.
func (k *Keystone) collectJobs(ctx context.Context, synced *reconcile.CycleReport) (*jobstats.Report, error) {
	if k.jobInterval <= 0 {
		return nil, nil
	}
	k.jobsMu.Lock()
	defer k.jobsMu.Unlock()

	now := k.now()
	if !k.jobsRan.IsZero() && now.Sub(k.jobsRan) < k.jobInterval {
		return nil, nil
	}

	var skip []string
	if synced != nil {
		for _, c := range synced.Clusters {
			if c.Skipped || c.Abandoned || c.Err != nil {
				skip = append(skip, c.ClusterName)
			}
		}
	}

	report, err := k.jobs.Collect(ctx, skip...)
	if err != nil {
		return nil, err
	}
	k.jobsRan = now
	for _, c := range report.Clusters {
		if c.Err == nil && !c.Skipped {
			k.plugins.EmitJobsCollected(ctx, c)
		}
	}
	return report, nil
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

func (k *Keystone) activateDue(ctx context.Context, res *CycleResult) error {
	approved, err := k.store.ListRequests(ctx, request.ListOpts{Statuses: []request.Status{request.StatusApproved}})
	if err != nil {
		return fmt.Errorf("keystone: list approved requests: %w", err)
	}

	var errs MultiError
	now := k.now()
	for _, r := range approved {
		if !r.DueForActivation(now) {
			continue
		}
		if err := k.underLock(ctx, r.ID, request.StatusApproved, func(r *request.Request) error {
			return k.transition(ctx, r, request.StatusActive)
		}); err != nil {
			if !errors.Is(err, errSkipped) {
				errs.Add(err)
			}
			continue
		}
		res.Activated = append(res.Activated, r.ID)
	}
	return errs.ErrOrNil()
}

func (k *Keystone) expireDue(ctx context.Context, res *CycleResult) error {
	active, err := k.store.ListRequests(ctx, request.ListOpts{Statuses: []request.Status{request.StatusActive}})
	if err != nil {
		return fmt.Errorf("keystone: list active requests: %w", err)
	}

	now := k.now()
	due := slices.DeleteFunc(active, func(r *request.Request) bool { return !r.DueForExpiration(now) })
	// Earlier expiries consume a team's usage first.
	sort.SliceStable(due, func(i, j int) bool { return due[i].Expire.Before(*due[j].Expire) })

	var errs MultiError
	for _, r := range due {
		if err := k.underLock(ctx, r.ID, request.StatusActive, func(r *request.Request) error {
			k.closeOut(ctx, r)
			return k.transition(ctx, r, request.StatusExpired)
		}); err != nil {
			if !errors.Is(err, errSkipped) {
				errs.Add(err)
			}
			continue
		}
		res.Expired = append(res.Expired, r.ID)
	}
	return errs.ErrOrNil()
}

// underLock re-reads a request under its lock and runs fn if it is still in
// status want. A request that moved on in the meantime is skipped silently.
func (k *Keystone) underLock(ctx context.Context, requestID id.RequestID, want request.Status, fn func(*request.Request) error) error {
	defer k.lockRequest(requestID.String())()

	r, err := k.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != want {
		return errSkipped
	}
	if err := fn(r); err != nil {
		if isConflict(err) {
			return errSkipped
		}
		return err
	}
	return nil
}

// errSkipped marks a request another actor moved first. Callers drop it.
var errSkipped = errors.New("keystone: request moved concurrently")

// closeOut records the final usage of each of r's allocations: the team's
// billable usage on the cluster, less what earlier closed allocations already
// account for, spread over r's allocations up to their awards. Allocations
// stay open when the scheduler cannot report usage.
func (k *Keystone) closeOut(ctx context.Context, r *request.Request) {
	allocs, err := k.store.ListAllocations(ctx, allocation.ListOpts{RequestID: r.ID})
	if err != nil {
		k.logger.Warn("close-out skipped", "request", r.ID.String(), "error", err)
		return
	}
	t, err := k.store.GetTeam(ctx, r.TeamID)
	if err != nil {
		k.logger.Warn("close-out skipped", "request", r.ID.String(), "error", err)
		return
	}
	teamRequests, err := k.store.ListRequests(ctx, request.ListOpts{TeamID: r.TeamID})
	if err != nil {
		k.logger.Warn("close-out skipped", "request", r.ID.String(), "error", err)
		return
	}
	others := make(map[string]bool, len(teamRequests))
	for _, tr := range teamRequests {
		if tr.ID.String() != r.ID.String() {
			others[tr.ID.String()] = true
		}
	}

	byCluster := make(map[string][]*allocation.Allocation)
	var order []string
	for _, a := range allocs {
		if a.Closed() {
			continue
		}
		key := a.ClusterID.String()
		if _, ok := byCluster[key]; !ok {
			order = append(order, key)
		}
		byCluster[key] = append(byCluster[key], a)
	}

	for _, key := range order {
		group := byCluster[key]
		c, err := k.store.GetCluster(ctx, group[0].ClusterID)
		if err != nil {
			k.logger.Warn("close-out skipped", "request", r.ID.String(), "error", err)
			continue
		}

		usage, err := k.sync.Usage(ctx, c, t.Name)
		if err != nil {
			k.logger.Warn("usage unavailable at close-out",
				"request", r.ID.String(),
				"cluster", c.Name,
				"team", t.Name,
				"error", err,
			)
			continue
		}

		remaining, err := k.attributable(ctx, c, others, usage)
		if err != nil {
			k.logger.Warn("close-out skipped", "request", r.ID.String(), "cluster", c.Name, "error", err)
			continue
		}

		for _, a := range group {
			final := min(remaining, a.Awarded)
			remaining -= final
			a.Final = &final
			a.Touch(k.now())
			if err := k.store.UpdateAllocation(ctx, a); err != nil {
				k.logger.Warn("close-out failed", "allocation", a.ID.String(), "error", err)
			}
		}
	}
}

// attributable is the usage on c not yet claimed by the closed allocations
// of the team's other requests.
func (k *Keystone) attributable(ctx context.Context, c *cluster.Cluster, others map[string]bool, usage float64) (int64, error) {
	onCluster, err := k.store.ListAllocations(ctx, allocation.ListOpts{ClusterID: c.ID})
	if err != nil {
		return 0, err
	}
	var claimed int64
	for _, a := range onCluster {
		if a.Final != nil && others[a.RequestID.String()] {
			claimed += *a.Final
		}
	}
	total := billing.Units(usage)
	if total < claimed {
		return 0, nil
	}
	return total - claimed, nil
}

// ──────────────────────────────────────────────────
// Lifecycle events
// ──────────────────────────────────────────────────

// emitClosures emits the expired or revoked event of every request closed
// within the replay window whose event is not yet on record. Closing and
// emitting are separate steps, so an event lost to a crash goes out on a later
// cycle.
func (k *Keystone) emitClosures(ctx context.Context, res *CycleResult) error {
	closed, err := k.store.ListRequests(ctx, request.ListOpts{
		Statuses:    []request.Status{request.StatusExpired, request.StatusRevoked},
		ClosedAfter: k.now().Add(-k.replayWindow),
	})
	if err != nil {
		return fmt.Errorf("keystone: list closed requests: %w", err)
	}

	var errs MultiError
	for _, r := range closed {
		typ := event.TypeExpired
		if r.Status == request.StatusRevoked {
			typ = event.TypeRevoked
		}
		errs.Add(k.emit(ctx, res, r, typ, 0))
	}
	return errs.ErrOrNil()
}

// emitApproaching emits one approaching-expiration event per threshold an
// active request has come within. Only the tightest threshold reached is
// considered, so a request first seen 10 days out fires at 14, not at 30.
func (k *Keystone) emitApproaching(ctx context.Context, res *CycleResult) error {
	if len(k.thresholds) == 0 {
		return nil
	}
	active, err := k.store.ListRequests(ctx, request.ListOpts{Statuses: []request.Status{request.StatusActive}})
	if err != nil {
		return fmt.Errorf("keystone: list active requests: %w", err)
	}

	var errs MultiError
	now := k.now()
	for _, r := range active {
		if r.Expire == nil || r.DueForExpiration(now) {
			continue
		}
		days := r.DaysUntilExpire(now)
		i := sort.SearchInts(k.thresholds, days)
		if i == len(k.thresholds) {
			continue
		}
		errs.Add(k.emit(ctx, res, r, event.TypeApproachingExpiration, k.thresholds[i]))
	}
	return errs.ErrOrNil()
}

// emit claims the emission record and then delivers the event. The claim
// keeps concurrent cycles and restarts from repeating an event. When sinks are
// registered and none accepts the event, the claim is released so that a
// later cycle retries it.
func (k *Keystone) emit(ctx context.Context, res *CycleResult, r *request.Request, typ event.Type, threshold int) error {
	now := k.now()
	e := &event.Event{
		ID:         id.NewEventID(),
		Type:       typ,
		RequestID:  r.ID,
		TeamID:     r.TeamID,
		Title:      r.Title,
		Expire:     r.Expire,
		Threshold:  threshold,
		OccurredAt: now,
	}
	if typ == event.TypeApproachingExpiration {
		e.DaysRemaining = r.DaysUntilExpire(now)
	}

	emission := event.NewEmission(e)
	if err := k.store.RecordEmission(ctx, emission); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("keystone: record %s emission for %s: %w", typ, r.ID, err)
	}

	if err := k.describe(ctx, e); err != nil {
		k.logger.Warn("lifecycle event incomplete", "request", r.ID.String(), "type", string(typ), "error", err)
	}

	delivered := k.plugins.EmitLifecycleEvent(ctx, e)
	if delivered == 0 && k.plugins.LifecycleSinks() > 0 {
		if err := k.store.DeleteEmission(ctx, emission.Key); err != nil {
			return fmt.Errorf("keystone: release undelivered %s emission for %s: %w", typ, r.ID, err)
		}
		k.logger.Warn("lifecycle event not delivered, retrying next cycle",
			"request", r.ID.String(),
			"type", string(typ),
			"threshold", threshold,
		)
		return nil
	}
	res.Events = append(res.Events, e)

	k.logger.Info("lifecycle event emitted",
		"request", r.ID.String(),
		"type", string(typ),
		"threshold", threshold,
		"delivered", delivered,
	)
	return nil
}

// describe fills in the team name and allocation summaries of e.
func (k *Keystone) describe(ctx context.Context, e *event.Event) error {
	t, err := k.store.GetTeam(ctx, e.TeamID)
	if err != nil {
		return err
	}
	e.TeamName = t.Name

	allocs, err := k.store.ListAllocations(ctx, allocation.ListOpts{RequestID: e.RequestID})
	if err != nil {
		return err
	}
	names := make(map[string]string)
	for _, a := range allocs {
		name, ok := names[a.ClusterID.String()]
		if !ok {
			if c, err := k.store.GetCluster(ctx, a.ClusterID); err == nil {
				name = c.Name
			}
			names[a.ClusterID.String()] = name
		}
		e.Allocations = append(e.Allocations, event.AllocationSummary{
			AllocationID: a.ID,
			ClusterID:    a.ClusterID,
			ClusterName:  name,
			Resource:     a.Resource,
			Awarded:      a.Awarded,
			Final:        a.Final,
		})
	}
	return nil
}
