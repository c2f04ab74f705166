package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/scheduler"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

const tracerName = "github.com/xraph/keystone/reconcile"

// Engine synchronizes ledger awards to scheduler limits.
type Engine struct {
	source   Source
	backends *scheduler.Registry
	observer Observer
	logger   *slog.Logger
	cfg      Config
	now      types.Clock
	tracer   trace.Tracer

	mu      sync.Mutex
	records map[string]map[string]*SyncRecord // cluster ID → team ID → record
	health  map[string]*clusterHealth
	locks   map[string]*sync.Mutex
}

type clusterHealth struct {
	id       id.ClusterID
	name     string
	backoff  *backoff.ExponentialBackOff
	failures int
	retryAt  time.Time
	lastErr  error
	degraded bool
}

// New returns an engine reading from source and writing through backends.
func New(source Source, backends *scheduler.Registry, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		backends: backends,
		observer: NopObserver{},
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
		now:      types.SystemClock,
		records:  make(map[string]map[string]*SyncRecord),
		health:   make(map[string]*clusterHealth),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Sync runs one reconciliation cycle across all enabled clusters.
//
// An error is returned only when the ledger itself cannot be read. Scheduler
// failures are reported per cluster in the CycleReport.
func (e *Engine) Sync(ctx context.Context) (*CycleReport, error) {
	ctx, span := e.tracer.Start(ctx, "reconcile.Sync")
	defer span.End()

	if e.cfg.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CycleDeadline)
		defer cancel()
	}

	report := &CycleReport{StartedAt: e.now()}

	snap, err := e.snapshot(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("keystone.clusters", len(snap.clusters)))

	results := make(chan *ClusterReport, len(snap.clusters))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)

	for _, c := range snap.clusters {
		if retryAt, wait := e.backingOff(c); wait {
			results <- &ClusterReport{
				ClusterID:   c.ID,
				ClusterName: c.Name,
				Skipped:     true,
				Degraded:    true,
				RetryAt:     retryAt,
			}
			continue
		}
		if ctx.Err() != nil {
			results <- abandoned(c, ctx.Err())
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				results <- abandoned(c, ctx.Err())
				return nil
			}
			results <- e.syncCluster(ctx, c, snap)
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers report through the results channel
	close(results)

	for r := range results {
		e.settle(ctx, r)
		report.Clusters = append(report.Clusters, r)
	}
	sort.Slice(report.Clusters, func(i, j int) bool {
		return report.Clusters[i].ClusterName < report.Clusters[j].ClusterName
	})
	report.FinishedAt = e.now()

	return report, nil
}

// SyncCluster synchronizes a single cluster immediately, ignoring backoff.
func (e *Engine) SyncCluster(ctx context.Context, name string) (*ClusterReport, error) {
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range snap.clusters {
		if c.Name == name {
			r := e.syncCluster(ctx, c, snap)
			e.settle(ctx, r)
			return r, nil
		}
	}
	return nil, fmt.Errorf("reconcile: cluster %q is not enabled or does not exist", name)
}

// Record returns the latest sync record for a team on a cluster.
func (e *Engine) Record(clusterID, teamID string) (SyncRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[clusterID][teamID]
	if !ok {
		return SyncRecord{}, false
	}
	return *rec, true
}

// Records returns copies of all latest sync records, ordered by cluster then
// account.
func (e *Engine) Records() []SyncRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []SyncRecord
	for _, byTeam := range e.records {
		for _, rec := range byTeam {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClusterName != out[j].ClusterName {
			return out[i].ClusterName < out[j].ClusterName
		}
		return out[i].Account < out[j].Account
	})
	return out
}

// Degraded returns the clusters currently backing off.
func (e *Engine) Degraded() []Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Health
	for _, h := range e.health {
		if !h.degraded {
			continue
		}
		out = append(out, Health{
			ClusterID:   h.id,
			ClusterName: h.name,
			Failures:    h.failures,
			RetryAt:     h.retryAt,
			LastErr:     h.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterName < out[j].ClusterName })
	return out
}

// ──────────────────────────────────────────────────
// Coordinator bookkeeping
// ──────────────────────────────────────────────────

func (e *Engine) backingOff(c *cluster.Cluster) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, ok := e.health[c.ID.String()]
	if !ok || !h.degraded {
		return time.Time{}, false
	}
	return h.retryAt, e.now().Before(h.retryAt)
}

// settle folds a cluster report into the engine state and notifies the
// observer. It runs on the coordinator only.
func (e *Engine) settle(ctx context.Context, r *ClusterReport) {
	if r.Skipped {
		return
	}

	key := r.ClusterID.String()
	var (
		entered   bool
		recovered bool
	)

	e.mu.Lock()
	byTeam, ok := e.records[key]
	if !ok {
		byTeam = make(map[string]*SyncRecord)
		e.records[key] = byTeam
	}
	for _, rec := range r.Records {
		byTeam[rec.TeamID.String()] = rec
	}

	h, ok := e.health[key]
	if !ok {
		h = &clusterHealth{id: r.ClusterID, name: r.ClusterName, backoff: e.newBackoff()}
		e.health[key] = h
	}
	switch {
	case r.Abandoned:
		// Deadline, not the cluster's fault: health unchanged.
	case r.Err != nil:
		h.failures++
		h.lastErr = r.Err
		h.retryAt = e.now().Add(h.backoff.NextBackOff())
		entered = !h.degraded
		h.degraded = true
		r.Degraded = true
		r.Failures = h.failures
		r.RetryAt = h.retryAt
	default:
		recovered = h.degraded
		h.backoff.Reset()
		h.failures = 0
		h.lastErr = nil
		h.retryAt = time.Time{}
		h.degraded = false
	}
	e.mu.Unlock()

	switch {
	case r.Abandoned:
		e.logger.Warn("cluster sync abandoned at cycle deadline", "cluster", r.ClusterName)
		return
	case r.Err != nil:
		e.logger.Error("cluster sync failed",
			"cluster", r.ClusterName,
			"failures", r.Failures,
			"retry_at", r.RetryAt,
			"error", r.Err,
		)
		if entered {
			e.observer.EmitClusterDegraded(ctx, r)
		}
	case recovered:
		e.logger.Info("cluster recovered", "cluster", r.ClusterName)
		e.observer.EmitClusterRecovered(ctx, r)
	}

	for _, rec := range r.Records {
		if rec.Drift {
			e.logger.Warn("limit drift detected",
				"cluster", r.ClusterName,
				"team", rec.Account,
				"target", rec.Target,
				"observed", rec.Observed,
			)
			e.observer.EmitDriftDetected(ctx, rec)
		}
		if rec.UsageExceeded {
			e.logger.Warn("billable usage exceeds awarded limit",
				"cluster", r.ClusterName,
				"team", rec.Account,
				"target", rec.Target,
				"usage", *rec.BillableUsage,
			)
			e.observer.EmitUsageExceeded(ctx, rec)
		}
	}
	for _, account := range r.Unmanaged {
		e.logger.Warn("scheduler account has no team", "cluster", r.ClusterName, "account", account)
	}

	e.observer.EmitSyncCompleted(ctx, r)
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.RandomizationFactor = e.cfg.BackoffJitter
	b.Multiplier = 2
	b.Reset()
	return b
}

func (e *Engine) clusterLock(c *cluster.Cluster) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[c.ID.String()]
	if !ok {
		l = &sync.Mutex{}
		e.locks[c.ID.String()] = l
	}
	return l
}

func abandoned(c *cluster.Cluster, err error) *ClusterReport {
	return &ClusterReport{
		ClusterID:   c.ID,
		ClusterName: c.Name,
		Abandoned:   true,
		Err:         err,
	}
}

// ──────────────────────────────────────────────────
// Ledger snapshot
// ──────────────────────────────────────────────────

// snapshot is the ledger state a cycle works from, read once up front.
type snapshot struct {
	clusters    []*cluster.Cluster
	teams       map[string]*team.Team // by ID
	teamsByName map[string]*team.Team
	requests    map[string]*request.Request // by ID
}

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	clusters, err := e.source.ListClusters(ctx, cluster.ListOpts{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list clusters: %w", err)
	}
	teams, err := e.source.ListTeams(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list teams: %w", err)
	}
	requests, err := e.source.ListRequests(ctx, request.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: list requests: %w", err)
	}

	snap := &snapshot{
		clusters:    clusters,
		teams:       make(map[string]*team.Team, len(teams)),
		teamsByName: make(map[string]*team.Team, len(teams)),
		requests:    make(map[string]*request.Request, len(requests)),
	}
	for _, t := range teams {
		snap.teams[t.ID.String()] = t
		snap.teamsByName[t.Name] = t
	}
	for _, r := range requests {
		snap.requests[r.ID.String()] = r
	}
	return snap, nil
}

func isAbandon(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
