package reconcile_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/reconcile"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/scheduler"
	schedmem "github.com/xraph/keystone/scheduler/memory"
	"github.com/xraph/keystone/store/memory"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	degraded  []string
	recovered []string
	drift     []string
	exceeded  []string
}

func (o *recordingObserver) EmitSyncCompleted(_ context.Context, r *reconcile.ClusterReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, r.ClusterName)
}

func (o *recordingObserver) EmitClusterDegraded(_ context.Context, r *reconcile.ClusterReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded = append(o.degraded, r.ClusterName)
}

func (o *recordingObserver) EmitClusterRecovered(_ context.Context, r *reconcile.ClusterReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recovered = append(o.recovered, r.ClusterName)
}

func (o *recordingObserver) EmitDriftDetected(_ context.Context, rec *reconcile.SyncRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drift = append(o.drift, rec.ClusterName+"/"+rec.Account)
}

func (o *recordingObserver) EmitUsageExceeded(_ context.Context, rec *reconcile.SyncRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exceeded = append(o.exceeded, rec.ClusterName+"/"+rec.Account)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	backends *scheduler.Registry
	observer *recordingObserver
	now      time.Time
	engine   *reconcile.Engine
}

func newFixture(t *testing.T, cfg reconcile.Config) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		backends: scheduler.NewRegistry(),
		observer: &recordingObserver{},
		now:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = reconcile.New(f.store, f.backends,
		reconcile.WithConfig(cfg),
		reconcile.WithObserver(f.observer),
		reconcile.WithClock(types.Clock(func() time.Time { return f.now })),
		reconcile.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func (f *fixture) cluster(name string, weights billing.Weights, accounts ...string) (*cluster.Cluster, *schedmem.Backend) {
	f.t.Helper()
	c := &cluster.Cluster{ID: id.NewClusterID(), Name: name, Enabled: true, Weights: weights, Entity: types.NewEntity(f.now)}
	require.NoError(f.t, f.store.CreateCluster(f.ctx, c))
	b := schedmem.New(name, accounts...)
	f.backends.Register(name, b)
	return c, b
}

func (f *fixture) team(name string) *team.Team {
	f.t.Helper()
	tm := &team.Team{ID: id.NewTeamID(), Name: name, Members: []team.Member{{UserID: "u-" + name, Role: team.RoleOwner}}}
	require.NoError(f.t, f.store.CreateTeam(f.ctx, tm))
	return tm
}

func (f *fixture) grant(tm *team.Team, status request.Status, c *cluster.Cluster, resource string, awarded int64) *request.Request {
	f.t.Helper()
	r := &request.Request{ID: id.NewRequestID(), TeamID: tm.ID, Title: "grant", Status: status, Submitted: f.now}
	require.NoError(f.t, f.store.CreateRequest(f.ctx, r))
	a := &allocation.Allocation{
		ID: id.NewAllocationID(), RequestID: r.ID, ClusterID: c.ID,
		Resource: resource, Requested: awarded, Awarded: awarded, Revision: 1,
	}
	require.NoError(f.t, f.store.CreateAllocations(f.ctx, []*allocation.Allocation{a}))
	return r
}

func (f *fixture) sync() *reconcile.CycleReport {
	f.t.Helper()
	report, err := f.engine.Sync(f.ctx)
	require.NoError(f.t, err)
	return report
}

func TestAwardIsPushedToCluster(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", billing.Weights{"cpu": 1.0}, "Alpha")
	alpha := f.team("Alpha")
	f.grant(alpha, request.StatusActive, c1, "", 10000)

	report := f.sync()

	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(10000), limit)

	cr := report.Cluster("c1")
	require.NotNil(t, cr)
	require.NoError(t, cr.Err)
	rec := cr.Record("Alpha")
	require.NotNil(t, rec)
	assert.Equal(t, int64(10000), rec.Target)
	assert.Equal(t, int64(10000), rec.Observed)
	assert.True(t, rec.Applied)
	assert.False(t, rec.Drift)
	assert.True(t, rec.Confirmed())
	require.Len(t, rec.Allocations, 1)
	assert.Equal(t, 1, rec.Allocations[0].Revision)

	stored, ok := f.engine.Record(c1.ID.String(), alpha.ID.String())
	require.True(t, ok)
	assert.Equal(t, int64(10000), stored.Observed)
	assert.Equal(t, []string{"c1"}, f.observer.completed)
}

func TestSecondSyncIsReadOnly(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", billing.Weights{"cpu": 1.0}, "Alpha", "Beta")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 10000)
	f.grant(f.team("Beta"), request.StatusActive, c1, "cpu", 250)

	f.sync()
	assert.Equal(t, 2, b1.Calls().Set)

	b1.ResetCalls()
	report := f.sync()

	calls := b1.Calls()
	assert.Equal(t, 0, calls.Set)
	assert.Equal(t, 2, calls.Get, "one read per team")
	assert.Empty(t, b1.History())
	assert.Zero(t, report.Cluster("c1").Applied())
}

func TestUnreachableClusterDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, reconcile.Config{InitialBackoff: time.Minute, MaxBackoff: 10 * time.Minute})
	c1, b1 := f.cluster("c1", nil, "Alpha")
	c2, b2 := f.cluster("c2", nil, "Alpha")
	alpha := f.team("Alpha")
	f.grant(alpha, request.StatusActive, c1, "", 100)
	f.grant(alpha, request.StatusActive, c2, "", 200)
	b1.SetUnavailable(true)

	report := f.sync()

	a := report.Cluster("c1")
	require.Error(t, a.Err)
	assert.True(t, scheduler.IsUnavailable(a.Err))
	assert.True(t, a.Degraded)
	assert.Equal(t, 1, a.Failures)
	assert.False(t, a.RetryAt.IsZero())

	b := report.Cluster("c2")
	require.NoError(t, b.Err)
	limit, _ := b2.Limit("Alpha")
	assert.Equal(t, int64(200), limit)

	degraded := f.engine.Degraded()
	require.Len(t, degraded, 1)
	assert.Equal(t, "c1", degraded[0].ClusterName)
	assert.Equal(t, []string{"c1"}, f.observer.degraded)
}

func TestDegradedClusterBacksOff(t *testing.T) {
	f := newFixture(t, reconcile.Config{InitialBackoff: time.Minute, MaxBackoff: 10 * time.Minute})
	c1, b1 := f.cluster("c1", nil, "Alpha")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)
	b1.SetUnavailable(true)

	f.sync()
	b1.ResetCalls()

	f.now = f.now.Add(10 * time.Second)
	report := f.sync()
	assert.True(t, report.Cluster("c1").Skipped)
	assert.Equal(t, schedmem.Calls{}, b1.Calls(), "no backend calls while backing off")

	b1.SetUnavailable(false)
	f.now = f.now.Add(time.Hour)
	report = f.sync()

	cr := report.Cluster("c1")
	assert.False(t, cr.Skipped)
	require.NoError(t, cr.Err)
	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(100), limit)
	assert.Empty(t, f.engine.Degraded())
	assert.Equal(t, []string{"c1"}, f.observer.recovered)
	assert.Equal(t, []string{"c1"}, f.observer.degraded, "degradation reported once")
}

func TestDriftIsFlagged(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", nil, "Alpha")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 500)
	b1.Pin("Alpha", 42)

	report := f.sync()

	rec := report.Cluster("c1").Record("Alpha")
	require.NotNil(t, rec)
	assert.True(t, rec.Applied)
	assert.True(t, rec.Drift)
	assert.Equal(t, int64(42), rec.Observed)
	require.NoError(t, report.Cluster("c1").Err, "drift is not a failure")
	assert.Equal(t, []string{"c1/Alpha"}, f.observer.drift)
	assert.Empty(t, f.engine.Degraded())
}

func TestRetiredAllocationsAreWithdrawn(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", nil)
	b1.AddAccount("Alpha", 10000)
	alpha := f.team("Alpha")
	f.grant(alpha, request.StatusExpired, c1, "", 10000)
	f.grant(alpha, request.StatusActive, c1, "", 300)
	f.grant(alpha, request.StatusRevoked, c1, "", 50)

	f.sync()

	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(300), limit)
}

func TestTeamsWithOnlyAccountsGetZero(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	_, b1 := f.cluster("c1", nil)
	b1.AddAccount("Alpha", 700)
	b1.AddAccount("root", 0)
	b1.AddAccount("Ghost", 900)
	f.team("Alpha")

	report := f.sync()

	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(0), limit)
	ghost, _ := b1.Limit("Ghost")
	assert.Equal(t, int64(900), ghost, "unmanaged accounts are left alone")
	assert.Equal(t, []string{"Ghost"}, report.Cluster("c1").Unmanaged)
}

func TestWeightedAwards(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", billing.Weights{"cpu": 1, "gres/gpu": 2}, "Alpha")
	alpha := f.team("Alpha")
	f.grant(alpha, request.StatusActive, c1, "GRES/gpu", 100)
	f.grant(alpha, request.StatusActive, c1, "", 50)

	f.sync()

	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(250), limit)
}

func TestUsageAboveTargetIsReported(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", billing.Weights{"cpu": 1}, "Alpha")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)
	b1.SetUsage("Alpha", billing.Usage{"cpu": 150})

	report := f.sync()

	rec := report.Cluster("c1").Record("Alpha")
	require.NotNil(t, rec.BillableUsage)
	assert.InDelta(t, 150, *rec.BillableUsage, 1e-9)
	assert.True(t, rec.UsageExceeded)
	assert.Equal(t, []string{"c1/Alpha"}, f.observer.exceeded)

	usage, err := f.engine.Usage(f.ctx, c1, "Alpha")
	require.NoError(t, err)
	assert.InDelta(t, 150, usage, 1e-9)
}

func TestDisabledClustersAreNotSynced(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", nil, "Alpha")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)
	c1.Enabled = false
	require.NoError(t, f.store.UpdateCluster(f.ctx, c1))

	report := f.sync()

	assert.Nil(t, report.Cluster("c1"))
	assert.Equal(t, schedmem.Calls{}, b1.Calls())
}

func TestMissingAccountIsRecordedNotFatal(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", nil, "Beta")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)
	f.grant(f.team("Beta"), request.StatusActive, c1, "", 200)

	report := f.sync()

	cr := report.Cluster("c1")
	require.NoError(t, cr.Err)
	assert.ErrorIs(t, cr.Record("Alpha").Err, scheduler.ErrAccountNotFound)
	limit, _ := b1.Limit("Beta")
	assert.Equal(t, int64(200), limit)
	assert.Empty(t, f.engine.Degraded())
}

// stuckBackend ignores its context until released.
type stuckBackend struct {
	release chan struct{}
}

func (b *stuckBackend) Name() string { return "stuck" }

func (b *stuckBackend) GetLimit(context.Context, string) (int64, error) {
	<-b.release
	return 0, nil
}

func (b *stuckBackend) SetLimit(context.Context, string, int64) error {
	<-b.release
	return nil
}

func TestHungBackendTimesOut(t *testing.T) {
	f := newFixture(t, reconcile.Config{CallTimeout: 20 * time.Millisecond})
	c1, _ := f.cluster("c1", nil)
	stuck := &stuckBackend{release: make(chan struct{})}
	defer close(stuck.release)
	f.backends.Register("c1", stuck)
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)

	report := f.sync()

	cr := report.Cluster("c1")
	require.Error(t, cr.Err)
	assert.True(t, scheduler.IsUnavailable(cr.Err))
	assert.True(t, cr.Degraded)
}

func TestSyncCluster(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, b1 := f.cluster("c1", nil, "Alpha")
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 64)

	cr, err := f.engine.SyncCluster(f.ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, cr.Err)
	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(64), limit)

	_, err = f.engine.SyncCluster(f.ctx, "nope")
	assert.Error(t, err)
}

func TestCycleDeadlineAbandonsRemainingClusters(t *testing.T) {
	f := newFixture(t, reconcile.Config{
		Concurrency:   1,
		CallTimeout:   time.Second,
		CycleDeadline: 50 * time.Millisecond,
	})
	a1, _ := f.cluster("a1", nil)
	b2, mem := f.cluster("b2", nil, "Alpha")
	stuck := &stuckBackend{release: make(chan struct{})}
	defer close(stuck.release)
	f.backends.Register("a1", stuck)
	alpha := f.team("Alpha")
	f.grant(alpha, request.StatusActive, a1, "", 100)
	f.grant(alpha, request.StatusActive, b2, "", 200)

	report := f.sync()

	first := report.Cluster("a1")
	assert.True(t, first.Abandoned)
	assert.False(t, first.Degraded, "a deadline is not the cluster's fault")
	second := report.Cluster("b2")
	assert.True(t, second.Abandoned, "never started before the deadline")
	limit, _ := mem.Limit("Alpha")
	assert.Zero(t, limit)
	assert.Empty(t, f.engine.Degraded())
	assert.Empty(t, f.observer.degraded)

	// Resumed on the next cycle.
	f.backends.Register("a1", schedmem.New("a1", "Alpha"))
	report = f.sync()
	require.NoError(t, report.Cluster("b2").Err)
	assert.False(t, report.Cluster("b2").Abandoned)
	limit, _ = mem.Limit("Alpha")
	assert.Equal(t, int64(200), limit)
}

// serialBackend never retains a limit, so every sync writes, and it records
// how many calls were ever in flight at once.
type serialBackend struct {
	mu       sync.Mutex
	inflight int
	peak     int
	sets     int
}

func (b *serialBackend) Name() string { return "serial" }

func (b *serialBackend) enter() {
	b.mu.Lock()
	b.inflight++
	b.peak = max(b.peak, b.inflight)
	b.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
}

func (b *serialBackend) leave() {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

func (b *serialBackend) GetLimit(context.Context, string) (int64, error) {
	b.enter()
	defer b.leave()
	return 0, nil
}

func (b *serialBackend) SetLimit(context.Context, string, int64) error {
	b.enter()
	defer b.leave()
	b.mu.Lock()
	b.sets++
	b.mu.Unlock()
	return nil
}

func TestSameClusterSyncsAreSerialized(t *testing.T) {
	f := newFixture(t, reconcile.Config{})
	c1, _ := f.cluster("c1", nil)
	backend := &serialBackend{}
	f.backends.Register("c1", backend)
	f.grant(f.team("Alpha"), request.StatusActive, c1, "", 100)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cr, err := f.engine.SyncCluster(f.ctx, "c1")
			assert.NoError(t, err)
			assert.NoError(t, cr.Err)
		}()
	}
	wg.Wait()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 1, backend.peak, "calls on one cluster overlapped")
	assert.Equal(t, 4, backend.sets)
}
