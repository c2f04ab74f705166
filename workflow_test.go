package keystone_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/billing"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/scheduler"
	schedmem "github.com/xraph/keystone/scheduler/memory"
	"github.com/xraph/keystone/store/memory"
	"github.com/xraph/keystone/team"
)

// clock is a settable time source safe for use from the enforcement loop.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures the hooks the workflow fires.
type recorder struct {
	mu       sync.Mutex
	statuses map[string][]request.Status
	events   []*event.Event
	awarded  []int64
}

func newRecorder() *recorder {
	return &recorder{statuses: make(map[string][]request.Status)}
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnRequestSubmitted(_ context.Context, req *request.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[req.ID.String()] = append(r.statuses[req.ID.String()], req.Status)
	return nil
}

func (r *recorder) OnStatusChanged(_ context.Context, req *request.Request, _ request.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[req.ID.String()] = append(r.statuses[req.ID.String()], req.Status)
	return nil
}

func (r *recorder) OnLifecycleEvent(_ context.Context, e *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) OnAllocationAwarded(_ context.Context, a *allocation.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awarded = append(r.awarded, a.Awarded)
	return nil
}

func (r *recorder) Statuses(requestID id.RequestID) []request.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]request.Status(nil), r.statuses[requestID.String()]...)
}

func (r *recorder) Events(typ event.Type) []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*event.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *clock
	store    *memory.Store
	backends *scheduler.Registry
	rec      *recorder
	k        *keystone.Keystone
}

func newHarness(t *testing.T, opts ...keystone.Option) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		store:    memory.New(),
		backends: scheduler.NewRegistry(),
		rec:      newRecorder(),
	}
	h.k = h.engine(opts...)
	return h
}

// engine builds a Keystone over the harness store, as after a restart.
func (h *harness) engine(opts ...keystone.Option) *keystone.Keystone {
	return keystone.New(h.store, append([]keystone.Option{
		keystone.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		keystone.WithClock(h.clock.Now),
		keystone.WithBackends(h.backends),
		keystone.WithPlugin(h.rec),
	}, opts...)...)
}

func (h *harness) cluster(name string, accounts ...string) (*cluster.Cluster, *schedmem.Backend) {
	h.t.Helper()
	c := &cluster.Cluster{Name: name, Enabled: true, Weights: billing.Weights{"CPU": 1.0}}
	require.NoError(h.t, h.k.CreateCluster(h.ctx, c))
	b := schedmem.New(name, accounts...)
	h.backends.Register(name, b)
	return c, b
}

func (h *harness) team(name string) *team.Team {
	h.t.Helper()
	tm, err := h.k.CreateTeam(h.ctx, name, "owner-"+name)
	require.NoError(h.t, err)
	return tm
}

func (h *harness) submit(tm *team.Team, c *cluster.Cluster, amount int64, expireIn time.Duration) *request.Request {
	h.t.Helper()
	r := &request.Request{
		TeamID: tm.ID,
		Title:  "Simulation campaign",
		Asks:   []request.Ask{{ClusterID: c.ID, Amount: amount}},
	}
	if expireIn > 0 {
		expire := h.clock.Now().Add(expireIn)
		r.Expire = &expire
	}
	require.NoError(h.t, h.k.SubmitRequest(h.ctx, r))
	return r
}

func (h *harness) review(r *request.Request, status review.Status) *request.Request {
	h.t.Helper()
	h.clock.Advance(time.Minute)
	got, err := h.k.AttachReview(h.ctx, r.ID, &review.Review{ReviewerID: "rev-1", Status: status})
	require.NoError(h.t, err)
	return got
}

func (h *harness) cycle() *keystone.CycleResult {
	h.t.Helper()
	res, err := h.k.RunCycle(h.ctx)
	require.NoError(h.t, err)
	return res
}

func (h *harness) status(r *request.Request) request.Status {
	h.t.Helper()
	got, err := h.k.GetRequest(h.ctx, r.ID)
	require.NoError(h.t, err)
	return got.Status
}

func (h *harness) allocations(r *request.Request) []*allocation.Allocation {
	h.t.Helper()
	allocs, err := h.k.ListAllocations(h.ctx, allocation.ListOpts{RequestID: r.ID})
	require.NoError(h.t, err)
	return allocs
}

var lifecycle = []request.Status{
	request.StatusSubmitted,
	request.StatusUnderReview,
	request.StatusApproved,
	request.StatusDeclined,
	request.StatusActive,
	request.StatusExpired,
	request.StatusRevoked,
}

// assertLifecycleOrder checks that seen only moves forward through the
// lifecycle.
func assertLifecycleOrder(t *testing.T, seen []request.Status) {
	t.Helper()
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1].Rank(), seen[i].Rank(), "status went from %s to %s", seen[i-1], seen[i])
		assert.True(t, request.CanTransition(seen[i-1], seen[i]), "no edge %s -> %s", seen[i-1], seen[i])
	}
	for _, s := range seen {
		assert.Contains(t, lifecycle, s)
	}
}

func TestRequestLifecycle(t *testing.T) {
	h := newHarness(t)
	c1, b1 := h.cluster("c1", "Alpha")
	alpha := h.team("Alpha")

	r := h.submit(alpha, c1, 10000, 90*24*time.Hour)
	assert.Equal(t, request.StatusSubmitted, h.status(r))
	assert.Empty(t, h.allocations(r), "allocations appear only on approval")

	got := h.review(r, review.StatusApproved)
	assert.Equal(t, request.StatusApproved, got.Status)
	require.NotNil(t, got.Reviewed)

	allocs := h.allocations(r)
	require.Len(t, allocs, 1)
	assert.Equal(t, int64(10000), allocs[0].Awarded)
	assert.Equal(t, 1, allocs[0].Revision)

	limit, _ := b1.Limit("Alpha")
	assert.Zero(t, limit, "approved but not active: nothing enforced")

	res := h.cycle()
	assert.Len(t, res.Activated, 1)
	assert.Equal(t, request.StatusActive, h.status(r))

	limit, _ = b1.Limit("Alpha")
	assert.Equal(t, int64(10000), limit)
	assert.True(t, h.allocations(r)[0].Synced())

	h.clock.Advance(91 * 24 * time.Hour)
	res = h.cycle()
	assert.Len(t, res.Expired, 1)
	assert.Equal(t, request.StatusExpired, h.status(r))

	limit, _ = b1.Limit("Alpha")
	assert.Zero(t, limit)

	assert.Equal(t, []request.Status{
		request.StatusSubmitted,
		request.StatusUnderReview,
		request.StatusApproved,
		request.StatusActive,
		request.StatusExpired,
	}, h.rec.Statuses(r.ID))
	assertLifecycleOrder(t, h.rec.Statuses(r.ID))
}

func TestLatestReviewGoverns(t *testing.T) {
	t.Run("changes requested keeps under review", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1")
		r := h.submit(h.team("Alpha"), c1, 100, 0)

		got := h.review(r, review.StatusChangesRequested)
		assert.Equal(t, request.StatusUnderReview, got.Status)

		got = h.review(r, review.StatusApproved)
		assert.Equal(t, request.StatusApproved, got.Status)
	})

	t.Run("declining re-review overrides approval", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1")
		r := h.submit(h.team("Alpha"), c1, 100, 0)

		h.review(r, review.StatusApproved)
		h.review(r, review.StatusApproved)
		got := h.review(r, review.StatusDeclined)
		assert.Equal(t, request.StatusDeclined, got.Status)

		reviews, err := h.k.ListReviews(h.ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, reviews, 3)
		assertLifecycleOrder(t, h.rec.Statuses(r.ID))
	})

	t.Run("pending re-review keeps approval", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1")
		r := h.submit(h.team("Alpha"), c1, 100, 0)

		h.review(r, review.StatusApproved)
		got := h.review(r, review.StatusChangesRequested)
		assert.Equal(t, request.StatusApproved, got.Status)
	})

	t.Run("backdated review does not govern", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1")
		r := h.submit(h.team("Alpha"), c1, 100, 0)

		h.review(r, review.StatusApproved)
		got, err := h.k.AttachReview(h.ctx, r.ID, &review.Review{
			ReviewerID: "rev-2",
			Status:     review.StatusDeclined,
			DecidedAt:  h.clock.Now().Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, request.StatusApproved, got.Status)
	})

	t.Run("reviews of an active request are recorded only", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1", "Alpha")
		r := h.submit(h.team("Alpha"), c1, 100, 0)
		h.review(r, review.StatusApproved)
		h.cycle()

		got := h.review(r, review.StatusDeclined)
		assert.Equal(t, request.StatusActive, got.Status)

		reviews, err := h.k.ListReviews(h.ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, reviews, 2)
	})

	t.Run("declined is final", func(t *testing.T) {
		h := newHarness(t)
		c1, _ := h.cluster("c1")
		r := h.submit(h.team("Alpha"), c1, 100, 0)
		h.review(r, review.StatusDeclined)

		_, err := h.k.AttachReview(h.ctx, r.ID, &review.Review{ReviewerID: "rev-1", Status: review.StatusApproved})
		require.Error(t, err)
		assert.True(t, keystone.IsTransitionError(err))

		var te keystone.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, string(request.StatusDeclined), te.From)
		assert.Equal(t, request.StatusDeclined, h.status(r))
	})
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	c1, _ := h.cluster("c1")
	alpha := h.team("Alpha")
	now := h.clock.Now()
	later := now.Add(time.Hour)

	tests := []struct {
		name string
		req  request.Request
	}{
		{"empty title", request.Request{TeamID: alpha.ID, Asks: []request.Ask{{ClusterID: c1.ID, Amount: 1}}}},
		{"no team", request.Request{Title: "x", Asks: []request.Ask{{ClusterID: c1.ID, Amount: 1}}}},
		{"no asks", request.Request{Title: "x", TeamID: alpha.ID}},
		{"negative amount", request.Request{Title: "x", TeamID: alpha.ID, Asks: []request.Ask{{ClusterID: c1.ID, Amount: -5}}}},
		{"duplicate ask", request.Request{Title: "x", TeamID: alpha.ID, Asks: []request.Ask{{ClusterID: c1.ID, Amount: 1}, {ClusterID: c1.ID, Amount: 2}}}},
		{"active after expire", request.Request{Title: "x", TeamID: alpha.ID, Asks: []request.Ask{{ClusterID: c1.ID, Amount: 1}}, Active: &later, Expire: &now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.req
			err := h.k.SubmitRequest(h.ctx, &r)
			require.Error(t, err)
			assert.True(t, keystone.IsValidationError(err), "got %v", err)
		})
	}

	t.Run("unknown cluster", func(t *testing.T) {
		err := h.k.SubmitRequest(h.ctx, &request.Request{
			Title: "x", TeamID: alpha.ID,
			Asks: []request.Ask{{ClusterID: id.NewClusterID(), Amount: 1}},
		})
		assert.ErrorIs(t, err, keystone.ErrReferenceNotFound)
	})

	requests, err := h.k.ListRequests(h.ctx, request.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, requests, "rejected requests never reach the store")
}

func TestTeamMembership(t *testing.T) {
	h := newHarness(t)
	alpha := h.team("Alpha")

	require.NoError(t, h.k.AddTeamMember(h.ctx, alpha.ID, "u-2", team.RoleMember))
	require.NoError(t, h.k.AddTeamMember(h.ctx, alpha.ID, "u-2", team.RoleAdmin))

	got, err := h.k.GetTeam(h.ctx, alpha.ID)
	require.NoError(t, err)
	m, ok := got.Member("u-2")
	require.True(t, ok)
	assert.Equal(t, team.RoleAdmin, m.Role)
	assert.Len(t, got.Members, 2)

	assert.ErrorIs(t, h.k.AddTeamMember(h.ctx, alpha.ID, "u-3", team.RoleOwner), keystone.ErrOwnerExists)
	assert.True(t, keystone.IsValidationError(h.k.AddTeamMember(h.ctx, alpha.ID, "u-3", team.Role("guest"))))
	assert.True(t, keystone.IsValidationError(h.k.AddTeamMember(h.ctx, alpha.ID, "owner-Alpha", team.RoleMember)))

	_, err = h.k.CreateTeam(h.ctx, "Alpha", "someone")
	assert.ErrorIs(t, err, keystone.ErrAlreadyExists)
}

func TestClusterWeightsAreValidated(t *testing.T) {
	h := newHarness(t)

	err := h.k.CreateCluster(h.ctx, &cluster.Cluster{Name: "bad", Weights: billing.Weights{"cpu": -1}})
	assert.True(t, keystone.IsValidationError(err))

	c := &cluster.Cluster{Name: "c1", Weights: billing.Weights{" GPU ": 2}}
	require.NoError(t, h.k.CreateCluster(h.ctx, c))
	got, err := h.k.GetCluster(h.ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.Weights{"gpu": 2}, got.Weights)
}

func TestClusterUpdatesAndEnablement(t *testing.T) {
	h := newHarness(t)
	c1, b1 := h.cluster("c1", "Alpha")
	r := h.submit(h.team("Alpha"), c1, 800, 0)
	h.review(r, review.StatusApproved)

	require.NoError(t, h.k.SetClusterEnabled(h.ctx, c1.ID, false))
	h.cycle()
	assert.Equal(t, request.StatusActive, h.status(r))
	limit, _ := b1.Limit("Alpha")
	assert.Zero(t, limit, "disabled clusters are not synced")

	require.NoError(t, h.k.SetClusterEnabled(h.ctx, c1.ID, true))
	h.cycle()
	limit, _ = b1.Limit("Alpha")
	assert.Equal(t, int64(800), limit)

	c1.Description = "GPU partition"
	c1.Weights = billing.Weights{"GRES/gpu": 2}
	require.NoError(t, h.k.UpdateCluster(h.ctx, c1))
	got, err := h.k.GetCluster(h.ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, "GPU partition", got.Description)
	assert.Equal(t, billing.Weights{"gres/gpu": 2}, got.Weights)

	assert.True(t, keystone.IsValidationError(h.k.UpdateCluster(h.ctx, &cluster.Cluster{ID: c1.ID})))
}

func TestAwardLocking(t *testing.T) {
	h := newHarness(t)
	c1, b1 := h.cluster("c1", "Alpha")
	r := h.submit(h.team("Alpha"), c1, 10000, 0)
	h.review(r, review.StatusApproved)

	a := h.allocations(r)[0]

	_, err := h.k.SetCeiling(h.ctx, a.ID, 5000)
	assert.True(t, keystone.IsValidationError(err), "ceiling below award")

	a, err = h.k.SetAward(h.ctx, a.ID, 8000)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), a.Awarded)

	a, err = h.k.SetCeiling(h.ctx, a.ID, 9000)
	require.NoError(t, err)
	_, err = h.k.SetAward(h.ctx, a.ID, 9500)
	assert.True(t, keystone.IsValidationError(err), "award above ceiling")
	_, err = h.k.SetAward(h.ctx, a.ID, -1)
	assert.True(t, keystone.IsValidationError(err))

	h.cycle()
	limit, _ := b1.Limit("Alpha")
	assert.Equal(t, int64(8000), limit)

	_, err = h.k.SetAward(h.ctx, a.ID, 7000)
	assert.ErrorIs(t, err, keystone.ErrAwardLocked)

	// A ceiling change leaves the award and its revision alone.
	capped, err := h.k.SetCeiling(h.ctx, a.ID, 20000)
	require.NoError(t, err)
	assert.True(t, capped.Synced())
	_, err = h.k.SetAward(h.ctx, a.ID, 7000)
	assert.ErrorIs(t, err, keystone.ErrAwardLocked)

	revised, err := h.k.ReviseAward(h.ctx, a.ID, 6000)
	require.NoError(t, err)
	assert.False(t, revised.Synced())
	revision := revised.Revision

	h.cycle()
	limit, _ = b1.Limit("Alpha")
	assert.Equal(t, int64(6000), limit)

	got, err := h.k.GetAllocation(h.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, revision, got.SyncedRevision)
	assert.True(t, got.Synced())

	// Still published while a later revision is pending.
	_, err = h.k.ReviseAward(h.ctx, a.ID, 5000)
	require.NoError(t, err)
	_, err = h.k.SetAward(h.ctx, a.ID, 4000)
	assert.ErrorIs(t, err, keystone.ErrAwardLocked)
}

func TestAwardsOnClosedRequestsAreRejected(t *testing.T) {
	h := newHarness(t)
	c1, _ := h.cluster("c1", "Alpha")
	r := h.submit(h.team("Alpha"), c1, 100, 0)
	h.review(r, review.StatusApproved)
	a := h.allocations(r)[0]

	_, err := h.k.Revoke(h.ctx, r.ID)
	require.NoError(t, err)

	_, err = h.k.ReviseAward(h.ctx, a.ID, 50)
	assert.ErrorIs(t, err, keystone.ErrRequestClosed)
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	c1, b1 := h.cluster("c1", "Alpha")
	r := h.submit(h.team("Alpha"), c1, 10000, 0)
	h.review(r, review.StatusApproved)
	h.cycle()

	limit, _ := b1.Limit("Alpha")
	require.Equal(t, int64(10000), limit)

	got, err := h.k.Revoke(h.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusRevoked, got.Status)
	require.NotNil(t, got.ClosedAt)

	res := h.cycle()
	limit, _ = b1.Limit("Alpha")
	assert.Zero(t, limit, "revoked allocations are withdrawn")
	require.Len(t, res.Events, 1)
	assert.Equal(t, event.TypeRevoked, res.Events[0].Type)
	assert.Equal(t, "Alpha", res.Events[0].TeamName)
	require.Len(t, res.Events[0].Allocations, 1)
	assert.Equal(t, "c1", res.Events[0].Allocations[0].ClusterName)

	h.cycle()
	assert.Len(t, h.rec.Events(event.TypeRevoked), 1)

	_, err = h.k.Revoke(h.ctx, r.ID)
	assert.True(t, keystone.IsTransitionError(err))
}

func TestStatusWritesAreCompareAndSwap(t *testing.T) {
	h := newHarness(t)
	c1, _ := h.cluster("c1")
	r := h.submit(h.team("Alpha"), c1, 100, 0)

	// A stale writer that still believes the request is under review.
	h.review(r, review.StatusApproved)
	err := h.store.UpdateRequestStatus(h.ctx, r.ID, request.Transition{
		From: request.StatusUnderReview,
		To:   request.StatusDeclined,
		At:   h.clock.Now(),
	})
	assert.ErrorIs(t, err, keystone.ErrTransitionConflict)
	assert.True(t, keystone.IsRetryable(err))
	assert.Equal(t, request.StatusApproved, h.status(r))
}

func TestConcurrentReviewsNeverSkipAnEdge(t *testing.T) {
	h := newHarness(t)
	c1, _ := h.cluster("c1")
	r := h.submit(h.team("Alpha"), c1, 100, 0)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := review.StatusApproved
			if i%3 == 0 {
				status = review.StatusChangesRequested
			}
			_, err := h.k.AttachReview(h.ctx, r.ID, &review.Review{ReviewerID: "rev", Status: status})
			if err != nil {
				assert.True(t, keystone.IsTransitionError(err) || errors.Is(err, keystone.ErrInvalidInput), "%v", err)
			}
		}()
	}
	wg.Wait()

	assertLifecycleOrder(t, h.rec.Statuses(r.ID))
	assert.Len(t, h.allocations(r), 1)
}
