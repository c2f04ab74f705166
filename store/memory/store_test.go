package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/store/memory"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	s       *memory.Store
	cluster *cluster.Cluster
	team    *team.Team
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), s: memory.New()}

	f.cluster = &cluster.Cluster{Entity: types.NewEntity(t0), ID: id.NewClusterID(), Name: "c1", Enabled: true}
	require.NoError(t, f.s.CreateCluster(f.ctx, f.cluster))

	f.team = &team.Team{Entity: types.NewEntity(t0), ID: id.NewTeamID(), Name: "Alpha"}
	require.NoError(t, f.s.CreateTeam(f.ctx, f.team))
	return f
}

func (f *fixture) request(t *testing.T, status request.Status) *request.Request {
	t.Helper()
	r := &request.Request{
		Entity:    types.NewEntity(t0),
		ID:        id.NewRequestID(),
		TeamID:    f.team.ID,
		Title:     "Ensemble",
		Status:    status,
		Asks:      []request.Ask{{ClusterID: f.cluster.ID, Amount: 100}},
		Submitted: t0,
	}
	require.NoError(t, f.s.CreateRequest(f.ctx, r))
	return r
}

func (f *fixture) allocation(t *testing.T, r *request.Request) *allocation.Allocation {
	t.Helper()
	a := &allocation.Allocation{
		Entity:    types.NewEntity(t0),
		ID:        id.NewAllocationID(),
		RequestID: r.ID,
		ClusterID: f.cluster.ID,
		Requested: 100,
		Awarded:   100,
		Revision:  1,
	}
	require.NoError(t, f.s.CreateAllocations(f.ctx, []*allocation.Allocation{a}))
	return a
}

func TestUniqueNames(t *testing.T) {
	f := newFixture(t)

	err := f.s.CreateCluster(f.ctx, &cluster.Cluster{ID: id.NewClusterID(), Name: "c1"})
	assert.ErrorIs(t, err, keystone.ErrAlreadyExists)

	err = f.s.CreateTeam(f.ctx, &team.Team{ID: id.NewTeamID(), Name: "Alpha"})
	assert.ErrorIs(t, err, keystone.ErrAlreadyExists)

	c2 := &cluster.Cluster{ID: id.NewClusterID(), Name: "c2"}
	require.NoError(t, f.s.CreateCluster(f.ctx, c2))
	c2.Name = "c1"
	assert.ErrorIs(t, f.s.UpdateCluster(f.ctx, c2), keystone.ErrAlreadyExists)
}

func TestReferencesAreChecked(t *testing.T) {
	f := newFixture(t)

	err := f.s.CreateRequest(f.ctx, &request.Request{ID: id.NewRequestID(), TeamID: id.NewTeamID()})
	assert.ErrorIs(t, err, keystone.ErrReferenceNotFound)

	err = f.s.CreateReview(f.ctx, &review.Review{ID: id.NewReviewID(), RequestID: id.NewRequestID()})
	assert.ErrorIs(t, err, keystone.ErrReferenceNotFound)

	r := f.request(t, request.StatusApproved)
	good := &allocation.Allocation{ID: id.NewAllocationID(), RequestID: r.ID, ClusterID: f.cluster.ID}
	bad := &allocation.Allocation{ID: id.NewAllocationID(), RequestID: r.ID, ClusterID: id.NewClusterID()}
	err = f.s.CreateAllocations(f.ctx, []*allocation.Allocation{good, bad})
	assert.ErrorIs(t, err, keystone.ErrReferenceNotFound)

	// The batch is all or nothing.
	allocs, err := f.s.ListAllocations(f.ctx, allocation.ListOpts{RequestID: r.ID})
	require.NoError(t, err)
	assert.Empty(t, allocs)
}

func TestUpdateRequestStatus(t *testing.T) {
	f := newFixture(t)
	r := f.request(t, request.StatusSubmitted)
	at := t0.Add(time.Hour)

	err := f.s.UpdateRequestStatus(f.ctx, r.ID, request.Transition{From: request.StatusUnderReview, To: request.StatusApproved, At: at})
	assert.ErrorIs(t, err, keystone.ErrTransitionConflict)

	require.NoError(t, f.s.UpdateRequestStatus(f.ctx, r.ID, request.Transition{From: request.StatusSubmitted, To: request.StatusRevoked, At: at}))
	got, err := f.s.GetRequest(f.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusRevoked, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, at, *got.ClosedAt)

	err = f.s.UpdateRequestStatus(f.ctx, id.NewRequestID(), request.Transition{From: request.StatusSubmitted, To: request.StatusRevoked})
	assert.ErrorIs(t, err, keystone.ErrRequestNotFound)
}

func TestListRequests(t *testing.T) {
	f := newFixture(t)
	submitted := f.request(t, request.StatusSubmitted)
	closedEarly := f.request(t, request.StatusSubmitted)
	closedLate := f.request(t, request.StatusSubmitted)

	require.NoError(t, f.s.UpdateRequestStatus(f.ctx, closedEarly.ID, request.Transition{From: request.StatusSubmitted, To: request.StatusRevoked, At: t0}))
	require.NoError(t, f.s.UpdateRequestStatus(f.ctx, closedLate.ID, request.Transition{From: request.StatusSubmitted, To: request.StatusRevoked, At: t0.Add(48 * time.Hour)}))

	tests := []struct {
		name string
		opts request.ListOpts
		want []id.RequestID
	}{
		{"all", request.ListOpts{}, []id.RequestID{submitted.ID, closedEarly.ID, closedLate.ID}},
		{"by status", request.ListOpts{Statuses: []request.Status{request.StatusSubmitted}}, []id.RequestID{submitted.ID}},
		{"closed after", request.ListOpts{ClosedAfter: t0.Add(24 * time.Hour)}, []id.RequestID{closedLate.ID}},
		{"paged", request.ListOpts{Offset: 1, Limit: 1}, []id.RequestID{closedEarly.ID}},
		{"offset past end", request.ListOpts{Offset: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.s.ListRequests(f.ctx, tt.opts)
			require.NoError(t, err)
			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.ID.String())
			}
			want := make([]string, 0, len(tt.want))
			for _, w := range tt.want {
				want = append(want, w.String())
			}
			assert.Equal(t, want, ids)
		})
	}
}

func TestReviewsAreOrderedByDecision(t *testing.T) {
	f := newFixture(t)
	r := f.request(t, request.StatusSubmitted)

	late := &review.Review{ID: id.NewReviewID(), RequestID: r.ID, Status: review.StatusApproved, DecidedAt: t0.Add(time.Hour)}
	early := &review.Review{ID: id.NewReviewID(), RequestID: r.ID, Status: review.StatusDeclined, DecidedAt: t0}
	tie := &review.Review{ID: id.NewReviewID(), RequestID: r.ID, Status: review.StatusChangesRequested, DecidedAt: t0.Add(time.Hour)}
	for _, rv := range []*review.Review{late, early, tie} {
		require.NoError(t, f.s.CreateReview(f.ctx, rv))
	}

	got, err := f.s.ListReviews(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, early.ID.String(), got[0].ID.String())
	assert.Equal(t, late.ID.String(), got[1].ID.String())
	assert.Equal(t, tie.ID.String(), got[2].ID.String())
	assert.Equal(t, tie.ID.String(), review.Latest(got).ID.String())
}

func TestSyncedRevisionIsOwnedByMarkSynced(t *testing.T) {
	f := newFixture(t)
	a := f.allocation(t, f.request(t, request.StatusApproved))

	require.NoError(t, f.s.MarkAllocationSynced(f.ctx, a.ID, 1, t0))

	// A stale copy written back keeps the stored synced revision.
	a.Awarded = 150
	a.Revision = 2
	a.SyncedRevision = 0
	require.NoError(t, f.s.UpdateAllocation(f.ctx, a))

	got, err := f.s.GetAllocation(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.Awarded)
	assert.Equal(t, 1, got.SyncedRevision)
	assert.False(t, got.Synced())

	// Never lowered.
	require.NoError(t, f.s.MarkAllocationSynced(f.ctx, a.ID, 2, t0))
	require.NoError(t, f.s.MarkAllocationSynced(f.ctx, a.ID, 1, t0))
	got, err = f.s.GetAllocation(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SyncedRevision)
	assert.True(t, got.Synced())

	assert.ErrorIs(t, f.s.MarkAllocationSynced(f.ctx, id.NewAllocationID(), 1, t0), keystone.ErrAllocationNotFound)
}

func TestEmissionsAreRecordedOnce(t *testing.T) {
	f := newFixture(t)
	r := f.request(t, request.StatusExpired)

	e := &event.Emission{
		Key:       event.EmissionKey(r.ID, event.TypeExpired, 0),
		EventID:   id.NewEventID(),
		RequestID: r.ID,
		Type:      event.TypeExpired,
		EmittedAt: t0,
	}
	require.NoError(t, f.s.RecordEmission(f.ctx, e))
	assert.ErrorIs(t, f.s.RecordEmission(f.ctx, e), keystone.ErrAlreadyExists)

	got, err := f.s.ListEmissions(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.Key, got[0].Key)

	// A released emission can be recorded again.
	require.NoError(t, f.s.DeleteEmission(f.ctx, e.Key))
	require.NoError(t, f.s.DeleteEmission(f.ctx, e.Key))
	require.NoError(t, f.s.RecordEmission(f.ctx, e))
}

func TestUpsertJobs(t *testing.T) {
	f := newFixture(t)
	submit := func(h int) *time.Time {
		ts := t0.Add(time.Duration(h) * time.Hour)
		return &ts
	}
	mk := func(schedID string, state job.State, at *time.Time, created time.Time) *job.Job {
		return &job.Job{
			Entity:      types.NewEntity(created),
			ID:          id.NewJobID(),
			ClusterID:   f.cluster.ID,
			SchedulerID: schedID,
			TeamID:      f.team.ID,
			Account:     "Alpha",
			State:       state,
			Submit:      at,
		}
	}

	first := mk("101", job.StateRunning, submit(1), t0)
	require.NoError(t, f.s.UpsertJobs(f.ctx, []*job.Job{first, mk("102", job.StatePending, submit(2), t0)}))

	// The same scheduler job collected again updates in place.
	later := t0.Add(time.Hour)
	again := mk("101", job.StateCompleted, submit(1), later)
	require.NoError(t, f.s.UpsertJobs(f.ctx, []*job.Job{again}))

	jobs, err := f.s.ListJobs(f.ctx, job.ListOpts{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "102", jobs[0].SchedulerID, "newest submission first")
	assert.Equal(t, first.ID.String(), jobs[1].ID.String())
	assert.Equal(t, t0, jobs[1].CreatedAt)
	assert.Equal(t, later, jobs[1].UpdatedAt)
	assert.Equal(t, job.StateCompleted, jobs[1].State)

	done, err := f.s.ListJobs(f.ctx, job.ListOpts{States: []job.State{job.StateCompleted}})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "101", done[0].SchedulerID)

	recent, err := f.s.ListJobs(f.ctx, job.ListOpts{SubmittedAfter: *submit(2)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "102", recent[0].SchedulerID)

	paged, err := f.s.ListJobs(f.ctx, job.ListOpts{TeamID: f.team.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "101", paged[0].SchedulerID)

	other, err := f.s.ListJobs(f.ctx, job.ListOpts{ClusterID: id.NewClusterID()})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	f := newFixture(t)
	f.cluster.Weights = keystone.Weights{"cpu": 1}
	require.NoError(t, f.s.UpdateCluster(f.ctx, f.cluster))

	got, err := f.s.GetCluster(f.ctx, f.cluster.ID)
	require.NoError(t, err)
	got.Weights["cpu"] = 99
	got.Name = "renamed"

	again, err := f.s.GetCluster(f.ctx, f.cluster.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, again.Weights["cpu"], 0)
	assert.Equal(t, "c1", again.Name)
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Ping(f.ctx))
	require.NoError(t, f.s.Close())
	assert.ErrorIs(t, f.s.Ping(f.ctx), keystone.ErrStoreClosed)
}
