// Package memory provides an in-process store.Store. Records are copied on the
// way in and out, so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/keystone"
	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/store"
	"github.com/xraph/keystone/team"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	clusters    map[string]*cluster.Cluster
	teams       map[string]*team.Team
	requests    map[string]*request.Request
	reviews     map[string][]*review.Review // keyed by request ID, insertion order
	allocations map[string]*allocation.Allocation
	emissions   map[string]*event.Emission
	jobs        map[string]*job.Job // keyed by Job.Key

	// insertion order, for stable listings
	clusterOrder    []string
	teamOrder       []string
	requestOrder    []string
	allocationOrder []string
}

func New() *Store {
	return &Store{
		clusters:    make(map[string]*cluster.Cluster),
		teams:       make(map[string]*team.Team),
		requests:    make(map[string]*request.Request),
		reviews:     make(map[string][]*review.Review),
		allocations: make(map[string]*allocation.Allocation),
		emissions:   make(map[string]*event.Emission),
		jobs:        make(map[string]*job.Job),
	}
}

// ──────────────────────────────────────────────────
// Cluster Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateCluster(_ context.Context, c *cluster.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[c.ID.String()]; exists {
		return keystone.ErrAlreadyExists
	}
	for _, existing := range s.clusters {
		if existing.Name == c.Name {
			return keystone.ErrAlreadyExists
		}
	}
	s.clusters[c.ID.String()] = cloneCluster(c)
	s.clusterOrder = append(s.clusterOrder, c.ID.String())
	return nil
}

func (s *Store) GetCluster(_ context.Context, clusterID id.ClusterID) (*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.clusters[clusterID.String()]; ok {
		return cloneCluster(c), nil
	}
	return nil, keystone.ErrClusterNotFound
}

func (s *Store) GetClusterByName(_ context.Context, name string) (*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clusters {
		if c.Name == name {
			return cloneCluster(c), nil
		}
	}
	return nil, keystone.ErrClusterNotFound
}

func (s *Store) ListClusters(_ context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*cluster.Cluster, 0, len(s.clusterOrder))
	for _, key := range s.clusterOrder {
		c := s.clusters[key]
		if opts.EnabledOnly && !c.Enabled {
			continue
		}
		result = append(result, cloneCluster(c))
	}
	return result, nil
}

func (s *Store) UpdateCluster(_ context.Context, c *cluster.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clusters[c.ID.String()]; !exists {
		return keystone.ErrClusterNotFound
	}
	for key, existing := range s.clusters {
		if key != c.ID.String() && existing.Name == c.Name {
			return keystone.ErrAlreadyExists
		}
	}
	s.clusters[c.ID.String()] = cloneCluster(c)
	return nil
}

// ──────────────────────────────────────────────────
// Team Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateTeam(_ context.Context, t *team.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.teams[t.ID.String()]; exists {
		return keystone.ErrAlreadyExists
	}
	for _, existing := range s.teams {
		if existing.Name == t.Name {
			return keystone.ErrAlreadyExists
		}
	}
	s.teams[t.ID.String()] = cloneTeam(t)
	s.teamOrder = append(s.teamOrder, t.ID.String())
	return nil
}

func (s *Store) GetTeam(_ context.Context, teamID id.TeamID) (*team.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.teams[teamID.String()]; ok {
		return cloneTeam(t), nil
	}
	return nil, keystone.ErrTeamNotFound
}

func (s *Store) GetTeamByName(_ context.Context, name string) (*team.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.teams {
		if t.Name == name {
			return cloneTeam(t), nil
		}
	}
	return nil, keystone.ErrTeamNotFound
}

func (s *Store) ListTeams(_ context.Context) ([]*team.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*team.Team, 0, len(s.teamOrder))
	for _, key := range s.teamOrder {
		result = append(result, cloneTeam(s.teams[key]))
	}
	return result, nil
}

func (s *Store) UpdateTeam(_ context.Context, t *team.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.teams[t.ID.String()]; !exists {
		return keystone.ErrTeamNotFound
	}
	s.teams[t.ID.String()] = cloneTeam(t)
	return nil
}

// ──────────────────────────────────────────────────
// Request Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateRequest(_ context.Context, r *request.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[r.ID.String()]; exists {
		return keystone.ErrAlreadyExists
	}
	if _, ok := s.teams[r.TeamID.String()]; !ok {
		return keystone.ErrReferenceNotFound
	}
	s.requests[r.ID.String()] = cloneRequest(r)
	s.requestOrder = append(s.requestOrder, r.ID.String())
	return nil
}

func (s *Store) GetRequest(_ context.Context, requestID id.RequestID) (*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.requests[requestID.String()]; ok {
		return cloneRequest(r), nil
	}
	return nil, keystone.ErrRequestNotFound
}

func (s *Store) ListRequests(_ context.Context, opts request.ListOpts) ([]*request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*request.Request, 0)
	for _, key := range s.requestOrder {
		r := s.requests[key]
		if opts.Matches(r) {
			result = append(result, cloneRequest(r))
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, requestID id.RequestID, t request.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID.String()]
	if !ok {
		return keystone.ErrRequestNotFound
	}
	if r.Status != t.From {
		return keystone.ErrTransitionConflict
	}
	t.Apply(r)
	return nil
}

// ──────────────────────────────────────────────────
// Review Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateReview(_ context.Context, rv *review.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rv.RequestID.String()
	if _, ok := s.requests[key]; !ok {
		return keystone.ErrReferenceNotFound
	}
	for _, existing := range s.reviews[key] {
		if existing.ID.String() == rv.ID.String() {
			return keystone.ErrAlreadyExists
		}
	}
	cp := *rv
	s.reviews[key] = append(s.reviews[key], &cp)
	return nil
}

func (s *Store) ListReviews(_ context.Context, requestID id.RequestID) ([]*review.Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.reviews[requestID.String()]
	result := make([]*review.Review, 0, len(stored))
	for _, rv := range stored {
		cp := *rv
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DecidedAt.Before(result[j].DecidedAt)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Allocation Store implementation
// ──────────────────────────────────────────────────

func (s *Store) CreateAllocations(_ context.Context, allocs []*allocation.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range allocs {
		if _, exists := s.allocations[a.ID.String()]; exists {
			return keystone.ErrAlreadyExists
		}
		if _, ok := s.requests[a.RequestID.String()]; !ok {
			return keystone.ErrReferenceNotFound
		}
		if _, ok := s.clusters[a.ClusterID.String()]; !ok {
			return keystone.ErrReferenceNotFound
		}
	}
	for _, a := range allocs {
		s.allocations[a.ID.String()] = cloneAllocation(a)
		s.allocationOrder = append(s.allocationOrder, a.ID.String())
	}
	return nil
}

func (s *Store) GetAllocation(_ context.Context, allocationID id.AllocationID) (*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.allocations[allocationID.String()]; ok {
		return cloneAllocation(a), nil
	}
	return nil, keystone.ErrAllocationNotFound
}

func (s *Store) ListAllocations(_ context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*allocation.Allocation, 0)
	for _, key := range s.allocationOrder {
		a := s.allocations[key]
		if opts.Matches(a) {
			result = append(result, cloneAllocation(a))
		}
	}
	return result, nil
}

func (s *Store) UpdateAllocation(_ context.Context, a *allocation.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.allocations[a.ID.String()]
	if !ok {
		return keystone.ErrAllocationNotFound
	}
	cp := cloneAllocation(a)
	cp.SyncedRevision = existing.SyncedRevision
	s.allocations[a.ID.String()] = cp
	return nil
}

func (s *Store) MarkAllocationSynced(_ context.Context, allocationID id.AllocationID, revision int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[allocationID.String()]
	if !ok {
		return keystone.ErrAllocationNotFound
	}
	if revision > a.SyncedRevision {
		a.SyncedRevision = revision
		a.UpdatedAt = at.UTC()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Emission Store implementation
// ──────────────────────────────────────────────────

func (s *Store) RecordEmission(_ context.Context, e *event.Emission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emissions[e.Key]; exists {
		return keystone.ErrAlreadyExists
	}
	cp := *e
	s.emissions[e.Key] = &cp
	return nil
}

func (s *Store) DeleteEmission(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.emissions, key)
	return nil
}

func (s *Store) ListEmissions(_ context.Context, requestID id.RequestID) ([]*event.Emission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Emission, 0)
	for _, e := range s.emissions {
		if e.RequestID.String() == requestID.String() {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].EmittedAt.Equal(result[j].EmittedAt) {
			return result[i].Key < result[j].Key
		}
		return result[i].EmittedAt.Before(result[j].EmittedAt)
	})
	return result, nil
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// ──────────────────────────────────────────────────
// Job Store implementation
// ──────────────────────────────────────────────────

func (s *Store) UpsertJobs(_ context.Context, jobs []*job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		cp := cloneJob(j)
		if existing, ok := s.jobs[j.Key()]; ok {
			cp.ID = existing.ID
			cp.CreatedAt = existing.CreatedAt
		}
		s.jobs[j.Key()] = cp
	}
	return nil
}

func (s *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if opts.Matches(j) {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool {
		a, b := submitted(result[i]), submitted(result[k])
		if !a.Equal(b) {
			return a.After(b)
		}
		return result[i].Key() < result[k].Key()
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func submitted(j *job.Job) time.Time {
	if j.Submit == nil {
		return time.Time{}
	}
	return *j.Submit
}

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return keystone.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	start := offset
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit == 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
