package keystone

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/team"
	"github.com/xraph/keystone/types"
)

// ──────────────────────────────────────────────────
// Cluster Management
// ──────────────────────────────────────────────────

// CreateCluster registers a scheduler cluster. Its weights are validated and
// normalized before anything is stored.
func (k *Keystone) CreateCluster(ctx context.Context, c *cluster.Cluster) error {
	if err := validateCluster(c); err != nil {
		return err
	}
	if c.ID.IsNil() {
		c.ID = id.NewClusterID()
	}
	c.Weights = c.Weights.Normalized()
	c.Entity = types.NewEntity(k.now())

	if err := k.store.CreateCluster(ctx, c); err != nil {
		return err
	}

	k.logger.Info("cluster created", "cluster", c.Name, "enabled", c.Enabled)
	return nil
}

// UpdateCluster replaces a cluster's mutable fields.
func (k *Keystone) UpdateCluster(ctx context.Context, c *cluster.Cluster) error {
	if err := validateCluster(c); err != nil {
		return err
	}
	existing, err := k.store.GetCluster(ctx, c.ID)
	if err != nil {
		return err
	}
	c.Weights = c.Weights.Normalized()
	c.CreatedAt = existing.CreatedAt
	c.Touch(k.now())

	return k.store.UpdateCluster(ctx, c)
}

// SetClusterEnabled starts or halts synchronization of a cluster. Disabling
// keeps its allocations and history.
func (k *Keystone) SetClusterEnabled(ctx context.Context, clusterID id.ClusterID, enabled bool) error {
	c, err := k.store.GetCluster(ctx, clusterID)
	if err != nil {
		return err
	}
	if c.Enabled == enabled {
		return nil
	}
	c.Enabled = enabled
	c.Touch(k.now())

	if err := k.store.UpdateCluster(ctx, c); err != nil {
		return err
	}

	k.logger.Info("cluster enablement changed", "cluster", c.Name, "enabled", enabled)
	k.nudge()
	return nil
}

// GetCluster retrieves a cluster by ID.
func (k *Keystone) GetCluster(ctx context.Context, clusterID id.ClusterID) (*cluster.Cluster, error) {
	return k.store.GetCluster(ctx, clusterID)
}

// ListClusters lists clusters.
func (k *Keystone) ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error) {
	return k.store.ListClusters(ctx, opts)
}

func validateCluster(c *cluster.Cluster) error {
	if strings.TrimSpace(c.Name) == "" {
		return ValidationError{Field: "name", Message: "must not be empty"}
	}
	if err := c.Weights.Validate(); err != nil {
		return ValidationError{Field: "weights", Message: err.Error()}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Team Management
// ──────────────────────────────────────────────────

// CreateTeam creates a team with ownerID as its only member. The team name is
// the scheduler account the team's limits are written to.
func (k *Keystone) CreateTeam(ctx context.Context, name, ownerID string) (*team.Team, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, ValidationError{Field: "owner", Message: "must not be empty"}
	}

	t := &team.Team{
		Entity:  types.NewEntity(k.now()),
		ID:      id.NewTeamID(),
		Name:    name,
		Members: []team.Member{{UserID: ownerID, Role: team.RoleOwner}},
	}
	if err := k.store.CreateTeam(ctx, t); err != nil {
		return nil, err
	}

	k.logger.Info("team created", "team", t.Name, "owner", ownerID)
	return t, nil
}

// AddTeamMember adds userID to a team or changes their role. A team has
// exactly one owner.
func (k *Keystone) AddTeamMember(ctx context.Context, teamID id.TeamID, userID string, role team.Role) error {
	if strings.TrimSpace(userID) == "" {
		return ValidationError{Field: "user", Message: "must not be empty"}
	}
	if !role.Valid() {
		return ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", role)}
	}

	t, err := k.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}

	owner := t.Owner()
	switch {
	case role == team.RoleOwner && owner != userID:
		return ErrOwnerExists
	case owner == userID && role != team.RoleOwner:
		return ValidationError{Field: "role", Message: "the owner cannot be demoted"}
	}

	t.SetMember(userID, role)
	t.Touch(k.now())
	return k.store.UpdateTeam(ctx, t)
}

// GetTeam retrieves a team by ID.
func (k *Keystone) GetTeam(ctx context.Context, teamID id.TeamID) (*team.Team, error) {
	return k.store.GetTeam(ctx, teamID)
}

// ──────────────────────────────────────────────────
// Request Workflow
// ──────────────────────────────────────────────────

// SubmitRequest stores a new allocation request in the submitted state. The
// asked amounts become allocations once the request is approved.
func (k *Keystone) SubmitRequest(ctx context.Context, r *request.Request) error {
	if err := k.validateRequest(ctx, r); err != nil {
		return err
	}

	now := k.now()
	if r.ID.IsNil() {
		r.ID = id.NewRequestID()
	}
	r.Entity = types.NewEntity(now)
	r.Status = request.StatusSubmitted
	r.Submitted = now
	r.Reviewed = nil
	r.ClosedAt = nil

	if err := k.store.CreateRequest(ctx, r); err != nil {
		return err
	}

	k.logger.Info("allocation request submitted",
		"request", r.ID.String(),
		"team", r.TeamID.String(),
		"asks", len(r.Asks),
	)
	k.plugins.EmitRequestSubmitted(ctx, r)
	return nil
}

func (k *Keystone) validateRequest(ctx context.Context, r *request.Request) error {
	if strings.TrimSpace(r.Title) == "" {
		return ValidationError{Field: "title", Message: "must not be empty"}
	}
	if r.TeamID.IsNil() {
		return ValidationError{Field: "team", Message: "is required"}
	}
	if len(r.Asks) == 0 {
		return ValidationError{Field: "asks", Message: "at least one cluster must be requested"}
	}
	if r.Active != nil && r.Expire != nil && !r.Active.Before(*r.Expire) {
		return ValidationError{Field: "active", Message: "must be before expire"}
	}

	seen := make(map[string]bool, len(r.Asks))
	for i, a := range r.Asks {
		field := fmt.Sprintf("asks[%d]", i)
		if a.Amount < 0 {
			return ValidationError{Field: field, Message: "amount must not be negative"}
		}
		key := a.ClusterID.String() + "/" + strings.ToLower(a.Resource)
		if seen[key] {
			return ValidationError{Field: field, Message: "duplicate cluster and resource"}
		}
		seen[key] = true
		if _, err := k.store.GetCluster(ctx, a.ClusterID); err != nil {
			if IsNotFound(err) {
				return fmt.Errorf("%s: %w", field, ErrReferenceNotFound)
			}
			return err
		}
	}

	if _, err := k.store.GetTeam(ctx, r.TeamID); err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("team: %w", ErrReferenceNotFound)
		}
		return err
	}
	return nil
}

// AttachReview records a reviewer's decision and moves the request to the
// status its latest review calls for. The review is stored even when it
// leaves the status unchanged, as on an active request.
func (k *Keystone) AttachReview(ctx context.Context, requestID id.RequestID, rv *review.Review) (*request.Request, error) {
	if !rv.Status.Valid() {
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown review status %q", rv.Status)}
	}
	if strings.TrimSpace(rv.ReviewerID) == "" {
		return nil, ValidationError{Field: "reviewer", Message: "must not be empty"}
	}

	defer k.lockRequest(requestID.String())()

	r, err := k.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, TransitionError{RequestID: r.ID.String(), From: string(r.Status), To: string(outcome(rv.Status))}
	}

	now := k.now()
	if rv.ID.IsNil() {
		rv.ID = id.NewReviewID()
	}
	rv.RequestID = r.ID
	rv.Entity = types.NewEntity(now)
	if rv.DecidedAt.IsZero() {
		rv.DecidedAt = now
	}
	if err := k.store.CreateReview(ctx, rv); err != nil {
		return nil, err
	}
	k.plugins.EmitReviewRecorded(ctx, r, rv)

	reviews, err := k.store.ListReviews(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	governing := review.Latest(reviews)

	for _, to := range path(r.Status, outcome(governing.Status)) {
		if to == request.StatusApproved {
			if err := k.materialize(ctx, r); err != nil {
				return nil, err
			}
		}
		if err := k.transition(ctx, r, to); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// outcome maps a review decision to the request status it leads to.
func outcome(s review.Status) request.Status {
	switch s {
	case review.StatusApproved:
		return request.StatusApproved
	case review.StatusDeclined:
		return request.StatusDeclined
	default:
		return request.StatusUnderReview
	}
}

// path returns the transitions that take a request from its current status to
// the one its governing review calls for. Decisions never move a request
// backwards: a changes-requested or approving re-review of an approved request
// keeps it approved, and reviews of an active request change nothing.
func path(from, want request.Status) []request.Status {
	switch from {
	case request.StatusSubmitted:
		if want == request.StatusUnderReview {
			return []request.Status{request.StatusUnderReview}
		}
		return []request.Status{request.StatusUnderReview, want}
	case request.StatusUnderReview:
		if want == request.StatusUnderReview {
			return nil
		}
		return []request.Status{want}
	case request.StatusApproved:
		if want == request.StatusDeclined {
			return []request.Status{request.StatusDeclined}
		}
	}
	return nil
}

// materialize turns the request's asks into allocations, awarding what was
// asked. It is a no-op when the request already has allocations.
func (k *Keystone) materialize(ctx context.Context, r *request.Request) error {
	existing, err := k.store.ListAllocations(ctx, allocation.ListOpts{RequestID: r.ID})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := k.now()
	allocs := make([]*allocation.Allocation, 0, len(r.Asks))
	for _, a := range r.Asks {
		allocs = append(allocs, &allocation.Allocation{
			Entity:    types.NewEntity(now),
			ID:        id.NewAllocationID(),
			RequestID: r.ID,
			ClusterID: a.ClusterID,
			Resource:  a.Resource,
			Requested: a.Amount,
			Awarded:   a.Amount,
			Revision:  1,
		})
	}
	return k.store.CreateAllocations(ctx, allocs)
}

// Revoke closes a request administratively. Its allocations are excluded
// from the next sync, which is started right away.
func (k *Keystone) Revoke(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	defer k.lockRequest(requestID.String())()

	r, err := k.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := k.transition(ctx, r, request.StatusRevoked); err != nil {
		return nil, err
	}
	k.nudge()
	return r, nil
}

// GetRequest retrieves a request by ID.
func (k *Keystone) GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error) {
	return k.store.GetRequest(ctx, requestID)
}

// ListRequests lists requests.
func (k *Keystone) ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error) {
	return k.store.ListRequests(ctx, opts)
}

// ListReviews returns a request's reviews, oldest decision first.
func (k *Keystone) ListReviews(ctx context.Context, requestID id.RequestID) ([]*review.Review, error) {
	return k.store.ListReviews(ctx, requestID)
}

// transition moves r to status to through a compare-and-swap on the store.
// r is updated in place only once the change is durable.
func (k *Keystone) transition(ctx context.Context, r *request.Request, to request.Status) error {
	from := r.Status
	if !request.CanTransition(from, to) {
		return TransitionError{RequestID: r.ID.String(), From: string(from), To: string(to)}
	}

	t := request.Transition{From: from, To: to, At: k.now()}
	if err := k.store.UpdateRequestStatus(ctx, r.ID, t); err != nil {
		return err
	}
	t.Apply(r)

	k.logger.Info("request status changed",
		"request", r.ID.String(),
		"from", string(from),
		"to", string(to),
	)
	k.plugins.EmitStatusChanged(ctx, r, from)
	return nil
}

// ──────────────────────────────────────────────────
// Awards
// ──────────────────────────────────────────────────

// ListAllocations lists allocations.
func (k *Keystone) ListAllocations(ctx context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error) {
	return k.store.ListAllocations(ctx, opts)
}

// GetAllocation retrieves an allocation by ID.
func (k *Keystone) GetAllocation(ctx context.Context, allocationID id.AllocationID) (*allocation.Allocation, error) {
	return k.store.GetAllocation(ctx, allocationID)
}

// SetAward changes the awarded amount of an allocation that has not yet been
// written to its cluster. Once synchronized, use ReviseAward.
func (k *Keystone) SetAward(ctx context.Context, allocationID id.AllocationID, awarded int64) (*allocation.Allocation, error) {
	return k.updateAward(ctx, allocationID, true, func(a *allocation.Allocation) error {
		if a.Published() {
			return ErrAwardLocked
		}
		if err := checkAward(a, awarded); err != nil {
			return err
		}
		a.Awarded = awarded
		return nil
	})
}

// ReviseAward changes the awarded amount of an allocation, synchronized or
// not. The new revision is pushed on the next sync, which is started right away.
func (k *Keystone) ReviseAward(ctx context.Context, allocationID id.AllocationID, awarded int64) (*allocation.Allocation, error) {
	a, err := k.updateAward(ctx, allocationID, true, func(a *allocation.Allocation) error {
		if err := checkAward(a, awarded); err != nil {
			return err
		}
		a.Awarded = awarded
		return nil
	})
	if err != nil {
		return nil, err
	}
	k.nudge()
	return a, nil
}

// SetCeiling caps the award of an allocation. Zero removes the cap. The award
// itself is untouched, so no new revision is started.
func (k *Keystone) SetCeiling(ctx context.Context, allocationID id.AllocationID, ceiling int64) (*allocation.Allocation, error) {
	if ceiling < 0 {
		return nil, ValidationError{Field: "ceiling", Message: "must not be negative"}
	}
	return k.updateAward(ctx, allocationID, false, func(a *allocation.Allocation) error {
		if ceiling > 0 && a.Awarded > ceiling {
			return ValidationError{Field: "ceiling", Message: fmt.Sprintf("below awarded amount %d", a.Awarded)}
		}
		a.Ceiling = ceiling
		return nil
	})
}

// updateAward applies change to an open allocation under its request's lock.
// Changes to the awarded amount start a new revision.
func (k *Keystone) updateAward(ctx context.Context, allocationID id.AllocationID, revise bool, change func(*allocation.Allocation) error) (*allocation.Allocation, error) {
	a, err := k.store.GetAllocation(ctx, allocationID)
	if err != nil {
		return nil, err
	}

	defer k.lockRequest(a.RequestID.String())()

	// Re-read under the lock.
	if a, err = k.store.GetAllocation(ctx, allocationID); err != nil {
		return nil, err
	}
	r, err := k.store.GetRequest(ctx, a.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() || a.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRequestClosed, r.ID, r.Status)
	}

	if err := change(a); err != nil {
		return nil, err
	}
	if revise {
		a.Revision++
	}
	a.Touch(k.now())

	if err := k.store.UpdateAllocation(ctx, a); err != nil {
		return nil, err
	}

	if !revise {
		k.logger.Info("allocation ceiling changed",
			"allocation", a.ID.String(),
			"request", r.ID.String(),
			"ceiling", a.Ceiling,
		)
		return a, nil
	}

	k.logger.Info("allocation award changed",
		"allocation", a.ID.String(),
		"request", r.ID.String(),
		"awarded", a.Awarded,
		"revision", a.Revision,
	)
	k.plugins.EmitAllocationAwarded(ctx, a)
	return a, nil
}

func checkAward(a *allocation.Allocation, awarded int64) error {
	if awarded < 0 {
		return ValidationError{Field: "awarded", Message: "must not be negative"}
	}
	if a.HasCeiling() && awarded > a.Ceiling {
		return ValidationError{Field: "awarded", Message: fmt.Sprintf("exceeds ceiling %d", a.Ceiling)}
	}
	return nil
}

// isConflict reports whether err is a lost compare-and-swap.
func isConflict(err error) bool {
	return errors.Is(err, ErrTransitionConflict)
}
