// Package store defines the persistence contract for Keystone's ledger of
// clusters, teams, requests, reviews and allocations.
package store

import (
	"context"
	"time"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/event"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/job"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/review"
	"github.com/xraph/keystone/team"
)

// Store is the unified storage interface for all Keystone entities.
// Methods are declared explicitly rather than through per-entity interfaces
// so that Create/Get style names cannot collide.
//
// Implementations must check references at the boundary: a request must name
// an existing team, a review an existing request, and an allocation an
// existing request and cluster. Violations return keystone.ErrReferenceNotFound.
type Store interface {
	// Cluster methods
	CreateCluster(ctx context.Context, c *cluster.Cluster) error
	GetCluster(ctx context.Context, clusterID id.ClusterID) (*cluster.Cluster, error)
	GetClusterByName(ctx context.Context, name string) (*cluster.Cluster, error)
	ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error)
	UpdateCluster(ctx context.Context, c *cluster.Cluster) error

	// Team methods
	CreateTeam(ctx context.Context, t *team.Team) error
	GetTeam(ctx context.Context, teamID id.TeamID) (*team.Team, error)
	GetTeamByName(ctx context.Context, name string) (*team.Team, error)
	ListTeams(ctx context.Context) ([]*team.Team, error)
	UpdateTeam(ctx context.Context, t *team.Team) error

	// Request methods
	CreateRequest(ctx context.Context, r *request.Request) error
	GetRequest(ctx context.Context, requestID id.RequestID) (*request.Request, error)
	ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error)
	// UpdateRequestStatus moves a request from one status to another only if
	// it is still in from. A request no longer in from yields
	// keystone.ErrTransitionConflict.
	UpdateRequestStatus(ctx context.Context, requestID id.RequestID, t request.Transition) error

	// Review methods
	CreateReview(ctx context.Context, r *review.Review) error
	ListReviews(ctx context.Context, requestID id.RequestID) ([]*review.Review, error)

	// Allocation methods
	CreateAllocations(ctx context.Context, allocs []*allocation.Allocation) error
	GetAllocation(ctx context.Context, allocationID id.AllocationID) (*allocation.Allocation, error)
	ListAllocations(ctx context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error)
	// UpdateAllocation writes award fields and Final. SyncedRevision is
	// owned by MarkAllocationSynced and left untouched.
	UpdateAllocation(ctx context.Context, a *allocation.Allocation) error
	// MarkAllocationSynced records that revision has been confirmed on the
	// scheduler. It never lowers SyncedRevision.
	MarkAllocationSynced(ctx context.Context, allocationID id.AllocationID, revision int, at time.Time) error

	// Emission methods
	// RecordEmission stores the emission record, returning
	// keystone.ErrAlreadyExists if its key was recorded before.
	RecordEmission(ctx context.Context, e *event.Emission) error
	// DeleteEmission releases a recorded emission so that it can be
	// recorded again. Deleting a missing key is not an error.
	DeleteEmission(ctx context.Context, key string) error
	ListEmissions(ctx context.Context, requestID id.RequestID) ([]*event.Emission, error)

	// Job methods
	// UpsertJobs inserts jobs or updates them by cluster and scheduler job
	// ID. Updated records keep their stored ID and CreatedAt.
	UpsertJobs(ctx context.Context, jobs []*job.Job) error
	// ListJobs returns jobs by submit time, newest first.
	ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
