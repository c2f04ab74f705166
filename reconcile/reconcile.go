// Package reconcile pushes awarded allocations to cluster schedulers.
//
// For every enabled cluster the engine computes, per team, the sum of the
// awards of the team's active allocations on that cluster, expressed in
// billing units. It reads the limit the scheduler currently enforces and only
// writes when the two differ, re-reading afterwards to confirm. The outcome of
// each attempt is kept as an in-memory SyncRecord.
//
// Clusters are synchronized in parallel by a bounded worker pool. A cluster
// whose scheduler cannot be reached is marked degraded and skipped with
// exponential backoff, without holding up the others.
package reconcile

import (
	"context"
	"time"

	"github.com/xraph/keystone/allocation"
	"github.com/xraph/keystone/cluster"
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/request"
	"github.com/xraph/keystone/team"
)

// Source is the read-only view of the ledger the engine works from.
type Source interface {
	ListClusters(ctx context.Context, opts cluster.ListOpts) ([]*cluster.Cluster, error)
	ListTeams(ctx context.Context) ([]*team.Team, error)
	ListRequests(ctx context.Context, opts request.ListOpts) ([]*request.Request, error)
	ListAllocations(ctx context.Context, opts allocation.ListOpts) ([]*allocation.Allocation, error)
}

// Observer is notified of sync outcomes. plugin.Registry satisfies it.
type Observer interface {
	EmitSyncCompleted(ctx context.Context, report *ClusterReport)
	EmitClusterDegraded(ctx context.Context, report *ClusterReport)
	EmitClusterRecovered(ctx context.Context, report *ClusterReport)
	EmitDriftDetected(ctx context.Context, rec *SyncRecord)
	EmitUsageExceeded(ctx context.Context, rec *SyncRecord)
}

// NopObserver discards all notifications.
type NopObserver struct{}

func (NopObserver) EmitSyncCompleted(context.Context, *ClusterReport)    {}
func (NopObserver) EmitClusterDegraded(context.Context, *ClusterReport)  {}
func (NopObserver) EmitClusterRecovered(context.Context, *ClusterReport) {}
func (NopObserver) EmitDriftDetected(context.Context, *SyncRecord)       {}
func (NopObserver) EmitUsageExceeded(context.Context, *SyncRecord)       {}

// AllocationRef identifies the allocation revision a target was built from.
type AllocationRef struct {
	ID       id.AllocationID `json:"id"`
	Revision int             `json:"revision"`
}

// SyncRecord is the latest sync attempt for one team on one cluster.
type SyncRecord struct {
	ID          id.SyncID    `json:"id"`
	ClusterID   id.ClusterID `json:"cluster_id"`
	ClusterName string       `json:"cluster_name"`
	TeamID      id.TeamID    `json:"team_id"`
	Account     string       `json:"account"`
	AttemptedAt time.Time    `json:"attempted_at"`
	// Target is the limit computed from the ledger.
	Target int64 `json:"target"`
	// Observed is the limit the scheduler reported last, after any write.
	Observed int64 `json:"observed"`
	// Applied is set when a write was issued.
	Applied bool `json:"applied"`
	// Drift is set when the scheduler still disagrees after a write.
	Drift         bool            `json:"drift"`
	BillableUsage *float64        `json:"billable_usage,omitempty"`
	UsageExceeded bool            `json:"usage_exceeded"`
	Allocations   []AllocationRef `json:"allocations,omitempty"`
	Err           error           `json:"-"`
}

// Confirmed reports whether the scheduler was seen enforcing the target.
func (r *SyncRecord) Confirmed() bool {
	return r.Err == nil && r.Observed == r.Target
}

// ClusterReport is the outcome of synchronizing one cluster in one cycle.
type ClusterReport struct {
	ClusterID   id.ClusterID  `json:"cluster_id"`
	ClusterName string        `json:"cluster_name"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Records     []*SyncRecord `json:"records"`
	// Unmanaged lists scheduler accounts with no matching team.
	Unmanaged []string `json:"unmanaged,omitempty"`
	// Skipped is set when the cluster was still backing off.
	Skipped bool `json:"skipped"`
	// Abandoned is set when the cycle deadline passed before the cluster
	// finished. It is resumed next cycle.
	Abandoned bool      `json:"abandoned"`
	Degraded  bool      `json:"degraded"`
	Failures  int       `json:"failures"`
	RetryAt   time.Time `json:"retry_at,omitzero"`
	Err       error     `json:"-"`
}

// Applied counts the records for which a write was issued.
func (r *ClusterReport) Applied() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Applied {
			n++
		}
	}
	return n
}

// Record returns the record for the named account.
func (r *ClusterReport) Record(account string) *SyncRecord {
	for _, rec := range r.Records {
		if rec.Account == account {
			return rec
		}
	}
	return nil
}

// CycleReport is the outcome of one Sync call.
type CycleReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Clusters   []*ClusterReport `json:"clusters"`
}

// Cluster returns the report for the named cluster.
func (r *CycleReport) Cluster(name string) *ClusterReport {
	for _, c := range r.Clusters {
		if c.ClusterName == name {
			return c
		}
	}
	return nil
}

// Health describes a degraded cluster.
type Health struct {
	ClusterID   id.ClusterID
	ClusterName string
	Failures    int
	RetryAt     time.Time
	LastErr     error
}
