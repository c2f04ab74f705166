// Package allocation defines per-cluster grants tied to an approved request.
package allocation

import (
	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// Allocation is the share of one request granted on one cluster.
//
// Awarded is the amount enforced once the request is active. When Resource is
// set the amounts are denominated in that tracked resource and scaled by the
// cluster's billing weight; otherwise they are already in billing units.
//
// Revision counts award changes. SyncedRevision is the revision last confirmed
// on the cluster's scheduler; once it catches up the award can only change
// through an explicit revision.
type Allocation struct {
	types.Entity
	ID             id.AllocationID `json:"id"`
	RequestID      id.RequestID    `json:"request_id"`
	ClusterID      id.ClusterID    `json:"cluster_id"`
	Resource       string          `json:"resource,omitempty"`
	Requested      int64           `json:"requested"`
	Awarded        int64           `json:"awarded"`
	Ceiling        int64           `json:"ceiling,omitempty"`
	Final          *int64          `json:"final,omitempty"`
	Revision       int             `json:"revision"`
	SyncedRevision int             `json:"synced_revision"`
}

// Synced reports whether the current award has been confirmed on the cluster.
func (a *Allocation) Synced() bool {
	return a.SyncedRevision > 0 && a.SyncedRevision >= a.Revision
}

// Published reports whether any revision of the award has reached the
// cluster. A published award only changes through an explicit revision.
func (a *Allocation) Published() bool {
	return a.SyncedRevision > 0
}

// HasCeiling reports whether an administrator capped the award.
func (a *Allocation) HasCeiling() bool {
	return a.Ceiling > 0
}

// Closed reports whether the allocation has been closed out with a final usage.
func (a *Allocation) Closed() bool {
	return a.Final != nil
}

// ListOpts filters allocation listings. Zero-valued fields match everything.
type ListOpts struct {
	RequestID id.RequestID
	ClusterID id.ClusterID
}

// Matches reports whether a satisfies the filter.
func (o ListOpts) Matches(a *Allocation) bool {
	if !o.RequestID.IsNil() && a.RequestID.String() != o.RequestID.String() {
		return false
	}
	if !o.ClusterID.IsNil() && a.ClusterID.String() != o.ClusterID.String() {
		return false
	}
	return true
}
