// Package request defines allocation requests and the status machine they move
// through.
//
//	submitted ─► under_review ─► approved ─► active ─► expired
//	     │             │            │          │
//	     │             ▼            ▼          ▼
//	     │          declined     declined    revoked
//	     └──────────────┴───────────┴──────► revoked
//
// Declined, expired and revoked are terminal.
package request

import (
	"math"
	"time"

	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// Ask is the amount a request seeks on one cluster. Asks become allocations
// when the request is approved.
type Ask struct {
	ClusterID id.ClusterID `json:"cluster_id"`
	Resource  string       `json:"resource,omitempty"`
	Amount    int64        `json:"amount"`
}

type Request struct {
	types.Entity
	ID          id.RequestID      `json:"id"`
	TeamID      id.TeamID         `json:"team_id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      Status            `json:"status"`
	Asks        []Ask             `json:"asks"`
	Assignees   []string          `json:"assignees,omitempty"`
	Submitted   time.Time         `json:"submitted"`
	Reviewed    *time.Time        `json:"reviewed,omitempty"`
	Active      *time.Time        `json:"active,omitempty"`
	Expire      *time.Time        `json:"expire,omitempty"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DueForActivation reports whether an approved request should become active.
// A request with no Active date activates as soon as it is approved.
func (r *Request) DueForActivation(now time.Time) bool {
	if r.Status != StatusApproved {
		return false
	}
	return r.Active == nil || !now.Before(*r.Active)
}

// DueForExpiration reports whether an active request has reached its Expire date.
func (r *Request) DueForExpiration(now time.Time) bool {
	if r.Status != StatusActive || r.Expire == nil {
		return false
	}
	return !now.Before(*r.Expire)
}

// DaysUntilExpire returns the whole days remaining before Expire, rounded up.
// It returns -1 when the request has no Expire date.
func (r *Request) DaysUntilExpire(now time.Time) int {
	if r.Expire == nil {
		return -1
	}
	remaining := r.Expire.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// ListOpts filters request listings.
type ListOpts struct {
	Statuses    []Status
	TeamID      id.TeamID
	ClosedAfter time.Time
	Limit       int
	Offset      int
}

// Matches reports whether r satisfies the filter, ignoring paging.
func (o ListOpts) Matches(r *Request) bool {
	if len(o.Statuses) > 0 {
		found := false
		for _, s := range o.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !o.TeamID.IsNil() && r.TeamID.String() != o.TeamID.String() {
		return false
	}
	if !o.ClosedAfter.IsZero() && (r.ClosedAt == nil || r.ClosedAt.Before(o.ClosedAfter)) {
		return false
	}
	return true
}
