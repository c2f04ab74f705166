// Package review defines reviewer decisions on allocation requests.
package review

import (
	"time"

	"github.com/xraph/keystone/id"
	"github.com/xraph/keystone/types"
)

// Status is a reviewer's decision.
type Status string

const (
	StatusApproved         Status = "approved"
	StatusDeclined         Status = "declined"
	StatusChangesRequested Status = "changes_requested"
)

// Valid reports whether s is a known decision.
func (s Status) Valid() bool {
	switch s {
	case StatusApproved, StatusDeclined, StatusChangesRequested:
		return true
	}
	return false
}

// Review is one reviewer decision. A request may collect many; the most
// recent one governs the request's status.
type Review struct {
	types.Entity
	ID              id.ReviewID  `json:"id"`
	RequestID       id.RequestID `json:"request_id"`
	ReviewerID      string       `json:"reviewer_id"`
	Status          Status       `json:"status"`
	PublicComments  string       `json:"public_comments,omitempty"`
	PrivateComments string       `json:"private_comments,omitempty"`
	DecidedAt       time.Time    `json:"decided_at"`
}

// Latest returns the most recent review in reviews, ordered by DecidedAt with
// later entries in the slice winning ties. It returns nil for an empty slice.
func Latest(reviews []*Review) *Review {
	var latest *Review
	for _, r := range reviews {
		if latest == nil || !r.DecidedAt.Before(latest.DecidedAt) {
			latest = r
		}
	}
	return latest
}
