package request

import "time"

// Status is the lifecycle position of a request.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusDeclined    Status = "declined"
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusRevoked     Status = "revoked"
)

var rank = map[Status]int{
	StatusSubmitted:   1,
	StatusUnderReview: 2,
	StatusApproved:    3,
	StatusDeclined:    4,
	StatusActive:      5,
	StatusExpired:     6,
	StatusRevoked:     6,
}

var edges = map[Status][]Status{
	StatusSubmitted:   {StatusUnderReview, StatusRevoked},
	StatusUnderReview: {StatusApproved, StatusDeclined, StatusRevoked},
	StatusApproved:    {StatusDeclined, StatusActive, StatusRevoked},
	StatusActive:      {StatusExpired, StatusRevoked},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank orders statuses along the lifecycle. Every permitted transition moves
// to a strictly higher rank.
func (s Status) Rank() int {
	return rank[s]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(edges[s]) == 0
}

// Enforced reports whether allocations of a request in s count toward the
// limits pushed to schedulers.
func (s Status) Enforced() bool {
	return s == StatusActive
}

// CanTransition reports whether from → to is a permitted edge.
func CanTransition(from, to Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is a single status change applied at a point in time.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// Apply writes the transition onto r, stamping the decision or closure time.
func (t Transition) Apply(r *Request) {
	at := t.At.UTC()
	r.Status = t.To
	r.UpdatedAt = at
	switch t.To {
	case StatusApproved, StatusDeclined:
		r.Reviewed = &at
	case StatusExpired, StatusRevoked:
		r.ClosedAt = &at
	}
}
