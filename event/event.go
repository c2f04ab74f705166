// Package event defines the structured lifecycle events produced when
// allocations approach expiration, expire, or are revoked. Rendering them into
// notifications is left to subscribers.
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/keystone/id"
)

// Type names a lifecycle event.
type Type string

const (
	TypeApproachingExpiration Type = "approaching-expiration"
	TypeExpired               Type = "expired"
	TypeRevoked               Type = "revoked"
)

// AllocationSummary describes one allocation of the request an event concerns.
type AllocationSummary struct {
	AllocationID id.AllocationID `json:"allocation_id"`
	ClusterID    id.ClusterID    `json:"cluster_id"`
	ClusterName  string          `json:"cluster_name"`
	Resource     string          `json:"resource,omitempty"`
	Awarded      int64           `json:"awarded"`
	Final        *int64          `json:"final,omitempty"`
}

// Event is a lifecycle notification for one request.
type Event struct {
	ID          id.EventID          `json:"id"`
	Type        Type                `json:"type"`
	RequestID   id.RequestID        `json:"request_id"`
	TeamID      id.TeamID           `json:"team_id"`
	TeamName    string              `json:"team_name"`
	Title       string              `json:"title"`
	Allocations []AllocationSummary `json:"allocations"`
	Expire      *time.Time          `json:"expire,omitempty"`
	// DaysRemaining and Threshold are only set for approaching-expiration.
	DaysRemaining int       `json:"days_remaining,omitempty"`
	Threshold     int       `json:"threshold,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Emission is the durable record that an event was delivered. Its Key is
// unique per (request, type, threshold), which makes delivery at most once.
type Emission struct {
	Key       string       `json:"key"`
	EventID   id.EventID   `json:"event_id"`
	RequestID id.RequestID `json:"request_id"`
	Type      Type         `json:"type"`
	Threshold int          `json:"threshold"`
	EmittedAt time.Time    `json:"emitted_at"`
}

// EmissionKey builds the de-duplication key for an event.
func EmissionKey(requestID id.RequestID, typ Type, threshold int) string {
	return fmt.Sprintf("%s:%s:%d", requestID, typ, threshold)
}

// NewEmission returns the emission record for e.
func NewEmission(e *Event) *Emission {
	return &Emission{
		Key:       EmissionKey(e.RequestID, e.Type, e.Threshold),
		EventID:   e.ID,
		RequestID: e.RequestID,
		Type:      e.Type,
		Threshold: e.Threshold,
		EmittedAt: e.OccurredAt,
	}
}

// Sink receives lifecycle events.
type Sink interface {
	Deliver(ctx context.Context, e *Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e *Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, e *Event) error {
	return f(ctx, e)
}
