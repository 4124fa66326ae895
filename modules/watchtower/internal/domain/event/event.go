// Package event models the delivery-outcome stream the hub exports.
// The watchtower consumes these as JSON and keeps a bounded history so
// windowed rules can count over it.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two exported streams.
type Kind string

const (
	// KindDelivery reports one message's terminal pipeline stage.
	KindDelivery Kind = "DELIVERY"
	// KindCapacity reports a collection utilization snapshot.
	KindCapacity Kind = "CAPACITY"
)

// Event is one observation from the hub.
type Event struct {
	ID          int64           `json:"id"`
	EventID     uuid.UUID       `json:"eventId"`
	Kind        Kind            `json:"kind"`
	OriginID    uint32          `json:"originId"`
	GUID        string          `json:"guid,omitempty"`
	Committed   bool            `json:"committed"`
	Stage       string          `json:"stage,omitempty"`  // terminal stage for rejections
	Reason      string          `json:"reason,omitempty"` // rejection reason
	Nonce       uint64          `json:"nonce,omitempty"`  // committed nonce
	Command     string          `json:"command,omitempty"`
	Utilization float64         `json:"utilization,omitempty"` // percent, capacity events
	Payload     json.RawMessage `json:"payload,omitempty"`
	ObservedAt  time.Time       `json:"observedAt"`
}

// Validate checks the fields rule evaluation depends on.
func (e *Event) Validate() error {
	if e.EventID == uuid.Nil {
		return errors.New("eventId is required")
	}
	switch e.Kind {
	case KindDelivery, KindCapacity:
	default:
		return errors.New("invalid kind")
	}
	if e.ObservedAt.IsZero() {
		return errors.New("observedAt is required")
	}
	if e.Kind == KindDelivery && !e.Committed && e.Reason == "" {
		return errors.New("rejections must carry a reason")
	}
	return nil
}

// Repository stores observed events and answers the windowed queries
// rules evaluate against.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	// LastCommitted returns the most recent committed delivery for an
	// origin, or nil when none has been seen.
	LastCommitted(ctx context.Context, originID uint32) (*Event, error)
	// CountRejectedSince counts rejected deliveries for an origin at or
	// after the cutoff.
	CountRejectedSince(ctx context.Context, originID uint32, since time.Time) (int, error)
	// RejectedSince returns the rejected deliveries counted by
	// CountRejectedSince, ascending, capped at limit.
	RejectedSince(ctx context.Context, originID uint32, since time.Time, limit int) ([]*Event, error)
	// DeleteBefore prunes history older than the cutoff and reports how
	// many rows were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
