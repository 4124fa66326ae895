// Package operation is the status ledger for bulk operations: one record
// per submitted operation, advanced chunk by chunk by the engine and
// queryable by everyone else.
package operation

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a bulk operation does to its target items.
type Kind string

const (
	KindThemeUpdate    Kind = "theme_update"
	KindTierPromotion  Kind = "tier_promotion"
	KindMassMint       Kind = "mass_mint"
	KindMetadataUpdate Kind = "metadata_update"
	KindBurn           Kind = "burn"
	KindTransfer       Kind = "transfer"
)

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindThemeUpdate, KindTierPromotion, KindMassMint, KindMetadataUpdate, KindBurn, KindTransfer:
		return true
	}
	return false
}

// State is the lifecycle position of an operation.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StatePaused     State = "PAUSED"
)

var (
	ErrInvalidTransition  = errors.New("invalid operation state transition")
	ErrUnknownKind        = errors.New("unknown operation kind")
	ErrOperationNotFound  = errors.New("operation not found")
	ErrDuplicateOperation = errors.New("operation id already used")
	ErrStaleProgress      = errors.New("operation progress was advanced concurrently")
)

// Operation tracks one bulk mutation across its chunked lifetime.
type Operation struct {
	ID             int64           `json:"id"`
	OperationID    string          `json:"operationId"` // caller-chosen idempotency key
	Kind           Kind            `json:"kind"`
	State          State           `json:"state"`
	Request        json.RawMessage `json:"request"` // immutable submitted request
	ItemsProcessed uint64          `json:"itemsProcessed"`
	ItemsTotal     uint64          `json:"itemsTotal"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	ErrorMessage   *string         `json:"errorMessage,omitempty"`
	TraceID        string          `json:"traceId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// New creates a pending operation. The operationID is the caller's
// idempotency key; an empty one gets a generated UUID.
func New(operationID string, kind Kind, request json.RawMessage, itemsTotal uint64) (*Operation, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	if operationID == "" {
		operationID = uuid.New().String()
	}
	now := time.Now().UTC()
	return &Operation{
		OperationID: operationID,
		Kind:        kind,
		State:       StatePending,
		Request:     request,
		ItemsTotal:  itemsTotal,
		StartedAt:   now,
		TraceID:     uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CanTransitionTo validates an operation state transition.
func (o *Operation) CanTransitionTo(target State) bool {
	transitions := map[State][]State{
		StatePending:    {StateInProgress, StateFailed},
		StateInProgress: {StateCompleted, StateFailed, StatePaused},
		StatePaused:     {StateInProgress, StateFailed},
		StateCompleted:  {},
		StateFailed:     {},
	}
	for _, s := range transitions[o.State] {
		if s == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the operation can never change again.
func (o *Operation) Terminal() bool {
	return o.State == StateCompleted || o.State == StateFailed
}

// Start moves the operation into InProgress.
func (o *Operation) Start() error {
	if !o.CanTransitionTo(StateInProgress) {
		return ErrInvalidTransition
	}
	o.State = StateInProgress
	o.touch()
	return nil
}

// Complete marks the operation done and stamps CompletedAt.
func (o *Operation) Complete(now time.Time) error {
	if !o.CanTransitionTo(StateCompleted) {
		return ErrInvalidTransition
	}
	o.State = StateCompleted
	completed := now.UTC()
	o.CompletedAt = &completed
	o.touch()
	return nil
}

// Fail records the chunk error that stopped the operation. Chunks
// committed before the failure stay committed.
func (o *Operation) Fail(now time.Time, message string) error {
	if !o.CanTransitionTo(StateFailed) {
		return ErrInvalidTransition
	}
	o.State = StateFailed
	completed := now.UTC()
	o.CompletedAt = &completed
	o.ErrorMessage = &message
	o.touch()
	return nil
}

// Pause suspends advancement between chunks. Cooperative only: a chunk
// in flight finishes before the pause is observed.
func (o *Operation) Pause() error {
	if !o.CanTransitionTo(StatePaused) {
		return ErrInvalidTransition
	}
	o.State = StatePaused
	o.touch()
	return nil
}

// Resume puts a paused operation back in progress.
func (o *Operation) Resume() error {
	if o.State != StatePaused {
		return ErrInvalidTransition
	}
	o.State = StateInProgress
	o.touch()
	return nil
}

// RecordChunk adds a committed chunk's items to the progress counter.
func (o *Operation) RecordChunk(count uint64) {
	o.ItemsProcessed += count
	o.touch()
}

// Progress is the processed fraction in [0,1]; 0 when nothing to do yet.
func (o *Operation) Progress() float64 {
	if o.ItemsTotal == 0 {
		return 0.0
	}
	return float64(o.ItemsProcessed) / float64(o.ItemsTotal)
}

// EstimatedRemaining extrapolates the time left from current throughput.
// Nil before the first chunk lands and on terminal operations.
func (o *Operation) EstimatedRemaining(now time.Time) *time.Duration {
	if o.ItemsProcessed == 0 || o.Terminal() {
		return nil
	}
	elapsed := now.Sub(o.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	rate := float64(o.ItemsProcessed) / elapsed.Seconds()
	remaining := float64(o.ItemsTotal-o.ItemsProcessed) / rate
	d := time.Duration(remaining * float64(time.Second))
	return &d
}

func (o *Operation) touch() {
	o.UpdatedAt = time.Now().UTC()
}
