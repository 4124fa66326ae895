package controller

import (
	"context"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/msglog"
)

// Commit carries everything one accepted message changes, applied in a
// single transaction: the new controller state, guarded by the cursor
// value the dispatcher read, the message-log record for the chain, and
// the staged collection manager when the command touched it.
type Commit struct {
	// ExpectedCursor is the replay cursor observed before execution.
	// The store must refuse the commit if the persisted cursor no
	// longer matches, so two deliveries cannot both win.
	ExpectedCursor uint64
	State          *State
	Record         *msglog.Record
	// Manager is the staged collection manager, nil for commands that
	// leave it alone. It lands in the same transaction as the cursor,
	// so a lost cursor race persists nothing.
	Manager *collection.Manager
}

// Repository persists the singleton controller state.
type Repository interface {
	// Get returns the controller state, or nil when not yet initialized.
	Get(ctx context.Context) (*State, error)
	// Init creates the state exactly once; ErrAlreadyExists afterwards.
	Init(ctx context.Context, state *State) error
	// Commit atomically stores the mutated state and appends the message
	// record. Returns ErrStaleState when ExpectedCursor lost the race.
	Commit(ctx context.Context, commit Commit) error
	// UpdateAdmin persists administrative changes that happen outside
	// the message path (pause, authority transfer by the operator API).
	UpdateAdmin(ctx context.Context, state *State) error
}
