package operation

import "context"

//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=mocks/repository_mock.go -package=mocks

// ChunkCommit is everything one committed chunk changes, persisted in a
// single transaction by the store.
type ChunkCommit struct {
	// ExpectedProcessed is the progress the engine read before running
	// the chunk; the store refuses the commit when the row has moved.
	ExpectedProcessed uint64
	Operation         *Operation
	Checkpoint        *Checkpoint
	// MintIncrement is non-zero for mass-mint chunks; the store applies
	// it to the collection manager inside the same transaction.
	MintIncrement uint64
}

// Repository persists operations and their checkpoints.
type Repository interface {
	// Get returns an operation by its caller-chosen id, or nil.
	Get(ctx context.Context, operationID string) (*Operation, error)
	Create(ctx context.Context, op *Operation) error
	// Update persists state-only changes (start, pause, resume, fail).
	Update(ctx context.Context, op *Operation) error
	// CommitChunk atomically records chunk progress, its checkpoint,
	// and any mint increment. ErrStaleProgress reports a lost race.
	CommitChunk(ctx context.Context, commit ChunkCommit) error
	// ListRunnable returns operations the background runner may advance.
	ListRunnable(ctx context.Context, limit int) ([]*Operation, error)
	List(ctx context.Context, limit, offset int) ([]*Operation, error)
	Checkpoints(ctx context.Context, operationID string) ([]*Checkpoint, error)
}
