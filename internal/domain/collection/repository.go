package collection

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists collection managers.
type Repository interface {
	// Get returns a manager by id, or nil when absent.
	Get(ctx context.Context, id uuid.UUID) (*Manager, error)
	// GetPrimary returns the deployment's managed collection, or nil
	// before provisioning.
	GetPrimary(ctx context.Context) (*Manager, error)
	Create(ctx context.Context, manager *Manager) error
	Update(ctx context.Context, manager *Manager) error
	// IncrementMinted adds count to the minted total if and only if the
	// stored total still equals expected, returning the updated manager.
	// ErrStaleManager reports a lost race.
	IncrementMinted(ctx context.Context, id uuid.UUID, expected, count uint64) (*Manager, error)
}
