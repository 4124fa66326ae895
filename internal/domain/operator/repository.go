package operator

import (
	"context"

	"github.com/google/uuid"
)

// Filter controls operator listing.
type Filter struct {
	Role     *Role
	Status   *Status
	Username *string
}

// Repository defines persistence for operators.
type Repository interface {
	Create(ctx context.Context, op *Operator) error
	Update(ctx context.Context, op *Operator) error
	GetByID(ctx context.Context, operatorID uuid.UUID) (*Operator, error)
	GetByUsername(ctx context.Context, username string) (*Operator, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Operator, error)
	Count(ctx context.Context) (int, error)
}
