package msglog

import "context"

// Repository persists accepted-message records. Records are normally
// written inside the controller commit transaction, so there is no
// standalone Create here.
type Repository interface {
	// Latest returns the newest record for an origin, or nil when the
	// origin has no history yet.
	Latest(ctx context.Context, originID uint32) (*Record, error)
	// ListByOrigin returns records in ascending sequence order.
	ListByOrigin(ctx context.Context, originID uint32, limit int) ([]*Record, error)
	GetByGUID(ctx context.Context, guid string) (*Record, error)
}
