package peer

import "context"

// Repository defines peer persistence. Get returns (nil, nil) when no
// record exists for the origin.
type Repository interface {
	Get(ctx context.Context, originID uint32) (*Peer, error)
	Upsert(ctx context.Context, p *Peer) error
	List(ctx context.Context) ([]*Peer, error)
	Delete(ctx context.Context, originID uint32) error
}
