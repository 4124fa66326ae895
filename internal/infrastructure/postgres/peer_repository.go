package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/peer"
)

// PeerRepository implements peer.Repository.
type PeerRepository struct {
	pool *pgxpool.Pool
}

func NewPeerRepository(pool *pgxpool.Pool) *PeerRepository {
	return &PeerRepository{pool: pool}
}

func (r *PeerRepository) Get(ctx context.Context, originID uint32) (*peer.Peer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT origin_id, address, trusted, created_at, updated_at
		FROM peers WHERE origin_id=$1
	`, int64(originID))
	return scanPeer(row)
}

func (r *PeerRepository) Upsert(ctx context.Context, p *peer.Peer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO peers (origin_id, address, trusted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (origin_id) DO UPDATE
		SET address=EXCLUDED.address,
			trusted=EXCLUDED.trusted,
			updated_at=EXCLUDED.updated_at
	`, int64(p.OriginID), p.Address.String(), p.Trusted, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *PeerRepository) List(ctx context.Context) ([]*peer.Peer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT origin_id, address, trusted, created_at, updated_at
		FROM peers ORDER BY origin_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []*peer.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (r *PeerRepository) Delete(ctx context.Context, originID uint32) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM peers WHERE origin_id=$1`, int64(originID))
	return err
}

func scanPeer(row pgx.Row) (*peer.Peer, error) {
	var p peer.Peer
	var originID int64
	var address string
	if err := row.Scan(&originID, &address, &p.Trusted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	addr, err := envelope.AddressFromHex(address)
	if err != nil {
		return nil, fmt.Errorf("corrupt peer address: %w", err)
	}
	p.OriginID = uint32(originID)
	p.Address = addr
	return &p, nil
}
