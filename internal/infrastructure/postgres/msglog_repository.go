package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/msglog"
)

// MessageLogRepository implements msglog.Repository. Records are only
// ever written through ControllerRepository.Commit; this side is
// read-only by construction.
type MessageLogRepository struct {
	pool *pgxpool.Pool
}

func NewMessageLogRepository(pool *pgxpool.Pool) *MessageLogRepository {
	return &MessageLogRepository{pool: pool}
}

func (r *MessageLogRepository) Latest(ctx context.Context, originID uint32) (*msglog.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, origin_id, sequence, nonce, guid, sender, command, record_hash, prev_hash, chain_hash, created_at
		FROM message_log WHERE origin_id=$1
		ORDER BY sequence DESC LIMIT 1
	`, int64(originID))
	return scanRecord(row)
}

func (r *MessageLogRepository) ListByOrigin(ctx context.Context, originID uint32, limit int) ([]*msglog.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, origin_id, sequence, nonce, guid, sender, command, record_hash, prev_hash, chain_hash, created_at
		FROM message_log WHERE origin_id=$1
		ORDER BY sequence ASC LIMIT $2
	`, int64(originID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*msglog.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *MessageLogRepository) GetByGUID(ctx context.Context, guid string) (*msglog.Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, origin_id, sequence, nonce, guid, sender, command, record_hash, prev_hash, chain_hash, created_at
		FROM message_log WHERE guid=$1
	`, guid)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*msglog.Record, error) {
	var rec msglog.Record
	var originID, nonce int64
	var sender string
	if err := row.Scan(&rec.ID, &originID, &rec.Sequence, &nonce, &rec.GUID, &sender,
		&rec.Command, &rec.RecordHash, &rec.PrevHash, &rec.ChainHash, &rec.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	addr, err := envelope.AddressFromHex(sender)
	if err != nil {
		return nil, fmt.Errorf("corrupt sender column: %w", err)
	}
	rec.OriginID = uint32(originID)
	rec.Nonce = uint64(nonce)
	rec.Sender = addr
	return &rec, nil
}
