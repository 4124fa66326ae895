package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/operation"
)

// OperationRepository implements operation.Repository.
type OperationRepository struct {
	pool *pgxpool.Pool
}

func NewOperationRepository(pool *pgxpool.Pool) *OperationRepository {
	return &OperationRepository{pool: pool}
}

const operationColumns = `id, operation_id, kind, state, request, items_processed, items_total, started_at, completed_at, error_message, trace_id, created_at, updated_at`

func (r *OperationRepository) Get(ctx context.Context, operationID string) (*operation.Operation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE operation_id=$1
	`, operationID)
	return scanOperation(row)
}

func (r *OperationRepository) Create(ctx context.Context, op *operation.Operation) error {
	res, err := r.pool.Exec(ctx, `
		INSERT INTO operations
		(operation_id, kind, state, request, items_processed, items_total, started_at, completed_at, error_message, trace_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (operation_id) DO NOTHING
	`, op.OperationID, string(op.Kind), string(op.State), []byte(op.Request),
		int64(op.ItemsProcessed), int64(op.ItemsTotal), op.StartedAt, op.CompletedAt,
		op.ErrorMessage, op.TraceID, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return operation.ErrDuplicateOperation
	}
	return nil
}

func (r *OperationRepository) Update(ctx context.Context, op *operation.Operation) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE operations
		SET state=$1, items_processed=$2, items_total=$3, started_at=$4, completed_at=$5, error_message=$6, updated_at=$7
		WHERE operation_id=$8
	`, string(op.State), int64(op.ItemsProcessed), int64(op.ItemsTotal),
		op.StartedAt, op.CompletedAt, op.ErrorMessage, op.UpdatedAt, op.OperationID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return operation.ErrOperationNotFound
	}
	return nil
}

// CommitChunk persists one chunk of progress: the guarded operation row,
// the signed checkpoint, and any mint increment, all in one transaction.
// The progress guard makes a duplicate runner lose cleanly instead of
// double-applying a chunk.
func (r *OperationRepository) CommitChunk(ctx context.Context, commit operation.ChunkCommit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	op := commit.Operation
	res, err := tx.Exec(ctx, `
		UPDATE operations
		SET state=$1, items_processed=$2, completed_at=$3, error_message=$4, updated_at=$5
		WHERE operation_id=$6 AND items_processed=$7
	`, string(op.State), int64(op.ItemsProcessed), op.CompletedAt, op.ErrorMessage,
		op.UpdatedAt, op.OperationID, int64(commit.ExpectedProcessed))
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return operation.ErrStaleProgress
	}

	cp := commit.Checkpoint
	if cp != nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO operation_checkpoints
			(operation_id, seq, chunk_start, chunk_end, items_processed, items_total, key_id, signature, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id
		`, cp.OperationID, int32(cp.Seq), int64(cp.ChunkStart), int64(cp.ChunkEnd),
			int64(cp.ItemsProcessed), int64(cp.ItemsTotal), cp.KeyID, cp.Signature, cp.CreatedAt).Scan(&cp.ID)
		if err != nil {
			return fmt.Errorf("failed to record checkpoint: %w", err)
		}
	}

	if commit.MintIncrement > 0 {
		res, err := tx.Exec(ctx, `
			UPDATE collection_managers
			SET total_minted = total_minted + $1, last_update = NOW()
			WHERE is_active=TRUE
		`, int64(commit.MintIncrement))
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("mint increment lost: no active collection")
		}
	}

	return tx.Commit(ctx)
}

func (r *OperationRepository) ListRunnable(ctx context.Context, limit int) ([]*operation.Operation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE state IN ('PENDING','IN_PROGRESS')
		ORDER BY updated_at ASC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (r *OperationRepository) List(ctx context.Context, limit, offset int) ([]*operation.Operation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (r *OperationRepository) Checkpoints(ctx context.Context, operationID string) ([]*operation.Checkpoint, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, operation_id, seq, chunk_start, chunk_end, items_processed, items_total, key_id, signature, created_at
		FROM operation_checkpoints WHERE operation_id=$1
		ORDER BY seq ASC
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var checkpoints []*operation.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

func collectOperations(rows pgx.Rows) ([]*operation.Operation, error) {
	var ops []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func scanOperation(row pgx.Row) (*operation.Operation, error) {
	var op operation.Operation
	var kind, state string
	var request []byte
	var processed, total int64
	if err := row.Scan(&op.ID, &op.OperationID, &kind, &state, &request,
		&processed, &total, &op.StartedAt, &op.CompletedAt, &op.ErrorMessage,
		&op.TraceID, &op.CreatedAt, &op.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	op.Kind = operation.Kind(kind)
	op.State = operation.State(state)
	op.Request = request
	op.ItemsProcessed = uint64(processed)
	op.ItemsTotal = uint64(total)
	return &op, nil
}

func scanCheckpoint(row pgx.Row) (*operation.Checkpoint, error) {
	var cp operation.Checkpoint
	var seq int32
	var chunkStart, chunkEnd, processed, total int64
	if err := row.Scan(&cp.ID, &cp.OperationID, &seq, &chunkStart, &chunkEnd,
		&processed, &total, &cp.KeyID, &cp.Signature, &cp.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	cp.Seq = uint32(seq)
	cp.ChunkStart = uint64(chunkStart)
	cp.ChunkEnd = uint64(chunkEnd)
	cp.ItemsProcessed = uint64(processed)
	cp.ItemsTotal = uint64(total)
	return &cp, nil
}
