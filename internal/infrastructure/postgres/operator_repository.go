package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/envelope"
	"github.com/canopyhub/canopy/internal/domain/operator"
)

// OperatorRepository implements operator.Repository.
type OperatorRepository struct {
	pool *pgxpool.Pool
}

func NewOperatorRepository(pool *pgxpool.Pool) *OperatorRepository {
	return &OperatorRepository{pool: pool}
}

func (r *OperatorRepository) Create(ctx context.Context, op *operator.Operator) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO operators
		(operator_id, username, password_hash, role, status, authority_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, op.OperatorID, op.Username, op.PasswordHash, op.Role, op.Status, authorityKeyColumn(op.AuthorityKey), op.CreatedAt, op.UpdatedAt)
	return err
}

func (r *OperatorRepository) Update(ctx context.Context, op *operator.Operator) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE operators
		SET username=$1, password_hash=$2, role=$3, status=$4, authority_key=$5, updated_at=$6
		WHERE operator_id=$7
	`, op.Username, op.PasswordHash, op.Role, op.Status, authorityKeyColumn(op.AuthorityKey), op.UpdatedAt, op.OperatorID)
	return err
}

func (r *OperatorRepository) GetByID(ctx context.Context, operatorID uuid.UUID) (*operator.Operator, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, operator_id, username, password_hash, role, status, authority_key, created_at, updated_at
		FROM operators WHERE operator_id=$1
	`, operatorID)
	return scanOperator(row)
}

func (r *OperatorRepository) GetByUsername(ctx context.Context, username string) (*operator.Operator, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, operator_id, username, password_hash, role, status, authority_key, created_at, updated_at
		FROM operators WHERE username=$1
	`, username)
	return scanOperator(row)
}

func (r *OperatorRepository) List(ctx context.Context, filter operator.Filter, limit, offset int) ([]*operator.Operator, error) {
	query := `SELECT id, operator_id, username, password_hash, role, status, authority_key, created_at, updated_at FROM operators`
	args := []interface{}{}
	idx := 1
	if filter.Role != nil {
		query += " WHERE role=$" + itoa(idx)
		args = append(args, *filter.Role)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Username != nil {
		query += addWhere(query) + " username=$" + itoa(idx)
		args = append(args, *filter.Username)
		idx++
	}
	query += " ORDER BY created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var operators []*operator.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		operators = append(operators, op)
	}
	return operators, rows.Err()
}

func (r *OperatorRepository) Count(ctx context.Context) (int, error) {
	row := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM operators`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func authorityKeyColumn(key *envelope.Address) *string {
	if key == nil {
		return nil
	}
	s := key.String()
	return &s
}

func scanOperator(row pgx.Row) (*operator.Operator, error) {
	var op operator.Operator
	var authorityKey *string
	if err := row.Scan(&op.ID, &op.OperatorID, &op.Username, &op.PasswordHash, &op.Role, &op.Status, &authorityKey, &op.CreatedAt, &op.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if authorityKey != nil {
		addr, err := envelope.AddressFromHex(*authorityKey)
		if err != nil {
			return nil, fmt.Errorf("corrupt authority_key column: %w", err)
		}
		op.AuthorityKey = &addr
	}
	return &op, nil
}
