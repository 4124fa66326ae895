package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/envelope"
)

// CollectionRepository implements collection.Repository.
type CollectionRepository struct {
	pool *pgxpool.Pool
}

func NewCollectionRepository(pool *pgxpool.Pool) *CollectionRepository {
	return &CollectionRepository{pool: pool}
}

const collectionColumns = `id, authority, tree_id, config, current_theme, available_themes, total_minted, is_active, created_at, last_update`

func (r *CollectionRepository) Get(ctx context.Context, id uuid.UUID) (*collection.Manager, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+collectionColumns+` FROM collection_managers WHERE id=$1
	`, id)
	return scanManager(row)
}

func (r *CollectionRepository) GetPrimary(ctx context.Context) (*collection.Manager, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+collectionColumns+` FROM collection_managers
		WHERE is_active=TRUE ORDER BY created_at ASC LIMIT 1
	`)
	return scanManager(row)
}

func (r *CollectionRepository) Create(ctx context.Context, manager *collection.Manager) error {
	config, currentTheme, themes, err := marshalManager(manager)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO collection_managers
		(id, authority, tree_id, config, current_theme, available_themes, total_minted, is_active, created_at, last_update)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, manager.ID, manager.Authority.String(), manager.TreeID, config, currentTheme, themes,
		int64(manager.TotalMinted), manager.IsActive, manager.CreatedAt, manager.LastUpdate)
	return err
}

func (r *CollectionRepository) Update(ctx context.Context, manager *collection.Manager) error {
	config, currentTheme, themes, err := marshalManager(manager)
	if err != nil {
		return err
	}
	res, err := r.pool.Exec(ctx, `
		UPDATE collection_managers
		SET authority=$1, config=$2, current_theme=$3, available_themes=$4, is_active=$5, last_update=$6
		WHERE id=$7
	`, manager.Authority.String(), config, currentTheme, themes, manager.IsActive, manager.LastUpdate, manager.ID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return collection.ErrManagerNotFound
	}
	return nil
}

// IncrementMinted adds count to the stored total only if it still equals
// expected, so a lost chunk race cannot double-count mints.
func (r *CollectionRepository) IncrementMinted(ctx context.Context, id uuid.UUID, expected, count uint64) (*collection.Manager, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE collection_managers
		SET total_minted = total_minted + $1, last_update = NOW()
		WHERE id=$2 AND total_minted=$3
		RETURNING `+collectionColumns+`
	`, int64(count), id, int64(expected))
	mgr, err := scanManager(row)
	if err != nil {
		return nil, err
	}
	if mgr == nil {
		existing, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, collection.ErrManagerNotFound
		}
		return nil, collection.ErrStaleManager
	}
	return mgr, nil
}

func marshalManager(manager *collection.Manager) (config, currentTheme, themes []byte, err error) {
	if config, err = json.Marshal(manager.Config); err != nil {
		return nil, nil, nil, err
	}
	if currentTheme, err = json.Marshal(manager.CurrentTheme); err != nil {
		return nil, nil, nil, err
	}
	if themes, err = json.Marshal(manager.AvailableThemes); err != nil {
		return nil, nil, nil, err
	}
	return config, currentTheme, themes, nil
}

func scanManager(row pgx.Row) (*collection.Manager, error) {
	var m collection.Manager
	var authority string
	var config, currentTheme, themes []byte
	var minted int64
	if err := row.Scan(&m.ID, &authority, &m.TreeID, &config, &currentTheme, &themes,
		&minted, &m.IsActive, &m.CreatedAt, &m.LastUpdate); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	addr, err := envelope.AddressFromHex(authority)
	if err != nil {
		return nil, fmt.Errorf("corrupt authority column: %w", err)
	}
	m.Authority = addr
	m.TotalMinted = uint64(minted)
	if err := json.Unmarshal(config, &m.Config); err != nil {
		return nil, fmt.Errorf("corrupt config column: %w", err)
	}
	if err := json.Unmarshal(currentTheme, &m.CurrentTheme); err != nil {
		return nil, fmt.Errorf("corrupt current_theme column: %w", err)
	}
	if err := json.Unmarshal(themes, &m.AvailableThemes); err != nil {
		return nil, fmt.Errorf("corrupt available_themes column: %w", err)
	}
	return &m, nil
}
