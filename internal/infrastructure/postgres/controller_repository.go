package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/collection"
	"github.com/canopyhub/canopy/internal/domain/controller"
	"github.com/canopyhub/canopy/internal/domain/envelope"
)

// ControllerRepository implements controller.Repository.
type ControllerRepository struct {
	pool *pgxpool.Pool
}

func NewControllerRepository(pool *pgxpool.Pool) *ControllerRepository {
	return &ControllerRepository{pool: pool}
}

func (r *ControllerRepository) Get(ctx context.Context) (*controller.State, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT authority, origin_id, collection_uri, collection_name, collection_symbol,
		       replay_cursor, paused, created_at, last_update
		FROM controller_state WHERE id=1
	`)
	return scanControllerState(row)
}

func (r *ControllerRepository) Init(ctx context.Context, state *controller.State) error {
	res, err := r.pool.Exec(ctx, `
		INSERT INTO controller_state
		(id, authority, origin_id, collection_uri, collection_name, collection_symbol, replay_cursor, paused, created_at, last_update)
		VALUES (1,$1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, state.Authority.String(), int64(state.OriginID), state.CollectionURI, state.CollectionName, state.CollectionSymbol,
		int64(state.ReplayCursor), state.Paused, state.CreatedAt, state.LastUpdate)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return controller.ErrAlreadyExists
	}
	return nil
}

// Commit writes the staged state, the staged collection manager when
// present, and the message-log record in one transaction. The UPDATE is
// guarded on the cursor the dispatcher read, so of two racing
// deliveries only one lands and a loser leaves no trace.
func (r *ControllerRepository) Commit(ctx context.Context, commit controller.Commit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	state := commit.State
	res, err := tx.Exec(ctx, `
		UPDATE controller_state
		SET authority=$1, collection_uri=$2, collection_name=$3, collection_symbol=$4,
		    replay_cursor=$5, paused=$6, last_update=$7
		WHERE id=1 AND replay_cursor=$8
	`, state.Authority.String(), state.CollectionURI, state.CollectionName, state.CollectionSymbol,
		int64(state.ReplayCursor), state.Paused, state.LastUpdate, int64(commit.ExpectedCursor))
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return controller.ErrStaleState
	}

	if mgr := commit.Manager; mgr != nil {
		config, currentTheme, themes, err := marshalManager(mgr)
		if err != nil {
			return err
		}
		res, err := tx.Exec(ctx, `
			UPDATE collection_managers
			SET authority=$1, config=$2, current_theme=$3, available_themes=$4, is_active=$5, last_update=$6
			WHERE id=$7
		`, mgr.Authority.String(), config, currentTheme, themes, mgr.IsActive, mgr.LastUpdate, mgr.ID)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return collection.ErrManagerNotFound
		}
	}

	rec := commit.Record
	if rec != nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO message_log
			(origin_id, sequence, nonce, guid, sender, command, record_hash, prev_hash, chain_hash, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING id
		`, int64(rec.OriginID), rec.Sequence, int64(rec.Nonce), rec.GUID, rec.Sender.String(), rec.Command,
			rec.RecordHash, rec.PrevHash, rec.ChainHash, rec.CreatedAt).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to append message record: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (r *ControllerRepository) UpdateAdmin(ctx context.Context, state *controller.State) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE controller_state
		SET authority=$1, collection_uri=$2, collection_name=$3, collection_symbol=$4,
		    paused=$5, last_update=$6
		WHERE id=1
	`, state.Authority.String(), state.CollectionURI, state.CollectionName, state.CollectionSymbol,
		state.Paused, state.LastUpdate)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return controller.ErrNotInitialized
	}
	return nil
}

func scanControllerState(row pgx.Row) (*controller.State, error) {
	var s controller.State
	var authority string
	var originID, cursor int64
	if err := row.Scan(&authority, &originID, &s.CollectionURI, &s.CollectionName, &s.CollectionSymbol,
		&cursor, &s.Paused, &s.CreatedAt, &s.LastUpdate); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	addr, err := envelope.AddressFromHex(authority)
	if err != nil {
		return nil, fmt.Errorf("corrupt authority column: %w", err)
	}
	s.Authority = addr
	s.OriginID = uint32(originID)
	s.ReplayCursor = uint64(cursor)
	return &s, nil
}
