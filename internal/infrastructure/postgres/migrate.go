package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations holds the schema in dependency order. Every statement is
// idempotent, so the whole list runs at every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS controller_state (
		id                SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		authority         TEXT NOT NULL,
		origin_id         BIGINT NOT NULL,
		collection_uri    TEXT NOT NULL DEFAULT '',
		collection_name   TEXT NOT NULL DEFAULT '',
		collection_symbol TEXT NOT NULL DEFAULT '',
		replay_cursor     BIGINT NOT NULL DEFAULT 0,
		paused            BOOLEAN NOT NULL DEFAULT FALSE,
		created_at        TIMESTAMPTZ NOT NULL,
		last_update       TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS peers (
		origin_id  BIGINT PRIMARY KEY,
		address    TEXT NOT NULL,
		trusted    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS message_log (
		id          BIGSERIAL PRIMARY KEY,
		origin_id   BIGINT NOT NULL,
		sequence    BIGINT NOT NULL,
		nonce       BIGINT NOT NULL,
		guid        TEXT NOT NULL,
		sender      TEXT NOT NULL,
		command     TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		prev_hash   TEXT NOT NULL DEFAULT '',
		chain_hash  TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		UNIQUE (origin_id, sequence),
		UNIQUE (guid)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_log_origin ON message_log (origin_id, sequence)`,

	`CREATE TABLE IF NOT EXISTS collection_managers (
		id               UUID PRIMARY KEY,
		authority        TEXT NOT NULL,
		tree_id          UUID NOT NULL,
		config           JSONB NOT NULL,
		current_theme    JSONB NOT NULL,
		available_themes JSONB NOT NULL,
		total_minted     BIGINT NOT NULL DEFAULT 0,
		is_active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_at       TIMESTAMPTZ NOT NULL,
		last_update      TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS operations (
		id              BIGSERIAL PRIMARY KEY,
		operation_id    TEXT NOT NULL UNIQUE,
		kind            TEXT NOT NULL,
		state           TEXT NOT NULL,
		request         JSONB NOT NULL,
		items_processed BIGINT NOT NULL DEFAULT 0,
		items_total     BIGINT NOT NULL DEFAULT 0,
		started_at      TIMESTAMPTZ NOT NULL,
		completed_at    TIMESTAMPTZ,
		error_message   TEXT,
		trace_id        TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_state ON operations (state, updated_at)`,

	`CREATE TABLE IF NOT EXISTS operation_checkpoints (
		id              BIGSERIAL PRIMARY KEY,
		operation_id    TEXT NOT NULL REFERENCES operations (operation_id) ON DELETE CASCADE,
		seq             INTEGER NOT NULL,
		chunk_start     BIGINT NOT NULL,
		chunk_end       BIGINT NOT NULL,
		items_processed BIGINT NOT NULL,
		items_total     BIGINT NOT NULL,
		key_id          TEXT NOT NULL,
		signature       BYTEA NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (operation_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS operators (
		id            BIGSERIAL PRIMARY KEY,
		operator_id   UUID NOT NULL UNIQUE,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL,
		status        TEXT NOT NULL,
		authority_key TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		id           BIGSERIAL PRIMARY KEY,
		session_id   UUID NOT NULL UNIQUE,
		token_hash   TEXT NOT NULL UNIQUE,
		operator_id  UUID NOT NULL REFERENCES operators (operator_id) ON DELETE CASCADE,
		created_at   TIMESTAMPTZ NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ,
		user_agent   TEXT,
		ip_address   INET
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id              BIGSERIAL PRIMARY KEY,
		notification_id UUID NOT NULL UNIQUE,
		topic           TEXT NOT NULL,
		channel         TEXT NOT NULL,
		severity        TEXT NOT NULL,
		title           TEXT NOT NULL,
		body            TEXT NOT NULL DEFAULT '',
		payload         JSONB,
		status          TEXT NOT NULL,
		operation_id    TEXT,
		message_guid    TEXT,
		webhook_url     TEXT,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 3,
		last_error      TEXT,
		expires_at      TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		sent_at         TIMESTAMPTZ,
		delivered_at    TIMESTAMPTZ,
		failed_at       TIMESTAMPTZ,
		trace_id        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_operation ON notifications (operation_id)`,

	`CREATE TABLE IF NOT EXISTS delivery_attempts (
		id              BIGSERIAL PRIMARY KEY,
		notification_id UUID NOT NULL REFERENCES notifications (notification_id) ON DELETE CASCADE,
		attempt_number  INTEGER NOT NULL,
		status          TEXT NOT NULL,
		attempted_at    TIMESTAMPTZ NOT NULL,
		response_code   INTEGER,
		response_body   TEXT,
		error_message   TEXT,
		duration_ms     INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS subscriptions (
		id              BIGSERIAL PRIMARY KEY,
		subscription_id UUID NOT NULL UNIQUE,
		webhook_url     TEXT NOT NULL,
		topics          JSONB NOT NULL DEFAULT '[]',
		active          BOOLEAN NOT NULL DEFAULT TRUE,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
}

// RunMigrations applies the schema. Every statement is idempotent, so
// this runs unconditionally at startup.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
