// Package sqlite provides the single-file persistence layer for the
// watchtower: rules, evaluations, alerts and the event history.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/canopyhub/watchtower/internal/domain/alert"
	"github.com/canopyhub/watchtower/internal/domain/event"
	"github.com/canopyhub/watchtower/internal/domain/rule"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id         TEXT NOT NULL,
    version         INTEGER NOT NULL,
    name            TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    rule_type       TEXT NOT NULL,
    config          TEXT NOT NULL,
    severity        TEXT NOT NULL,
    effective_from  TEXT NOT NULL,
    effective_until TEXT,
    status          TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    created_by      TEXT,
    updated_at      TEXT NOT NULL,
    updated_by      TEXT,
    UNIQUE (rule_id, version)
);

CREATE TABLE IF NOT EXISTS evaluations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    evaluation_id TEXT NOT NULL UNIQUE,
    rule_id       TEXT NOT NULL,
    rule_version  INTEGER NOT NULL,
    rule_type     TEXT NOT NULL,
    origin_id     INTEGER NOT NULL,
    matched       INTEGER NOT NULL,
    evaluated_at  TEXT NOT NULL,
    evidence      TEXT NOT NULL,
    event_ids     TEXT
);
CREATE INDEX IF NOT EXISTS idx_evaluations_rule ON evaluations (rule_id, evaluated_at);

CREATE TABLE IF NOT EXISTS alerts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    alert_id        TEXT NOT NULL UNIQUE,
    rule_id         TEXT NOT NULL,
    rule_version    INTEGER NOT NULL,
    rule_type       TEXT NOT NULL,
    evaluation_id   TEXT NOT NULL,
    origin_id       INTEGER NOT NULL,
    severity        TEXT NOT NULL,
    title           TEXT NOT NULL,
    status          TEXT NOT NULL,
    recommended     TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    acknowledged_at TEXT,
    acknowledged_by TEXT,
    resolved_at     TEXT,
    resolved_by     TEXT,
    resolution      TEXT
);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts (rule_id, origin_id, status);

CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    kind        TEXT NOT NULL,
    origin_id   INTEGER NOT NULL,
    guid        TEXT NOT NULL DEFAULT '',
    committed   INTEGER NOT NULL,
    stage       TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL DEFAULT '',
    nonce       INTEGER NOT NULL DEFAULT 0,
    command     TEXT NOT NULL DEFAULT '',
    utilization REAL NOT NULL DEFAULT 0,
    payload     TEXT,
    observed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_origin ON events (origin_id, committed, observed_at);
`

// Store owns the sqlite file and hands out the per-aggregate
// repositories backed by it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the store at path and applies the
// schema. WAL keeps readers from blocking the ingest writer.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The driver serializes writes; a single conn avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Rules returns the rule repository
func (s *Store) Rules() *RuleStore { return &RuleStore{db: s.db} }

// Alerts returns the alert repository
func (s *Store) Alerts() *AlertStore { return &AlertStore{db: s.db} }

// Events returns the event repository
func (s *Store) Events() *EventStore { return &EventStore{db: s.db} }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

type scanner interface {
	Scan(...any) error
}

// RuleStore implements rule.Repository
type RuleStore struct {
	db *sql.DB
}

var _ rule.Repository = (*RuleStore)(nil)

func (s *RuleStore) InsertRule(ctx context.Context, r *rule.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (rule_id, version, name, description, rule_type, config, severity,
			effective_from, effective_until, status, created_at, created_by, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RuleID.String(), r.Version, r.Name, r.Description, string(r.RuleType), string(r.Config),
		string(r.Severity), formatTime(r.EffectiveFrom), formatTimePtr(r.EffectiveUntil),
		string(r.Status), formatTime(r.CreatedAt), r.CreatedBy, formatTime(r.UpdatedAt), r.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

const ruleColumns = `id, rule_id, version, name, description, rule_type, config, severity,
	effective_from, effective_until, status, created_at, created_by, updated_at, updated_by`

func scanRule(row scanner) (*rule.Rule, error) {
	var r rule.Rule
	var ruleID, ruleType, config, severity, effectiveFrom, status, createdAt, updatedAt string
	var effectiveUntil, createdBy, updatedBy sql.NullString

	err := row.Scan(&r.ID, &ruleID, &r.Version, &r.Name, &r.Description, &ruleType, &config,
		&severity, &effectiveFrom, &effectiveUntil, &status, &createdAt, &createdBy, &updatedAt, &updatedBy)
	if err != nil {
		return nil, err
	}

	if r.RuleID, err = uuid.Parse(ruleID); err != nil {
		return nil, fmt.Errorf("bad rule_id: %w", err)
	}
	r.RuleType = rule.RuleType(ruleType)
	r.Config = json.RawMessage(config)
	r.Severity = rule.Severity(severity)
	r.Status = rule.RuleStatus(status)
	if r.EffectiveFrom, err = parseTime(effectiveFrom); err != nil {
		return nil, err
	}
	if r.EffectiveUntil, err = parseTimePtr(effectiveUntil); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	r.CreatedBy = strPtr(createdBy)
	r.UpdatedBy = strPtr(updatedBy)
	return &r, nil
}

func (s *RuleStore) GetRule(ctx context.Context, ruleID uuid.UUID) (*rule.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE rule_id = ? ORDER BY version DESC LIMIT 1`,
		ruleID.String())
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *RuleStore) GetRuleVersion(ctx context.Context, ruleID uuid.UUID, version int) (*rule.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE rule_id = ? AND version = ?`,
		ruleID.String(), version)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *RuleStore) ListRules(ctx context.Context, filter rule.Filter) ([]*rule.Rule, error) {
	var conds []string
	var args []any
	if filter.RuleType != nil {
		conds = append(conds, "rule_type = ?")
		args = append(args, string(*filter.RuleType))
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.OriginID != nil {
		conds = append(conds, "json_extract(config, '$.originId') = ?")
		args = append(args, int64(*filter.OriginID))
	}

	query := `SELECT ` + ruleColumns + ` FROM rules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY rule_id, version"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RuleStore) UpdateRuleStatus(ctx context.Context, ruleID uuid.UUID, version int, status rule.RuleStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET status = ?, updated_at = ? WHERE rule_id = ? AND version = ?`,
		string(status), formatTime(time.Now().UTC()), ruleID.String(), version)
	if err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s version %d not found", ruleID, version)
	}
	return nil
}

func (s *RuleStore) InsertEvaluation(ctx context.Context, e *rule.Evaluation) error {
	var eventIDs any
	if len(e.EventIDs) > 0 {
		raw, err := json.Marshal(e.EventIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal event ids: %w", err)
		}
		eventIDs = string(raw)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (evaluation_id, rule_id, rule_version, rule_type, origin_id,
			matched, evaluated_at, evidence, event_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EvaluationID.String(), e.RuleID.String(), e.RuleVersion, string(e.RuleType),
		int64(e.OriginID), e.Matched, formatTime(e.EvaluatedAt), string(e.Evidence), eventIDs)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *RuleStore) ListEvaluations(ctx context.Context, filter rule.EvaluationFilter, limit int) ([]*rule.Evaluation, error) {
	var conds []string
	var args []any
	if filter.RuleID != nil {
		conds = append(conds, "rule_id = ?")
		args = append(args, filter.RuleID.String())
	}
	if filter.OriginID != nil {
		conds = append(conds, "origin_id = ?")
		args = append(args, int64(*filter.OriginID))
	}
	if filter.Matched != nil {
		conds = append(conds, "matched = ?")
		args = append(args, *filter.Matched)
	}
	if filter.Since != nil {
		conds = append(conds, "evaluated_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		conds = append(conds, "evaluated_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}

	query := `SELECT id, evaluation_id, rule_id, rule_version, rule_type, origin_id,
		matched, evaluated_at, evidence, event_ids FROM evaluations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY evaluated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*rule.Evaluation
	for rows.Next() {
		var e rule.Evaluation
		var evaluationID, ruleID, ruleType, evaluatedAt, evidence string
		var originID int64
		var eventIDs sql.NullString

		if err := rows.Scan(&e.ID, &evaluationID, &ruleID, &e.RuleVersion, &ruleType,
			&originID, &e.Matched, &evaluatedAt, &evidence, &eventIDs); err != nil {
			return nil, err
		}
		if e.EvaluationID, err = uuid.Parse(evaluationID); err != nil {
			return nil, fmt.Errorf("bad evaluation_id: %w", err)
		}
		if e.RuleID, err = uuid.Parse(ruleID); err != nil {
			return nil, fmt.Errorf("bad rule_id: %w", err)
		}
		e.RuleType = rule.RuleType(ruleType)
		e.OriginID = uint32(originID)
		if e.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
			return nil, err
		}
		e.Evidence = json.RawMessage(evidence)
		if eventIDs.Valid {
			if err := json.Unmarshal([]byte(eventIDs.String), &e.EventIDs); err != nil {
				return nil, fmt.Errorf("bad event_ids: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AlertStore implements alert.Repository
type AlertStore struct {
	db *sql.DB
}

var _ alert.Repository = (*AlertStore)(nil)

func (s *AlertStore) Insert(ctx context.Context, a *alert.Alert) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, rule_id, rule_version, rule_type, evaluation_id, origin_id,
			severity, title, status, recommended, created_at, acknowledged_at, acknowledged_by,
			resolved_at, resolved_by, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AlertID.String(), a.RuleID.String(), a.RuleVersion, string(a.RuleType),
		a.EvaluationID.String(), int64(a.OriginID), string(a.Severity), a.Title,
		string(a.Status), string(a.Recommended), formatTime(a.CreatedAt),
		formatTimePtr(a.AcknowledgedAt), a.AcknowledgedBy,
		formatTimePtr(a.ResolvedAt), a.ResolvedBy, a.Resolution)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

const alertColumns = `id, alert_id, rule_id, rule_version, rule_type, evaluation_id, origin_id,
	severity, title, status, recommended, created_at, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, resolution`

func scanAlert(row scanner) (*alert.Alert, error) {
	var a alert.Alert
	var alertID, ruleID, ruleType, evaluationID, severity, status, recommended, createdAt string
	var originID int64
	var ackedAt, ackedBy, resolvedAt, resolvedBy, resolution sql.NullString

	err := row.Scan(&a.ID, &alertID, &ruleID, &a.RuleVersion, &ruleType, &evaluationID,
		&originID, &severity, &a.Title, &status, &recommended, &createdAt,
		&ackedAt, &ackedBy, &resolvedAt, &resolvedBy, &resolution)
	if err != nil {
		return nil, err
	}

	if a.AlertID, err = uuid.Parse(alertID); err != nil {
		return nil, fmt.Errorf("bad alert_id: %w", err)
	}
	if a.RuleID, err = uuid.Parse(ruleID); err != nil {
		return nil, fmt.Errorf("bad rule_id: %w", err)
	}
	if a.EvaluationID, err = uuid.Parse(evaluationID); err != nil {
		return nil, fmt.Errorf("bad evaluation_id: %w", err)
	}
	a.RuleType = rule.RuleType(ruleType)
	a.OriginID = uint32(originID)
	a.Severity = rule.Severity(severity)
	a.Status = alert.Status(status)
	a.Recommended = alert.RecommendedAction(recommended)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = parseTimePtr(ackedAt); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	a.AcknowledgedBy = strPtr(ackedBy)
	a.ResolvedBy = strPtr(resolvedBy)
	a.Resolution = strPtr(resolution)
	return &a, nil
}

func (s *AlertStore) Get(ctx context.Context, alertID uuid.UUID) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = ?`, alertID.String())
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *AlertStore) List(ctx context.Context, filter alert.Filter, limit int) ([]*alert.Alert, error) {
	var conds []string
	var args []any
	if filter.RuleID != nil {
		conds = append(conds, "rule_id = ?")
		args = append(args, filter.RuleID.String())
	}
	if filter.OriginID != nil {
		conds = append(conds, "origin_id = ?")
		args = append(args, int64(*filter.OriginID))
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Severity != nil {
		conds = append(conds, "severity = ?")
		args = append(args, string(*filter.Severity))
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *AlertStore) Update(ctx context.Context, a *alert.Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ?,
			resolved_at = ?, resolved_by = ?, resolution = ?
		WHERE alert_id = ?`,
		string(a.Status), formatTimePtr(a.AcknowledgedAt), a.AcknowledgedBy,
		formatTimePtr(a.ResolvedAt), a.ResolvedBy, a.Resolution, a.AlertID.String())
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("alert %s not found", a.AlertID)
	}
	return nil
}

func (s *AlertStore) FindOpenByRuleAndOrigin(ctx context.Context, ruleID uuid.UUID, originID uint32) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE rule_id = ? AND origin_id = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		ruleID.String(), int64(originID), string(alert.StatusResolved))
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// EventStore implements event.Repository
type EventStore struct {
	db *sql.DB
}

var _ event.Repository = (*EventStore)(nil)

func (s *EventStore) Insert(ctx context.Context, e *event.Event) error {
	var payload any
	if len(e.Payload) > 0 {
		payload = string(e.Payload)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, kind, origin_id, guid, committed, stage, reason,
			nonce, command, utilization, payload, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID.String(), string(e.Kind), int64(e.OriginID), e.GUID, e.Committed,
		e.Stage, e.Reason, int64(e.Nonce), e.Command, e.Utilization, payload,
		formatTime(e.ObservedAt))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

const eventColumns = `id, event_id, kind, origin_id, guid, committed, stage, reason,
	nonce, command, utilization, payload, observed_at`

func scanEvent(row scanner) (*event.Event, error) {
	var e event.Event
	var eventID, kind, observedAt string
	var originID, nonce int64
	var payload sql.NullString

	err := row.Scan(&e.ID, &eventID, &kind, &originID, &e.GUID, &e.Committed,
		&e.Stage, &e.Reason, &nonce, &e.Command, &e.Utilization, &payload, &observedAt)
	if err != nil {
		return nil, err
	}

	if e.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, fmt.Errorf("bad event_id: %w", err)
	}
	e.Kind = event.Kind(kind)
	e.OriginID = uint32(originID)
	e.Nonce = uint64(nonce)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if e.ObservedAt, err = parseTime(observedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *EventStore) LastCommitted(ctx context.Context, originID uint32) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE origin_id = ? AND kind = ? AND committed = 1
		 ORDER BY observed_at DESC, id DESC LIMIT 1`,
		int64(originID), string(event.KindDelivery))
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *EventStore) CountRejectedSince(ctx context.Context, originID uint32, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events
		 WHERE origin_id = ? AND kind = ? AND committed = 0 AND observed_at >= ?`,
		int64(originID), string(event.KindDelivery), formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return count, nil
}

func (s *EventStore) RejectedSince(ctx context.Context, originID uint32, since time.Time, limit int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE origin_id = ? AND kind = ? AND committed = 0 AND observed_at >= ?
		 ORDER BY observed_at, id LIMIT ?`,
		int64(originID), string(event.KindDelivery), formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rejections: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *EventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE observed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}
