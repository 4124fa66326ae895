package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/canopyhub/canopy/internal/domain/notification"
)

// NotificationRepository implements notification.Repository.
type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `id, notification_id, topic, channel, severity, title, body, payload, status, operation_id, message_guid, webhook_url, retry_count, max_retries, last_error, expires_at, created_at, sent_at, delivered_at, failed_at, trace_id`

func (r *NotificationRepository) Create(ctx context.Context, n *notification.Notification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
		(notification_id, topic, channel, severity, title, body, payload, status, operation_id, message_guid, webhook_url, retry_count, max_retries, last_error, expires_at, created_at, sent_at, delivered_at, failed_at, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, n.NotificationID, n.Topic, n.Channel, n.Severity, n.Title, n.Body, []byte(n.Payload), n.Status,
		n.OperationID, n.MessageGUID, n.WebhookURL, n.RetryCount, n.MaxRetries, n.LastError,
		n.ExpiresAt, n.CreatedAt, n.SentAt, n.DeliveredAt, n.FailedAt, n.TraceID)
	return err
}

func (r *NotificationRepository) GetByID(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE notification_id=$1
	`, notificationID)
	return scanNotification(row)
}

func (r *NotificationRepository) GetByOperationID(ctx context.Context, operationID string) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE operation_id=$1 ORDER BY created_at ASC
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (r *NotificationRepository) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	args := []interface{}{}
	idx := 1
	if filter.Topic != nil {
		query += " WHERE topic=$" + itoa(idx)
		args = append(args, *filter.Topic)
		idx++
	}
	if filter.Channel != nil {
		query += addWhere(query) + " channel=$" + itoa(idx)
		args = append(args, *filter.Channel)
		idx++
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Severity != nil {
		query += addWhere(query) + " severity=$" + itoa(idx)
		args = append(args, *filter.Severity)
		idx++
	}
	if filter.OperationID != nil {
		query += addWhere(query) + " operation_id=$" + itoa(idx)
		args = append(args, *filter.OperationID)
		idx++
	}
	if filter.Since != nil {
		query += addWhere(query) + " created_at >= $" + itoa(idx)
		args = append(args, *filter.Since)
		idx++
	}
	if filter.Until != nil {
		query += addWhere(query) + " created_at <= $" + itoa(idx)
		args = append(args, *filter.Until)
		idx++
	}
	query += " ORDER BY created_at DESC LIMIT $" + itoa(idx) + " OFFSET $" + itoa(idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (r *NotificationRepository) Update(ctx context.Context, n *notification.Notification) error {
	res, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status=$1, retry_count=$2, last_error=$3, sent_at=$4, delivered_at=$5, failed_at=$6
		WHERE notification_id=$7
	`, n.Status, n.RetryCount, n.LastError, n.SentAt, n.DeliveredAt, n.FailedAt, n.NotificationID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", n.NotificationID)
	}
	return nil
}

func (r *NotificationRepository) RecordAttempt(ctx context.Context, attempt *notification.DeliveryAttempt) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO delivery_attempts
		(notification_id, attempt_number, status, attempted_at, response_code, response_body, error_message, duration_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, attempt.NotificationID, attempt.AttemptNumber, attempt.Status, attempt.AttemptedAt,
		attempt.ResponseCode, attempt.ResponseBody, attempt.ErrorMessage, attempt.DurationMs).Scan(&attempt.ID)
}

func (r *NotificationRepository) GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, attempt_number, status, attempted_at, response_code, response_body, error_message, duration_ms
		FROM delivery_attempts WHERE notification_id=$1
		ORDER BY attempt_number ASC
	`, notificationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []*notification.DeliveryAttempt
	for rows.Next() {
		var a notification.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.NotificationID, &a.AttemptNumber, &a.Status, &a.AttemptedAt,
			&a.ResponseCode, &a.ResponseBody, &a.ErrorMessage, &a.DurationMs); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func (r *NotificationRepository) CreateSubscription(ctx context.Context, sub *notification.Subscription) error {
	topics, err := json.Marshal(sub.Topics)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (subscription_id, webhook_url, topics, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, sub.SubscriptionID, sub.WebhookURL, topics, sub.Active, sub.CreatedAt).Scan(&sub.ID)
}

func (r *NotificationRepository) ListSubscriptions(ctx context.Context) ([]*notification.Subscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subscription_id, webhook_url, topics, active, created_at
		FROM subscriptions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []*notification.Subscription
	for rows.Next() {
		var s notification.Subscription
		var topics []byte
		if err := rows.Scan(&s.ID, &s.SubscriptionID, &s.WebhookURL, &topics, &s.Active, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(topics, &s.Topics); err != nil {
			return nil, fmt.Errorf("corrupt topics column: %w", err)
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

func (r *NotificationRepository) DeleteSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE subscription_id=$1`, subscriptionID)
	return err
}

func (r *NotificationRepository) ListPending(ctx context.Context, limit int) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status=$1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at ASC LIMIT $2
	`, notification.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (r *NotificationRepository) ListRetryable(ctx context.Context, limit int) ([]*notification.Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status=$1 AND retry_count < max_retries AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY failed_at ASC LIMIT $2
	`, notification.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (r *NotificationRepository) Expire(ctx context.Context) (int64, error) {
	res, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status=$1
		WHERE status IN ($2,$3) AND expires_at IS NOT NULL AND expires_at <= $4
	`, notification.StatusExpired, notification.StatusPending, notification.StatusFailed, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func collectNotifications(rows pgx.Rows) ([]*notification.Notification, error) {
	var notifications []*notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func scanNotification(row pgx.Row) (*notification.Notification, error) {
	var n notification.Notification
	var payload []byte
	if err := row.Scan(&n.ID, &n.NotificationID, &n.Topic, &n.Channel, &n.Severity, &n.Title, &n.Body,
		&payload, &n.Status, &n.OperationID, &n.MessageGUID, &n.WebhookURL, &n.RetryCount, &n.MaxRetries,
		&n.LastError, &n.ExpiresAt, &n.CreatedAt, &n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.TraceID); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	n.Payload = payload
	return &n, nil
}
