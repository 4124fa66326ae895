// Package notify fans engine and dispatcher events out to operators:
// live SSE broadcasts for every event, persisted notifications with
// webhook delivery for the ones a subscription asks for.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/canopyhub/canopy/internal/application/dispatcher"
	"github.com/canopyhub/canopy/internal/domain/notification"
	"github.com/canopyhub/canopy/internal/domain/operation"
)

const (
	EventCheckpoint      = "checkpoint"
	EventOperationDone   = "operation_completed"
	EventOperationFailed = "operation_failed"
	EventMessageRejected = "message_rejected"
)

// Service handles notification fan-out and delivery.
type Service struct {
	repo   notification.Repository
	hub    notification.SSEHub
	client *http.Client
	logger zerolog.Logger
}

// NewService creates a notification service.
func NewService(repo notification.Repository, hub notification.SSEHub, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		hub:    hub,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("service", "notify").Logger(),
	}
}

// CheckpointCommitted broadcasts chunk progress. Checkpoints are
// ephemeral: they go over SSE only and are never persisted here, the
// signed row in the checkpoint table is the durable record.
func (s *Service) CheckpointCommitted(ctx context.Context, op *operation.Operation, cp *operation.Checkpoint) {
	data, err := json.Marshal(map[string]interface{}{
		"operationId":    op.OperationID,
		"seq":            cp.Seq,
		"chunkStart":     cp.ChunkStart,
		"chunkEnd":       cp.ChunkEnd,
		"itemsProcessed": cp.ItemsProcessed,
		"itemsTotal":     cp.ItemsTotal,
		"progress":       op.Progress(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal checkpoint event")
		return
	}
	s.hub.BroadcastToOperation(op.OperationID, notification.NewSSEMessage(EventCheckpoint, data))
}

// OperationCompleted persists a completion notification and broadcasts it.
func (s *Service) OperationCompleted(ctx context.Context, op *operation.Operation) {
	payload, _ := json.Marshal(map[string]interface{}{
		"operationId":    op.OperationID,
		"kind":           string(op.Kind),
		"itemsProcessed": op.ItemsProcessed,
		"itemsTotal":     op.ItemsTotal,
	})
	s.raise(ctx, notification.TopicOperationCompleted, notification.SeverityLow,
		"Operation completed",
		fmt.Sprintf("%s operation %s processed %d items", op.Kind, op.OperationID, op.ItemsProcessed),
		payload, &op.OperationID, nil, EventOperationDone)
}

// OperationFailed persists a failure notification and broadcasts it.
func (s *Service) OperationFailed(ctx context.Context, op *operation.Operation, reason string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"operationId":    op.OperationID,
		"kind":           string(op.Kind),
		"itemsProcessed": op.ItemsProcessed,
		"itemsTotal":     op.ItemsTotal,
		"reason":         reason,
	})
	s.raise(ctx, notification.TopicOperationFailed, notification.SeverityHigh,
		"Operation failed",
		fmt.Sprintf("%s operation %s failed: %s", op.Kind, op.OperationID, reason),
		payload, &op.OperationID, nil, EventOperationFailed)
}

// MessageRejected persists a rejection notification and broadcasts it.
func (s *Service) MessageRejected(ctx context.Context, originID uint32, guid string, stage dispatcher.Status, reason string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"originId": originID,
		"guid":     guid,
		"stage":    string(stage),
		"reason":   reason,
	})
	s.raise(ctx, notification.TopicMessageRejected, notification.SeverityMedium,
		"Message rejected",
		fmt.Sprintf("message %s from origin %d rejected at %s: %s", guid, originID, stage, reason),
		payload, nil, &guid, EventMessageRejected)
}

// raise broadcasts the event over SSE immediately and persists one
// pending webhook notification per matching subscription; the worker
// loop delivers those.
func (s *Service) raise(ctx context.Context, topic string, severity notification.Severity, title, body string, payload json.RawMessage, operationID, messageGUID *string, event string) {
	msg := notification.NewSSEMessage(event, payload)
	if operationID != nil {
		s.hub.BroadcastToOperation(*operationID, msg)
	} else {
		s.hub.BroadcastToAll(msg)
	}

	subs, err := s.repo.ListSubscriptions(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list subscriptions")
		return
	}
	for _, sub := range subs {
		if !sub.Matches(topic) {
			continue
		}
		n := notification.NewNotification(topic, notification.ChannelWebhook, severity, title, body, payload)
		n.SetSubject(operationID, messageGUID)
		n.WebhookURL = &sub.WebhookURL
		n.SetExpiry(time.Now().UTC().Add(24 * time.Hour))
		if err := s.repo.Create(ctx, n); err != nil {
			s.logger.Error().Err(err).
				Str("webhookUrl", sub.WebhookURL).
				Msg("failed to persist webhook notification")
		}
	}
}

// Send delivers one notification through its channel and records the
// attempt. The sent status is persisted before the delivery call.
func (s *Service) Send(ctx context.Context, notificationID uuid.UUID) error {
	n, err := s.repo.GetByID(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to get notification: %w", err)
	}
	if n == nil {
		return fmt.Errorf("notification not found: %s", notificationID)
	}

	if n.IsExpired() {
		_ = n.MarkExpired()
		if err := s.repo.Update(ctx, n); err != nil {
			s.logger.Warn().Err(err).
				Str("notificationId", n.NotificationID.String()).
				Msg("failed to persist expired status")
		}
		return notification.ErrExpired
	}

	attempt := notification.NewDeliveryAttempt(n.NotificationID, n.RetryCount+1)
	started := time.Now()

	if err := n.MarkSent(); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, n); err != nil {
		return fmt.Errorf("failed to persist sent status: %w", err)
	}

	var sendErr error
	switch n.Channel {
	case notification.ChannelSSE:
		s.broadcast(n)
	case notification.ChannelWebhook:
		sendErr = s.deliverWebhook(ctx, n, attempt)
	default:
		sendErr = fmt.Errorf("unsupported channel: %s", n.Channel)
	}

	attempt.DurationMs = int(time.Since(started).Milliseconds())
	if sendErr != nil {
		attempt.Status = notification.StatusFailed
		errMsg := sendErr.Error()
		attempt.ErrorMessage = &errMsg
		_ = n.MarkFailed(errMsg)
		s.logger.Warn().Err(sendErr).
			Str("notificationId", n.NotificationID.String()).
			Int("retryCount", n.RetryCount).
			Msg("notification delivery failed")
	} else {
		attempt.Status = notification.StatusDelivered
		_ = n.MarkDelivered()
	}

	var persistErr error
	if err := s.repo.Update(ctx, n); err != nil {
		persistErr = err
	}
	if err := s.repo.RecordAttempt(ctx, attempt); err != nil {
		persistErr = errors.Join(persistErr, err)
	}
	if sendErr != nil {
		return errors.Join(sendErr, persistErr)
	}
	return persistErr
}

func (s *Service) broadcast(n *notification.Notification) {
	msg := notification.NewSSEMessage(n.Topic, n.Payload)
	if n.OperationID != nil {
		s.hub.BroadcastToOperation(*n.OperationID, msg)
		return
	}
	s.hub.BroadcastToAll(msg)
}

func (s *Service) deliverWebhook(ctx context.Context, n *notification.Notification, attempt *notification.DeliveryAttempt) error {
	if n.WebhookURL == nil || *n.WebhookURL == "" {
		return fmt.Errorf("notification has no webhook url")
	}
	body, err := json.Marshal(map[string]interface{}{
		"notification_id": n.NotificationID.String(),
		"topic":           n.Topic,
		"severity":        string(n.Severity),
		"title":           n.Title,
		"body":            n.Body,
		"payload":         json.RawMessage(n.Payload),
		"created_at":      n.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", n.NotificationID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	code := resp.StatusCode
	attempt.ResponseCode = &code
	if len(respBody) > 0 {
		bodyStr := string(respBody)
		attempt.ResponseBody = &bodyStr
	}

	if code >= 200 && code < 300 {
		return nil
	}
	if code >= 400 && code < 500 {
		return fmt.Errorf("webhook rejected with status %d (permanent)", code)
	}
	return fmt.Errorf("webhook failed with status %d (retryable)", code)
}

// ProcessPending delivers queued notifications, returning the count sent.
func (s *Service) ProcessPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.repo.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	processed := 0
	for _, n := range pending {
		if err := s.Send(ctx, n.NotificationID); err != nil {
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessRetryable re-queues failed notifications with retry budget left.
func (s *Service) ProcessRetryable(ctx context.Context, limit int) (int, error) {
	failed, err := s.repo.ListRetryable(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable notifications: %w", err)
	}
	retried := 0
	for _, n := range failed {
		if err := n.ResetForRetry(); err != nil {
			continue
		}
		if err := s.repo.Update(ctx, n); err != nil {
			continue
		}
		if err := s.Send(ctx, n.NotificationID); err != nil {
			continue
		}
		retried++
	}
	return retried, nil
}

// Expire marks overdue notifications, returning the count expired.
func (s *Service) Expire(ctx context.Context) (int64, error) {
	return s.repo.Expire(ctx)
}

// Subscribe registers a standing webhook target.
func (s *Service) Subscribe(ctx context.Context, webhookURL string, topics []string) (*notification.Subscription, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	sub := &notification.Subscription{
		SubscriptionID: uuid.New(),
		WebhookURL:     webhookURL,
		Topics:         topics,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info().Str("webhookUrl", webhookURL).Msg("webhook subscription created")
	return sub, nil
}

// Unsubscribe removes a webhook subscription.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID uuid.UUID) error {
	return s.repo.DeleteSubscription(ctx, subscriptionID)
}

// Subscriptions returns every registered webhook subscription.
func (s *Service) Subscriptions(ctx context.Context) ([]*notification.Subscription, error) {
	return s.repo.ListSubscriptions(ctx)
}

// Get returns one notification by id, or nil.
func (s *Service) Get(ctx context.Context, notificationID uuid.UUID) (*notification.Notification, error) {
	return s.repo.GetByID(ctx, notificationID)
}

// List returns notifications matching the filter.
func (s *Service) List(ctx context.Context, filter notification.Filter, limit, offset int) ([]*notification.Notification, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Attempts returns the delivery history of one notification.
func (s *Service) Attempts(ctx context.Context, notificationID uuid.UUID) ([]*notification.DeliveryAttempt, error) {
	return s.repo.GetAttempts(ctx, notificationID)
}

// ClientCount reports connected SSE clients.
func (s *Service) ClientCount() int {
	return s.hub.GetClientCount()
}

// Run drives the delivery worker until ctx is cancelled: pending sends,
// retries, and expiry sweeps on one ticker.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", interval).Msg("notification worker started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification worker stopped")
			return
		case <-ticker.C:
			if _, err := s.ProcessPending(ctx, 32); err != nil {
				s.logger.Error().Err(err).Msg("pending pass failed")
			}
			if _, err := s.ProcessRetryable(ctx, 32); err != nil {
				s.logger.Error().Err(err).Msg("retry pass failed")
			}
			if _, err := s.Expire(ctx); err != nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
