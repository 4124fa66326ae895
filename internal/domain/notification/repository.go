package notification

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository,SSEHub

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines notification persistence.
type Repository interface {
	Create(ctx context.Context, notification *Notification) error
	GetByID(ctx context.Context, notificationID uuid.UUID) (*Notification, error)
	// GetByOperationID returns every notification raised by one bulk
	// operation, oldest first.
	GetByOperationID(ctx context.Context, operationID string) ([]*Notification, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Notification, error)
	Update(ctx context.Context, notification *Notification) error

	// Delivery attempts
	RecordAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*DeliveryAttempt, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context) ([]*Subscription, error)
	DeleteSubscription(ctx context.Context, subscriptionID uuid.UUID) error

	// Worker support
	ListPending(ctx context.Context, limit int) ([]*Notification, error)
	ListRetryable(ctx context.Context, limit int) ([]*Notification, error)
	Expire(ctx context.Context) (int64, error)
}

// SSEHub manages live event-stream connections.
type SSEHub interface {
	Register(client *SSEClient)
	Unregister(clientID string)
	GetClient(clientID string) *SSEClient
	GetClientCount() int

	// BroadcastToAll reaches every connected client regardless of filter.
	BroadcastToAll(message *SSEMessage)
	// BroadcastToOperation reaches clients following that operation plus
	// all unfiltered clients.
	BroadcastToOperation(operationID string, message *SSEMessage)
	SendToClient(clientID string, message *SSEMessage) error

	Stop()
}
