package queue

import (
	"context"
	"errors"
)

const (
	// DeliveryQueue is the RabbitMQ work queue for admitted attempts.
	DeliveryQueue = "mail.delivery"
	// DeliveryDLQ receives messages a worker rejected.
	DeliveryDLQ = "dlq.mail.delivery"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	ErrQueueFull   = errors.New("queue is full")
)

// Publisher hands admitted attempts to delivery workers.
type Publisher interface {
	Publish(ctx context.Context, msg DeliveryMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message. A returned error means
// the message could not be processed and must not be redelivered as-is.
type MessageHandler func(ctx context.Context, msg DeliveryMessage) error

// Consumer feeds queued messages to a handler until ctx is canceled.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}
