package queue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultLocalQueueSize = 1024

var (
	_ Publisher = (*LocalQueue)(nil)
	_ Consumer  = (*LocalQueue)(nil)
)

// LocalQueue is an in-process buffered queue used when no broker is
// configured. Messages still buffered when the process exits are lost; their
// attempts stay pending until the stale-attempt reaper fails them.
type LocalQueue struct {
	mu     sync.RWMutex
	ch     chan DeliveryMessage
	closed bool
	done   chan struct{}
	logger *zap.Logger
}

func NewLocalQueue(size int, logger *zap.Logger) *LocalQueue {
	if size < 1 {
		size = defaultLocalQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalQueue{
		ch:     make(chan DeliveryMessage, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish waits for buffer space until ctx ends.
func (q *LocalQueue) Publish(ctx context.Context, msg DeliveryMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid delivery message: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrQueueFull, ctx.Err())
	}
}

// Consume may be called from several goroutines; each message is handled
// by exactly one of them.
func (q *LocalQueue) Consume(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case msg := <-q.ch:
			// Handler errors are final for the local queue; the attempt is
			// left to the reaper.
			if err := handler(ctx, msg); err != nil {
				q.logger.Error("delivery handler failed, dropping message",
					zap.Error(err),
					zap.String("attemptId", msg.AttemptID),
				)
			}
		}
	}
}

// Len reports the number of buffered messages.
func (q *LocalQueue) Len() int {
	return len(q.ch)
}

func (q *LocalQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
