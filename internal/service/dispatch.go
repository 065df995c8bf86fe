package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/queue"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"go.uber.org/zap"
)

const (
	StatusQueued = "queued"

	defaultRecordTimeout  = 5 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

type SubmissionResult struct {
	Status    string
	AttemptID string
}

// DispatchCoordinator records an admitted send and hands it to the delivery
// workers without waiting for the upstream.
type DispatchCoordinator struct {
	attempts       repository.AttemptRepository
	publisher      queue.Publisher
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	newID          func() string
	recordTimeout  time.Duration
	publishTimeout time.Duration
}

func NewDispatchCoordinator(
	attempts repository.AttemptRepository,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*DispatchCoordinator, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchCoordinator{
		attempts:       attempts,
		publisher:      publisher,
		logger:         logger,
		now:            time.Now,
		newID:          uuid.NewString,
		recordTimeout:  defaultRecordTimeout,
		publishTimeout: defaultPublishTimeout,
	}, nil
}

// Submit persists a pending attempt and enqueues its delivery. The attempt
// is written even if ctx is canceled, since the quota for it is already
// spent. If the hand-off fails the attempt is finalized as enqueue_failed
// and domain.ErrDispatchUnavailable is returned.
func (c *DispatchCoordinator) Submit(ctx context.Context, principal *domain.Principal, email domain.Email) (*SubmissionResult, error) {
	if principal == nil {
		return nil, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}
	email.Normalize()
	if err := email.Validate(); err != nil {
		return nil, err
	}

	ctx, correlationID := observability.EnsureCorrelationID(ctx)
	detached := context.WithoutCancel(ctx)

	attempt := &domain.SendAttempt{
		ID:            c.newID(),
		PrincipalID:   principal.ID,
		Recipient:     email.To,
		Subject:       email.Subject,
		CorrelationID: correlationID,
		Outcome:       domain.OutcomePending,
		CreatedAt:     c.now().UTC(),
	}

	logger := observability.WithContextLogger(c.logger, ctx).With(
		zap.String("principalId", principal.ID),
		zap.String("attemptId", attempt.ID),
	)

	recordCtx, cancelRecord := context.WithTimeout(detached, c.recordTimeout)
	err := c.attempts.Create(recordCtx, attempt)
	cancelRecord()
	if err != nil {
		logger.Error("failed to record send attempt", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrRecordingFailed, err)
	}

	msg := queue.DeliveryMessage{
		AttemptID:      attempt.ID,
		PrincipalID:    principal.ID,
		CorrelationID:  correlationID,
		To:             email.To,
		Subject:        email.Subject,
		HTML:           email.HTML,
		Text:           email.Text,
		Headers:        email.Headers,
		AllowedDomains: principal.AllowedRecipientDomains,
		EnqueuedAt:     c.now().UTC(),
	}

	publishCtx, cancelPublish := context.WithTimeout(detached, c.publishTimeout)
	err = c.publisher.Publish(publishCtx, msg)
	cancelPublish()
	if err != nil {
		logger.Error("failed to enqueue send attempt", zap.Error(err))
		if !c.failUnqueued(detached, logger, attempt.ID) {
			return nil, fmt.Errorf("%w: %w", domain.ErrDispatchUnavailable, err)
		}
	}

	logger.Info("send attempt queued")
	return &SubmissionResult{Status: StatusQueued, AttemptID: attempt.ID}, nil
}

func (c *DispatchCoordinator) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

// failUnqueued fails an attempt whose publish errored. It reports true when
// a worker already took the message, i.e. the publish did go through.
func (c *DispatchCoordinator) failUnqueued(ctx context.Context, logger *zap.Logger, attemptID string) bool {
	finalizeCtx, cancel := context.WithTimeout(ctx, c.recordTimeout)
	defer cancel()

	applied, err := c.attempts.Abandon(finalizeCtx, attemptID, domain.Failed(domain.ReasonEnqueueFailed), c.now())
	if err != nil {
		// The reaper fails it later.
		logger.Error("failed to finalize unqueued attempt", zap.Error(err))
		return false
	}
	if !applied {
		logger.Warn("publish reported failure but a worker already took the attempt")
		return true
	}
	if c.metrics != nil {
		c.metrics.IncAttemptFinalized(domain.OutcomeFailed.String(), domain.ReasonEnqueueFailed)
	}
	return false
}
