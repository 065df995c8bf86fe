package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/mailer"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/queue"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	minWorkerConcurrency   = 1
	defaultDeliveryTimeout = 30 * time.Second
	finalizeTimeout        = 5 * time.Second

	// Throttle scope shared by every worker of the upstream.
	upstreamThrottleScope = "upstream"
)

type WorkerConfig struct {
	Concurrency     int
	DeliveryTimeout time.Duration
	// Transport labels delivery metrics, e.g. smtp or webhook.
	Transport string
}

type deliveryResult struct {
	deliveryID string
	err        error
}

// DeliveryWorker consumes queued attempts, delivers them and finalizes each
// attempt exactly once.
type DeliveryWorker struct {
	attempts  repository.AttemptRepository
	consumer  queue.Consumer
	deliverer mailer.Deliverer
	throttle  ratelimit.Throttle
	logger    *zap.Logger
	metrics   *observability.Metrics
	cfg       WorkerConfig
	now       func() time.Time
}

// NewDeliveryWorker builds a worker. throttle may be nil.
func NewDeliveryWorker(
	attempts repository.AttemptRepository,
	consumer queue.Consumer,
	deliverer mailer.Deliverer,
	throttle ratelimit.Throttle,
	cfg WorkerConfig,
	logger *zap.Logger,
) (*DeliveryWorker, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if cfg.Concurrency < minWorkerConcurrency {
		cfg.Concurrency = minWorkerConcurrency
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = "unknown"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DeliveryWorker{
		attempts:  attempts,
		consumer:  consumer,
		deliverer: deliverer,
		throttle:  throttle,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Start runs the consumers until ctx is canceled.
func (w *DeliveryWorker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1

		g.Go(func() error {
			w.logger.Info("worker started", zap.Int("workerId", workerID))

			if err := w.consumer.Consume(groupCtx, w.processMessage); err != nil {
				w.logger.Error("worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}

			w.logger.Info("worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (w *DeliveryWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

func (w *DeliveryWorker) processMessage(ctx context.Context, msg queue.DeliveryMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid delivery message: %w", err)
	}

	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(w.logger, ctx).With(
		zap.String("attemptId", msg.AttemptID),
		zap.String("principalId", msg.PrincipalID),
	)

	if w.metrics != nil {
		w.metrics.IncWorkerInFlight()
		defer w.metrics.DecWorkerInFlight()
	}

	// Redelivered or abandoned attempts are acked without a second send.
	claimed, err := w.claim(ctx, logger, msg.AttemptID)
	if err != nil || !claimed {
		return err
	}

	if !domain.DomainAllowed(msg.To, msg.AllowedDomains) {
		logger.Info("recipient domain not allowed",
			zap.String("recipientDomain", domain.RecipientDomain(msg.To)),
		)
		return w.finalize(ctx, logger, msg.AttemptID, domain.Failed(domain.ReasonDomainNotAllowed))
	}

	// In-flight deliveries finish on shutdown; the deadline still bounds them.
	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DeliveryTimeout)
	defer cancel()

	if w.throttle != nil {
		if err := w.throttle.Wait(deliverCtx, upstreamThrottleScope); err != nil {
			if deliverCtx.Err() != nil {
				return w.finalize(ctx, logger, msg.AttemptID, domain.Failed(domain.ReasonTimeout))
			}
			logger.Warn("upstream throttle unavailable, delivering unpaced", zap.Error(err))
		}
	}

	env := mailer.EnvelopeFromEmail(msg.Email(), msg.CorrelationID)
	done := make(chan deliveryResult, 1)
	start := w.now()
	go func() {
		id, err := w.deliverer.Deliver(deliverCtx, env)
		done <- deliveryResult{deliveryID: id, err: err}
	}()

	select {
	case res := <-done:
		w.observeDelivery(start)
		return w.finalize(ctx, logger, msg.AttemptID, w.resolve(deliverCtx, res))
	case <-deliverCtx.Done():
		logger.Warn("delivery timed out", zap.Duration("timeout", w.cfg.DeliveryTimeout))
		err := w.finalize(ctx, logger, msg.AttemptID, domain.Failed(domain.ReasonTimeout))

		// The late result races the timeout write and loses.
		go func() {
			res := <-done
			w.observeDelivery(start)
			_ = w.finalize(ctx, logger, msg.AttemptID, w.resolve(deliverCtx, res))
		}()
		return err
	}
}

func (w *DeliveryWorker) resolve(deliverCtx context.Context, res deliveryResult) domain.Resolution {
	if res.err == nil {
		if res.deliveryID == "" {
			return domain.Failed("upstream returned no delivery id")
		}
		return domain.Delivered(res.deliveryID)
	}
	if errors.Is(res.err, context.DeadlineExceeded) && deliverCtx.Err() != nil {
		return domain.Failed(domain.ReasonTimeout)
	}
	return domain.Failed(mailer.FailureReason(res.err))
}

func (w *DeliveryWorker) claim(ctx context.Context, logger *zap.Logger, attemptID string) (bool, error) {
	claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	claimed, err := w.attempts.Claim(claimCtx, attemptID, w.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("attempt not found during claim, skipping")
			return false, nil
		}
		return false, fmt.Errorf("failed to claim attempt: %w", err)
	}
	if claimed {
		return true, nil
	}

	attempt, err := w.attempts.GetByID(claimCtx, attemptID)
	if err != nil {
		logger.Warn("attempt not claimable, skipping delivery", zap.Error(err))
		return false, nil
	}
	if attempt.Outcome.IsTerminal() {
		logger.Info("attempt already finalized, skipping delivery",
			zap.String("outcome", attempt.Outcome.String()),
			zap.Stringp("reason", attempt.FailureReason),
		)
		return false, nil
	}
	logger.Warn("attempt already claimed by another delivery, skipping")
	return false, nil
}

func (w *DeliveryWorker) finalize(ctx context.Context, logger *zap.Logger, attemptID string, res domain.Resolution) error {
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	applied, err := w.attempts.Finalize(finalizeCtx, attemptID, res, w.now())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.Warn("attempt not found during finalize, skipping")
			return nil
		}
		return fmt.Errorf("failed to finalize attempt: %w", err)
	}

	if !applied {
		logger.Info("attempt already finalized, keeping first outcome",
			zap.String("discardedOutcome", res.Outcome.String()),
		)
		return nil
	}

	if w.metrics != nil {
		w.metrics.IncAttemptFinalized(res.Outcome.String(), res.Reason)
	}

	if res.Outcome == domain.OutcomeDelivered {
		logger.Info("attempt delivered", zap.String("deliveryId", res.DeliveryID))
	} else {
		logger.Warn("attempt failed", zap.String("reason", res.Reason))
	}
	return nil
}

func (w *DeliveryWorker) observeDelivery(start time.Time) {
	if w.metrics != nil {
		w.metrics.ObserveDeliveryDuration(w.cfg.Transport, w.now().Sub(start))
	}
}
