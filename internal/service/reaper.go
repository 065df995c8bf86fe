package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultReaperSchedule = "@every 1m"
	defaultStaleAge       = 10 * time.Minute
	defaultClaimTimeout   = 2 * defaultDeliveryTimeout
	defaultReaperBatch    = 100
)

type ReaperConfig struct {
	Schedule string
	// StaleAge bounds how long an attempt may wait in the queue unclaimed.
	StaleAge time.Duration
	// ClaimTimeout bounds how long a claimed attempt may stay pending. It
	// must exceed the worker delivery timeout.
	ClaimTimeout time.Duration
}

// StaleAttemptReaper fails attempts that stayed pending longer than any
// delivery could take, e.g. because the process died mid-delivery.
type StaleAttemptReaper struct {
	attempts repository.AttemptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      ReaperConfig
	limit    int
	now      func() time.Time
}

func NewStaleAttemptReaper(
	attempts repository.AttemptRepository,
	cfg ReaperConfig,
	logger *zap.Logger,
) (*StaleAttemptReaper, error) {
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultReaperSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = defaultStaleAge
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleAttemptReaper{
		attempts: attempts,
		logger:   logger,
		cfg:      cfg,
		limit:    defaultReaperBatch,
		now:      time.Now,
	}, nil
}

// Start sweeps once, then on every schedule tick until ctx is canceled.
func (r *StaleAttemptReaper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("reaper initial sweep failed", zap.Error(err))
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reaper: %w", err)
	}

	c.Start()
	r.logger.Info("stale attempt reaper started",
		zap.String("schedule", r.cfg.Schedule),
		zap.Duration("staleAge", r.cfg.StaleAge),
		zap.Duration("claimTimeout", r.cfg.ClaimTimeout),
	)

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("stale attempt reaper stopped")
	return nil
}

// Sweep fails one batch of stale pending attempts and returns how many it
// finalized.
func (r *StaleAttemptReaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.attempts.ListStalePending(ctx, now.Add(-r.cfg.StaleAge), now.Add(-r.cfg.ClaimTimeout), r.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale attempts: %w", err)
	}

	reaped := 0
	for i := range stale {
		attempt := stale[i]
		applied, err := r.reap(ctx, &attempt)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			r.logger.Error("failed to reap stale attempt",
				zap.String("attemptId", attempt.ID),
				zap.Error(err),
			)
			continue
		}
		if !applied {
			continue
		}

		reaped++
		if r.metrics != nil {
			r.metrics.IncAttemptFinalized(domain.OutcomeFailed.String(), domain.ReasonTimeout)
		}
		r.logger.Warn("stale attempt failed",
			zap.String("attemptId", attempt.ID),
			zap.String("principalId", attempt.PrincipalID),
			zap.Time("createdAt", attempt.CreatedAt),
			zap.Bool("claimed", attempt.ClaimedAt != nil),
		)
	}

	if r.metrics != nil && reaped > 0 {
		r.metrics.IncReapedAttempts(reaped)
	}
	return reaped, nil
}

// reap fails one attempt. An unclaimed attempt is only failed while it
// stays unclaimed, so a worker that takes it first keeps it.
func (r *StaleAttemptReaper) reap(ctx context.Context, attempt *domain.SendAttempt) (bool, error) {
	res := domain.Failed(domain.ReasonTimeout)
	if attempt.ClaimedAt == nil {
		return r.attempts.Abandon(ctx, attempt.ID, res, r.now())
	}
	return r.attempts.Finalize(ctx, attempt.ID, res, r.now())
}

func (r *StaleAttemptReaper) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}
