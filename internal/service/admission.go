package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"go.uber.org/zap"
)

type DecisionKind int

const (
	// DecisionIndeterminate is the zero value so an unset decision never
	// reads as allowed.
	DecisionIndeterminate DecisionKind = iota
	DecisionAllowed
	DecisionDenied
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "indeterminate"
	}
}

// Decision is the result of one admission check. RetryAfter is set only for
// denied decisions.
type Decision struct {
	Kind       DecisionKind
	Used       int
	Requested  int
	Limit      int
	Remaining  int
	RetryAfter int
}

func (d Decision) Allowed() bool { return d.Kind == DecisionAllowed }

func (d Decision) Denied() bool { return d.Kind == DecisionDenied }

// QuotaUsage is the read-only usage report of one principal.
type QuotaUsage struct {
	PrincipalID string
	Day         domain.QuotaDay
	Used        int
	Limit       int
	Remaining   int
	ResetAt     time.Time
	TotalSent   int64
}

// AdmissionDecider admits or denies send requests against the daily quota.
type AdmissionDecider struct {
	ledger   ratelimit.QuotaLedger
	attempts repository.AttemptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func NewAdmissionDecider(
	ledger ratelimit.QuotaLedger,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*AdmissionDecider, error) {
	if ledger == nil {
		return nil, fmt.Errorf("quota ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AdmissionDecider{
		ledger:   ledger,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Decide consumes amount units of today's quota or denies the whole amount.
// Ledger failures yield an indeterminate decision and an error wrapping
// domain.ErrLedgerUnavailable.
func (d *AdmissionDecider) Decide(ctx context.Context, principal *domain.Principal, amount int) (Decision, error) {
	if principal == nil {
		return Decision{}, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}
	if !principal.Active {
		return Decision{}, fmt.Errorf("%w: principal %s is inactive", domain.ErrInactiveKey, principal.ID)
	}

	logger := observability.WithContextLogger(d.logger, ctx).With(zap.String("principalId", principal.ID))

	now := d.now()
	day := domain.QuotaDayOf(now)
	limit := principal.DailyLimit

	result, err := d.ledger.TryAdmit(ctx, principal.ID, day, amount, limit)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return Decision{}, err
		}
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
		}

		d.record(DecisionIndeterminate)
		logger.Error("quota ledger unavailable, rejecting request",
			zap.String("day", day.String()),
			zap.Error(err),
		)
		return Decision{Kind: DecisionIndeterminate, Requested: amount, Limit: limit}, err
	}

	if result.Limit > 0 {
		limit = result.Limit
	}

	if result.Admitted {
		d.record(DecisionAllowed)
		logger.Debug("send admitted",
			zap.Int("usedAfter", result.UsedAfter),
			zap.Int("limit", limit),
		)
		return Decision{
			Kind:      DecisionAllowed,
			Used:      result.UsedAfter,
			Requested: amount,
			Limit:     limit,
			Remaining: remaining(limit, result.UsedAfter),
		}, nil
	}

	retryAfter := domain.RetryAfter(now)
	d.record(DecisionDenied)
	logger.Info("daily quota exhausted",
		zap.Int("used", result.UsedAfter),
		zap.Int("requested", amount),
		zap.Int("limit", limit),
		zap.Int("retryAfter", retryAfter),
	)

	return Decision{
		Kind:       DecisionDenied,
		Used:       result.UsedAfter,
		Requested:  amount,
		Limit:      limit,
		Remaining:  remaining(limit, result.UsedAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Usage reports today's quota without consuming any of it.
func (d *AdmissionDecider) Usage(ctx context.Context, principal *domain.Principal) (QuotaUsage, error) {
	if principal == nil {
		return QuotaUsage{}, fmt.Errorf("%w: principal is required", domain.ErrValidation)
	}

	day := domain.QuotaDayOf(d.now())
	usage, err := d.ledger.Peek(ctx, principal.ID, day, principal.DailyLimit)
	if err != nil {
		return QuotaUsage{}, err
	}

	report := QuotaUsage{
		PrincipalID: principal.ID,
		Day:         day,
		Used:        usage.Used,
		Limit:       principal.DailyLimit,
		Remaining:   remaining(principal.DailyLimit, usage.Used),
		ResetAt:     day.ResetAt(),
	}

	if d.attempts != nil {
		total, err := d.attempts.CountDelivered(ctx, principal.ID)
		if err != nil {
			return QuotaUsage{}, fmt.Errorf("failed to count delivered attempts: %w", err)
		}
		report.TotalSent = total
	}

	return report, nil
}

func (d *AdmissionDecider) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *AdmissionDecider) record(kind DecisionKind) {
	if d.metrics != nil {
		d.metrics.IncAdmissionDecision(kind.String())
	}
}

func remaining(limit int, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
