package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"gorm.io/gorm"
)

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.SendAttempt) error
	GetByID(ctx context.Context, id string) (*domain.SendAttempt, error)
	// Claim marks a pending attempt as taken by one delivery. It reports
	// false without error when the attempt is terminal or already claimed.
	Claim(ctx context.Context, id string, at time.Time) (bool, error)
	// Finalize moves a pending attempt to a terminal outcome. It reports
	// false without error when the attempt was already finalized.
	Finalize(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error)
	// Abandon is Finalize restricted to attempts no worker has claimed.
	Abandon(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error)
	CountDelivered(ctx context.Context, principalID string) (int64, error)
	// ListStalePending returns pending attempts that are unclaimed and
	// created before createdBefore, or claimed before claimedBefore.
	ListStalePending(ctx context.Context, createdBefore time.Time, claimedBefore time.Time, limit int) ([]domain.SendAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.SendAttempt) error {
	if a == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Outcome == "" {
		a.Outcome = domain.OutcomePending
	}
	if a.Outcome != domain.OutcomePending {
		return fmt.Errorf("%w: new attempts must be pending, got %q", domain.ErrValidation, a.Outcome)
	}

	model := sendAttemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*a = *sendAttemptModelToDomain(model)
	return nil
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.SendAttempt, error) {
	var model SendAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sendAttemptModelToDomain(&model), nil
}

func (r *GormAttemptRepo) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SendAttemptModel{}).
		Where("id = ? AND outcome = ? AND claimed_at IS NULL", id, domain.OutcomePending).
		Update("claimed_at", at.UTC())
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

func (r *GormAttemptRepo) Finalize(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error) {
	return r.finalize(ctx, id, res, at, false)
}

func (r *GormAttemptRepo) Abandon(ctx context.Context, id string, res domain.Resolution, at time.Time) (bool, error) {
	return r.finalize(ctx, id, res, at, true)
}

func (r *GormAttemptRepo) finalize(ctx context.Context, id string, res domain.Resolution, at time.Time, unclaimedOnly bool) (bool, error) {
	if err := res.Validate(); err != nil {
		return false, err
	}

	updates := map[string]any{
		"outcome":      res.Outcome,
		"finalized_at": at.UTC(),
	}
	if res.Outcome == domain.OutcomeDelivered {
		updates["delivery_id"] = res.DeliveryID
	} else {
		updates["failure_reason"] = res.Reason
	}

	// The pending guard makes the first terminal write win; later writers
	// match no row.
	query := r.db.WithContext(ctx).
		Model(&SendAttemptModel{}).
		Where("id = ? AND outcome = ?", id, domain.OutcomePending)
	if unclaimedOnly {
		query = query.Where("claimed_at IS NULL")
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}
	return false, r.ensureExists(ctx, id)
}

// ensureExists tells a guarded no-op apart from a missing row.
func (r *GormAttemptRepo) ensureExists(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&SendAttemptModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAttemptRepo) CountDelivered(ctx context.Context, principalID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SendAttemptModel{}).
		Where("principal_id = ? AND outcome = ?", principalID, domain.OutcomeDelivered).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *GormAttemptRepo) ListStalePending(
	ctx context.Context,
	createdBefore time.Time,
	claimedBefore time.Time,
	limit int,
) ([]domain.SendAttempt, error) {
	if limit < 1 {
		limit = 100
	}

	var models []SendAttemptModel
	err := r.db.WithContext(ctx).
		Where("outcome = ?", domain.OutcomePending).
		Where(
			r.db.Where("claimed_at IS NULL AND created_at < ?", createdBefore.UTC()).
				Or("claimed_at < ?", claimedBefore.UTC()),
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.SendAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *sendAttemptModelToDomain(&models[i]))
	}
	return attempts, nil
}
