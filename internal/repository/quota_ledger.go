package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/mail-gateway/internal/domain"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// admitSQL increments only while the guard holds. Writers of the same row
// are serialized by the database and re-check the guard against the
// committed value, so no interleaving can push used past the limit.
const admitSQL = `UPDATE daily_usage
SET used = used + ?, daily_limit = ?, updated_at = ?
WHERE principal_id = ? AND day = ? AND used + ? <= ?
RETURNING used`

var _ ratelimit.QuotaLedger = (*GormQuotaLedger)(nil)

// GormQuotaLedger keeps the quota ledger in the daily_usage table.
type GormQuotaLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormQuotaLedger(db *gorm.DB) *GormQuotaLedger {
	return &GormQuotaLedger{db: db, now: time.Now}
}

func (l *GormQuotaLedger) TryAdmit(
	ctx context.Context,
	principalID string,
	day domain.QuotaDay,
	amount int,
	limit int,
) (ratelimit.AdmissionResult, error) {
	if err := ratelimit.ValidateAdmission(principalID, day, amount, limit); err != nil {
		return ratelimit.AdmissionResult{}, err
	}

	now := l.now().UTC()
	db := l.db.WithContext(ctx)

	row := DailyUsageModel{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Day:         day.String(),
		Used:        0,
		DailyLimit:  limit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "principal_id"}, {Name: "day"}},
		DoNothing: true,
	}).Create(&row).Error
	if err != nil {
		return ratelimit.AdmissionResult{}, ledgerError("ensure quota row", err)
	}

	var updated []struct {
		Used int
	}
	err = db.Raw(admitSQL, amount, limit, now, principalID, day.String(), amount, limit).Scan(&updated).Error
	if err != nil {
		return ratelimit.AdmissionResult{}, ledgerError("admit", err)
	}
	if len(updated) == 1 {
		return ratelimit.AdmissionResult{Admitted: true, UsedAfter: updated[0].Used, Limit: limit}, nil
	}

	var current DailyUsageModel
	err = db.Select("used").
		Where("principal_id = ? AND day = ?", principalID, day.String()).
		First(&current).Error
	if err != nil {
		return ratelimit.AdmissionResult{}, ledgerError("read denied usage", err)
	}

	return ratelimit.AdmissionResult{Admitted: false, UsedAfter: current.Used, Limit: limit}, nil
}

func (l *GormQuotaLedger) Peek(
	ctx context.Context,
	principalID string,
	day domain.QuotaDay,
	fallbackLimit int,
) (ratelimit.Usage, error) {
	var model DailyUsageModel
	err := l.db.WithContext(ctx).
		Where("principal_id = ? AND day = ?", principalID, day.String()).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ratelimit.Usage{Used: 0, Limit: fallbackLimit}, nil
	}
	if err != nil {
		return ratelimit.Usage{}, ledgerError("peek", err)
	}

	return ratelimit.Usage{Used: model.Used, Limit: model.DailyLimit}, nil
}

func ledgerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrLedgerUnavailable, op, err)
}
