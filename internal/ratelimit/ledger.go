package ratelimit

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
)

// AdmissionResult is the outcome of one atomic check-and-increment.
// When Admitted is false, UsedAfter is the unchanged usage of the day.
type AdmissionResult struct {
	Admitted  bool
	UsedAfter int
	Limit     int
}

// Usage is a read-only snapshot of one principal's quota day.
type Usage struct {
	Used  int
	Limit int
}

// QuotaLedger stores per-principal daily usage. TryAdmit must perform the
// limit check and the increment as one storage-level atomic operation so
// that several gateway processes can share the same ledger. Storage failures
// are reported wrapped in domain.ErrLedgerUnavailable.
type QuotaLedger interface {
	TryAdmit(ctx context.Context, principalID string, day domain.QuotaDay, amount int, limit int) (AdmissionResult, error)
	// Peek never mutates. A day without a record reports zero usage and
	// fallbackLimit.
	Peek(ctx context.Context, principalID string, day domain.QuotaDay, fallbackLimit int) (Usage, error)
}

// ValidateAdmission checks the TryAdmit preconditions shared by every ledger.
func ValidateAdmission(principalID string, day domain.QuotaDay, amount int, limit int) error {
	switch {
	case principalID == "":
		return fmt.Errorf("%w: principal id is required", domain.ErrValidation)
	case day.IsZero():
		return fmt.Errorf("%w: quota day is required", domain.ErrValidation)
	case amount < 1:
		return fmt.Errorf("%w: requested amount must be >= 1", domain.ErrValidation)
	case limit < 1:
		return fmt.Errorf("%w: limit must be >= 1", domain.ErrValidation)
	}
	return nil
}
