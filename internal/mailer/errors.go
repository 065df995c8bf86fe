package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// DeliveryError is a failed upstream call. Reason is what gets recorded on
// the attempt.
type DeliveryError struct {
	Code      int
	Reason    string
	Transient bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "delivery failed")

	if e.Code > 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		parts = append(parts, reason)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether the upstream may accept the same message later.
// The gateway does not retry; the flag is kept for logs and metrics.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// FailureReason renders err for the attempt record.
func FailureReason(err error) string {
	if err == nil {
		return ""
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		reason := strings.TrimSpace(deliveryErr.Reason)
		if deliveryErr.Cause != nil {
			if reason == "" {
				return deliveryErr.Cause.Error()
			}
			return reason + ": " + deliveryErr.Cause.Error()
		}
		if reason != "" {
			return reason
		}
	}

	return err.Error()
}
