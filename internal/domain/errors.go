package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrUnauthorized means the API key is missing or unknown.
	ErrUnauthorized = errors.New("invalid api key")
	// ErrInactiveKey means the API key exists but has been disabled.
	ErrInactiveKey = errors.New("api key is disabled")

	// ErrLedgerUnavailable is returned when the quota ledger cannot be reached.
	// Admission fails closed on it.
	ErrLedgerUnavailable = errors.New("quota ledger unavailable")
	// ErrRecordingFailed is returned when the attempt row could not be persisted
	// after quota was already consumed.
	ErrRecordingFailed = errors.New("failed to record send attempt")
	// ErrDispatchUnavailable is returned when an admitted attempt could not be
	// handed to the delivery queue.
	ErrDispatchUnavailable = errors.New("delivery queue unavailable")

	ErrDomainNotAllowed = errors.New("recipient domain not allowed")
)
