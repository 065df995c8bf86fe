package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the lifecycle state of a send attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) String() string { return string(o) }

// IsTerminal reports whether no further transition is allowed.
func (o Outcome) IsTerminal() bool {
	return o == OutcomeDelivered || o == OutcomeFailed
}

// Failure reasons recorded on failed attempts.
const (
	ReasonDomainNotAllowed = "domain_not_allowed"
	ReasonTimeout          = "timeout"
	ReasonEnqueueFailed    = "enqueue_failed"
)

// SendAttempt is the audit row of one admitted send request.
type SendAttempt struct {
	ID            string
	PrincipalID   string
	Recipient     string
	Subject       string
	CorrelationID string
	Outcome       Outcome
	DeliveryID    *string
	FailureReason *string
	CreatedAt     time.Time
	// ClaimedAt is set once a delivery worker takes the attempt.
	ClaimedAt     *time.Time
	FinalizedAt   *time.Time
}

// Resolution is the terminal write applied to a pending attempt.
type Resolution struct {
	Outcome    Outcome
	DeliveryID string
	Reason     string
}

func Delivered(deliveryID string) Resolution {
	return Resolution{Outcome: OutcomeDelivered, DeliveryID: deliveryID}
}

func Failed(reason string) Resolution {
	return Resolution{Outcome: OutcomeFailed, Reason: reason}
}

func (r Resolution) Validate() error {
	switch r.Outcome {
	case OutcomeDelivered:
		if strings.TrimSpace(r.DeliveryID) == "" {
			return fmt.Errorf("%w: delivered resolution requires a delivery id", ErrValidation)
		}
	case OutcomeFailed:
		if strings.TrimSpace(r.Reason) == "" {
			return fmt.Errorf("%w: failed resolution requires a reason", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: resolution outcome must be terminal, got %q", ErrValidation, r.Outcome)
	}
	return nil
}
