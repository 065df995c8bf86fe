package mailer

import (
	"context"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
)

// Deliverer hands one message to the upstream transport and returns the
// identifier the upstream assigned to it.
type Deliverer interface {
	Deliver(ctx context.Context, env Envelope) (string, error)
}

// Envelope is a single outbound message.
type Envelope struct {
	To            string
	Subject       string
	HTML          string
	Text          string
	Headers       map[string]string
	CorrelationID string
}

func EnvelopeFromEmail(email domain.Email, correlationID string) Envelope {
	return Envelope{
		To:            email.To,
		Subject:       email.Subject,
		HTML:          email.HTML,
		Text:          email.Text,
		Headers:       email.Headers,
		CorrelationID: correlationID,
	}
}
