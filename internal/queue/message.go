package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/mail-gateway/internal/domain"
)

// DeliveryMessage carries everything a worker needs to deliver one admitted
// attempt without reading the request again.
type DeliveryMessage struct {
	AttemptID      string            `json:"attemptId"`
	PrincipalID    string            `json:"principalId"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	To             string            `json:"to"`
	Subject        string            `json:"subject"`
	HTML           string            `json:"html,omitempty"`
	Text           string            `json:"text,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	AllowedDomains []string          `json:"allowedDomains,omitempty"`
	EnqueuedAt     time.Time         `json:"enqueuedAt"`
}

func (m DeliveryMessage) Validate() error {
	if strings.TrimSpace(m.AttemptID) == "" {
		return fmt.Errorf("attemptId is required")
	}
	if strings.TrimSpace(m.PrincipalID) == "" {
		return fmt.Errorf("principalId is required")
	}
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("to is required")
	}
	return nil
}

// Email rebuilds the message payload.
func (m DeliveryMessage) Email() domain.Email {
	return domain.Email{
		To:      m.To,
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
		Headers: m.Headers,
	}
}
