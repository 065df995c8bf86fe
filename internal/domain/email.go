package domain

import (
	"fmt"
	"net/mail"
	"strings"
)

const MaxSubjectLength = 256

// Headers that the gateway sets itself and callers may not override.
var reservedHeaders = map[string]struct{}{
	"from":       {},
	"to":         {},
	"cc":         {},
	"bcc":        {},
	"subject":    {},
	"message-id": {},
}

// Email is one outbound message to a single recipient.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Normalize trims addresses and subject in place.
func (e *Email) Normalize() {
	if e == nil {
		return
	}
	e.To = strings.TrimSpace(e.To)
	e.Subject = strings.TrimSpace(e.Subject)
}

func (e *Email) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if e.To == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(e.To)
	if err != nil || addr.Address != e.To {
		return fmt.Errorf("%w: invalid recipient address %q", ErrValidation, e.To)
	}
	if e.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if n := len([]rune(e.Subject)); n > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters (got %d)", ErrValidation, MaxSubjectLength, n)
	}
	if strings.ContainsAny(e.Subject, "\r\n") {
		return fmt.Errorf("%w: subject must be a single line", ErrValidation)
	}
	if strings.TrimSpace(e.HTML) == "" && strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("%w: either html or text body is required", ErrValidation)
	}

	for name, value := range e.Headers {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" || strings.ContainsAny(name, ":\r\n ") {
			return fmt.Errorf("%w: invalid header name %q", ErrValidation, name)
		}
		if _, reserved := reservedHeaders[strings.ToLower(trimmed)]; reserved {
			return fmt.Errorf("%w: header %q cannot be overridden", ErrValidation, trimmed)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: header %q value must be a single line", ErrValidation, trimmed)
		}
	}

	return nil
}
