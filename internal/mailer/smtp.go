package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

const defaultSMTPTimeout = 15 * time.Second

// SMTPConfig describes the upstream relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	StartTLS bool
	From     string
	Timeout  time.Duration
}

// SMTPDeliverer relays messages through one SMTP upstream. A connection is
// opened per message.
type SMTPDeliverer struct {
	from    string
	options []mail.Option
	host    string
}

func NewSMTPDeliverer(cfg SMTPConfig) (*SMTPDeliverer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("from address is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}

	options := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.StartTLS {
		options = append(options, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		options = append(options, mail.WithTLSPolicy(mail.NoTLS))
	}
	if cfg.Username != "" {
		options = append(options,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	// Validate the options once so misconfiguration fails at startup.
	if _, err := mail.NewClient(host, options...); err != nil {
		return nil, fmt.Errorf("invalid smtp configuration: %w", err)
	}

	return &SMTPDeliverer{
		from:    cfg.From,
		options: options,
		host:    host,
	}, nil
}

func (d *SMTPDeliverer) Deliver(ctx context.Context, env Envelope) (string, error) {
	if d == nil {
		return "", fmt.Errorf("smtp deliverer is not initialized")
	}

	msg, err := d.buildMessage(env)
	if err != nil {
		return "", &DeliveryError{Reason: "invalid message", Cause: err}
	}

	client, err := mail.NewClient(d.host, d.options...)
	if err != nil {
		return "", &DeliveryError{Reason: "smtp client setup failed", Cause: err}
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", classifySMTPError(err)
	}

	return messageID(msg), nil
}

func (d *SMTPDeliverer) buildMessage(env Envelope) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(d.from); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(env.To); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	msg.Subject(env.Subject)
	msg.SetDate()
	msg.SetMessageID()

	for name, value := range env.Headers {
		msg.SetGenHeader(mail.Header(name), value)
	}
	if env.CorrelationID != "" {
		msg.SetGenHeader(mail.Header("X-Correlation-ID"), env.CorrelationID)
	}

	switch {
	case env.Text != "" && env.HTML != "":
		msg.SetBodyString(mail.TypeTextPlain, env.Text)
		msg.AddAlternativeString(mail.TypeTextHTML, env.HTML)
	case env.HTML != "":
		msg.SetBodyString(mail.TypeTextHTML, env.HTML)
	default:
		msg.SetBodyString(mail.TypeTextPlain, env.Text)
	}

	return msg, nil
}

func messageID(msg *mail.Msg) string {
	if ids := msg.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		return strings.TrimSpace(ids[0])
	}
	return ""
}

func classifySMTPError(err error) error {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return &DeliveryError{
			Reason:    "smtp send failed",
			Transient: sendErr.IsTemp(),
			Cause:     err,
		}
	}

	return &DeliveryError{
		Reason:    "smtp send failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}
