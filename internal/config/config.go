package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

const (
	LedgerBackendPostgres = "postgres"
	LedgerBackendRedis    = "redis"

	MailTransportSMTP    = "smtp"
	MailTransportWebhook = "webhook"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`

	LedgerBackend string `env:"LEDGER_BACKEND,default=postgres"`
	MailTransport string `env:"MAIL_TRANSPORT,default=smtp"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT,default=587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPStartTLS bool   `env:"SMTP_STARTTLS,default=true"`
	FromEmail    string `env:"FROM_EMAIL"`
	WebhookURL   string `env:"WEBHOOK_URL"`

	DefaultDailyLimit int    `env:"DEFAULT_DAILY_LIMIT,default=15"`
	AllowDomains      string `env:"ALLOW_DOMAINS"`

	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=30s"`
	SendRatePerSec    int           `env:"SEND_RATE_PER_SEC,default=0"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=8"`
	LocalQueueSize    int           `env:"LOCAL_QUEUE_SIZE,default=1024"`
	ReaperSchedule    string        `env:"REAPER_SCHEDULE,default=@every 1m"`
	StaleAttemptAge   time.Duration `env:"STALE_ATTEMPT_AGE,default=10m"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks rules that span more than one variable.
func (c *Config) Validate() error {
	c.LedgerBackend = strings.ToLower(strings.TrimSpace(c.LedgerBackend))
	c.MailTransport = strings.ToLower(strings.TrimSpace(c.MailTransport))

	switch c.LedgerBackend {
	case LedgerBackendPostgres:
	case LedgerBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("REDIS_URL is required when LEDGER_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q", c.LedgerBackend)
	}

	switch c.MailTransport {
	case MailTransportSMTP:
		if strings.TrimSpace(c.SMTPHost) == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_TRANSPORT=smtp")
		}
		if strings.TrimSpace(c.FromEmail) == "" {
			return fmt.Errorf("FROM_EMAIL is required when MAIL_TRANSPORT=smtp")
		}
		if c.SMTPPort < 1 || c.SMTPPort > 65535 {
			return fmt.Errorf("SMTP_PORT must be between 1 and 65535")
		}
	case MailTransportWebhook:
		if strings.TrimSpace(c.WebhookURL) == "" {
			return fmt.Errorf("WEBHOOK_URL is required when MAIL_TRANSPORT=webhook")
		}
	default:
		return fmt.Errorf("unsupported MAIL_TRANSPORT %q", c.MailTransport)
	}

	if c.DefaultDailyLimit < 1 {
		return fmt.Errorf("DEFAULT_DAILY_LIMIT must be >= 1")
	}
	if c.SendRatePerSec > 0 && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when SEND_RATE_PER_SEC > 0")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive")
	}

	return nil
}

// AllowedDomains returns the global recipient domain allowlist, lowercased.
func (c *Config) AllowedDomains() []string {
	if c == nil {
		return nil
	}

	var domains []string
	for _, part := range strings.Split(c.AllowDomains, ",") {
		d := strings.ToLower(strings.TrimSpace(part))
		if d != "" {
			domains = append(domains, d)
		}
	}
	return domains
}
