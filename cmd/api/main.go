package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/mail-gateway/internal/config"
	"github.com/kursadbilgin/mail-gateway/internal/handler"
	"github.com/kursadbilgin/mail-gateway/internal/infra/postgresql"
	"github.com/kursadbilgin/mail-gateway/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/mail-gateway/internal/infra/redis"
	"github.com/kursadbilgin/mail-gateway/internal/mailer"
	"github.com/kursadbilgin/mail-gateway/internal/observability"
	"github.com/kursadbilgin/mail-gateway/internal/queue"
	"github.com/kursadbilgin/mail-gateway/internal/ratelimit"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"github.com/kursadbilgin/mail-gateway/internal/service"
	"github.com/kursadbilgin/mail-gateway/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout  = 15 * time.Second
	consumerPrefetch = 16
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("mail-gateway stopped with error", zap.Error(err))
	}
	logger.Info("mail-gateway stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolOptions{})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
	}

	metrics := observability.NewMetrics()

	keys := repository.NewGormAPIKeyRepo(db)
	attempts := repository.NewGormAttemptRepo(db)

	ledger, err := newLedger(cfg, db, rdb)
	if err != nil {
		return err
	}

	var throttle ratelimit.Throttle
	if cfg.SendRatePerSec > 0 {
		throttle, err = infraredis.NewRedisThrottle(rdb, cfg.SendRatePerSec)
		if err != nil {
			return fmt.Errorf("throttle initialization failed: %w", err)
		}
	}

	publisher, consumer, closeQueue, err := newQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	deliverer, err := newDeliverer(cfg)
	if err != nil {
		return err
	}

	auth, err := service.NewAuthenticator(keys, cfg.DefaultDailyLimit, cfg.AllowedDomains(), logger)
	if err != nil {
		return err
	}
	admission, err := service.NewAdmissionDecider(ledger, attempts, logger)
	if err != nil {
		return err
	}
	admission.SetMetrics(metrics)

	dispatcher, err := service.NewDispatchCoordinator(attempts, publisher, logger)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	worker, err := service.NewDeliveryWorker(attempts, consumer, deliverer, throttle, service.WorkerConfig{
		Concurrency:     cfg.WorkerConcurrency,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Transport:       cfg.MailTransport,
	}, logger)
	if err != nil {
		return err
	}
	worker.SetMetrics(metrics)

	// Past twice the delivery timeout, a claimed attempt has no live owner.
	reaper, err := service.NewStaleAttemptReaper(attempts, service.ReaperConfig{
		Schedule:     cfg.ReaperSchedule,
		StaleAge:     cfg.StaleAttemptAge,
		ClaimTimeout: 2 * cfg.DeliveryTimeout,
	}, logger)
	if err != nil {
		return err
	}
	reaper.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb, metrics)
	if err := handler.RegisterMailRoutes(app, auth, admission, dispatcher, attempts); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Start(groupCtx)
	})
	g.Go(func() error {
		return reaper.Start(groupCtx)
	})
	g.Go(func() error {
		logger.Info("mail-gateway api started",
			zap.Int("port", cfg.APIPort),
			zap.String("ledger", cfg.LedgerBackend),
			zap.String("transport", cfg.MailTransport),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	return g.Wait()
}

func newLedger(cfg *config.Config, db *gorm.DB, rdb *redis.Client) (ratelimit.QuotaLedger, error) {
	switch cfg.LedgerBackend {
	case config.LedgerBackendRedis:
		ledger, err := infraredis.NewRedisQuotaLedger(rdb)
		if err != nil {
			return nil, fmt.Errorf("redis ledger initialization failed: %w", err)
		}
		return ledger, nil
	default:
		return repository.NewGormQuotaLedger(db), nil
	}
}

// newQueue picks RabbitMQ when configured, otherwise an in-process queue
// shared by the API and the workers of this process.
func newQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.Publisher, queue.Consumer, func(), error) {
	if cfg.RabbitMQURL == "" {
		local := queue.NewLocalQueue(cfg.LocalQueueSize, logger)
		logger.Warn("RABBITMQ_URL not set, using in-process delivery queue")
		return local, local, func() { _ = local.Close() }, nil
	}

	client, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rabbitmq initialization failed: %w", err)
	}

	publisher := queue.NewRabbitMQPublisher(client)
	consumer := queue.NewRabbitMQConsumer(client, consumerPrefetch, logger)
	return publisher, consumer, func() { _ = client.Close() }, nil
}

func newDeliverer(cfg *config.Config) (mailer.Deliverer, error) {
	switch cfg.MailTransport {
	case config.MailTransportWebhook:
		d, err := mailer.NewWebhookDeliverer(cfg.WebhookURL)
		if err != nil {
			return nil, fmt.Errorf("webhook deliverer initialization failed: %w", err)
		}
		return d, nil
	default:
		d, err := mailer.NewSMTPDeliverer(mailer.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			StartTLS: cfg.SMTPStartTLS,
			From:     cfg.FromEmail,
			Timeout:  cfg.DeliveryTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp deliverer initialization failed: %w", err)
		}
		return d, nil
	}
}
