package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/rfi-sync-service/internal/api/http"
	"github.com/spec-kit/rfi-sync-service/internal/api/http/handlers"
	"github.com/spec-kit/rfi-sync-service/internal/audit"
	"github.com/spec-kit/rfi-sync-service/internal/auth"
	"github.com/spec-kit/rfi-sync-service/internal/config"
	"github.com/spec-kit/rfi-sync-service/internal/correlation"
	"github.com/spec-kit/rfi-sync-service/internal/events"
	"github.com/spec-kit/rfi-sync-service/internal/ingestion"
	"github.com/spec-kit/rfi-sync-service/internal/notification"
	"github.com/spec-kit/rfi-sync-service/internal/observability"
	"github.com/spec-kit/rfi-sync-service/internal/persistence"
	"github.com/spec-kit/rfi-sync-service/internal/repository"
	"github.com/spec-kit/rfi-sync-service/internal/repository/memory"
	"github.com/spec-kit/rfi-sync-service/internal/service"
	"github.com/spec-kit/rfi-sync-service/internal/transport"
	"github.com/spec-kit/rfi-sync-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var repos repository.Repositories
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		repos = repository.NewPostgresRepositories(pg.PoolHandle())
	} else {
		repos = memory.NewStore().Repositories()
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	var (
		queue ingestion.Queue
		dedup ingestion.Deduper
	)
	if redis.Enabled() {
		queue = ingestion.NewRedisQueue(redis.Client, redis.Prefix, cfg.Ingestion.QueueCapacity, cfg.Ingestion.LeaseTimeout)
		dedup = ingestion.NewRedisDeduper(redis.Client, redis.Prefix, cfg.Webhook.DedupeTTL)
	} else {
		queue = ingestion.NewMemoryQueue(cfg.Ingestion.QueueCapacity)
		dedup = ingestion.NewMemoryDeduper(cfg.Webhook.DedupeTTL)
	}
	defer queue.Close() //nolint:errcheck

	mail, err := newTransport(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init mail transport", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	trail := audit.NewTrail(repos.Events, metrics, logger)
	bus := events.NewInMemoryDispatcher(logger)

	pipeline := ingestion.NewPipeline(ingestion.Config{
		Workers:         cfg.Ingestion.Workers,
		MaxAttempts:     cfg.Ingestion.MaxAttempts,
		RetryBase:       cfg.Ingestion.RetryBase,
		RetryCeiling:    cfg.Ingestion.RetryCeiling,
		Mailbox:         cfg.Transport.SenderAddress,
		SequenceHeader:  cfg.RFI.SequenceHeader,
		RecoverInterval: cfg.Ingestion.LeaseTimeout / 2,
	}, ingestion.Dependencies{
		Repos:     repos,
		Transport: mail,
		Resolver:  correlation.NewResolver(repos.RFIs, repos.Claims),
		Audit:     trail,
		Queue:     queue,
		Dedup:     dedup,
		Events:    bus,
		Logger:    logger,
	})

	dispatcher := notification.NewDispatcher(repos.Notifications, notificationChannels(ctx, cfg, logger), trail, notification.Config{
		MaxAttempts: cfg.Notification.MaxAttempts,
		RetryDelay:  cfg.Notification.RetryDelay,
		BatchSize:   cfg.Notification.BatchSize,
	}, logger, nil)
	scheduler := notification.NewScheduler(repos.RFIs, dispatcher, mail, pipeline, notification.SchedulerConfig{
		Interval:             cfg.Notification.ScanInterval,
		DueSoonWindow:        cfg.Notification.DueSoonWindow,
		DeliveryConfirmAfter: cfg.Notification.DeliveryConfirmAfter,
	}, logger, nil)

	var sources []ingestion.EventSource
	if cfg.PubSub.Subscription != "" {
		source, err := ingestion.NewPubSubSource(ctx, ingestion.PubSubOptions{
			ProjectID:       cfg.PubSub.ProjectID,
			Subscription:    cfg.PubSub.Subscription,
			CredentialsFile: cfg.PubSub.CredentialsFile,
			MaxOutstanding:  cfg.PubSub.MaxOutstanding,
		}, logger)
		if err != nil {
			logger.Fatal("failed to init pubsub source", zap.Error(err))
		}
		defer source.Close() //nolint:errcheck
		sources = append(sources, source)
	}

	rfiService := service.NewRFIService(service.RFIDependencies{
		Repos:      repos,
		Transport:  mail,
		Audit:      trail,
		Dispatcher: bus,
		Sender: service.Sender{
			Address:       cfg.Transport.SenderAddress,
			Name:          cfg.Transport.SenderName,
			MessageDomain: cfg.Transport.MessageDomain,
		},
		SequencePrefix: cfg.RFI.DefaultPrefix,
		Logger:         logger,
	})
	triageService := service.NewTriageService(service.TriageDependencies{
		Repos:     repos,
		Transport: mail,
		Pipeline:  pipeline,
		Logger:    logger,
	})

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, time.Hour)
	if cfg.Webhook.Secret == "" && cfg.Webhook.Token == "" {
		logger.Warn("WEBHOOK_SECRET and WEBHOOK_TOKEN empty; pushes are not authenticated")
	}

	app := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: cfg.Webhook.MaxBodyLen,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis),
		RFIs:   handlers.NewRFIHandler(rfiService, nil),
		Triage: handlers.NewTriageHandler(triageService),
		Webhook: handlers.NewWebhookHandler(pipeline, trail, handlers.WebhookConfig{
			Secret: cfg.Webhook.Secret,
			Token:  cfg.Webhook.Token,
		}, logger),
		Dashboard:      handlers.NewDashboardHandler(rfiService, queue, metrics),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	runner := worker.NewRunner(worker.Components{
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Sources:    sources,
		Bus:        bus,
	}, logger)
	runner.Start(ctx)

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	runner.Stop()
}

// newTransport selects the mail provider and wraps it with timeouts and retries.
func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Client, error) {
	var client transport.Client
	switch cfg.Transport.Driver {
	case "gmail":
		gmailClient, err := transport.NewGmailClient(ctx, transport.GmailOptions{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RefreshToken: cfg.Gmail.RefreshToken,
			UserID:       cfg.Gmail.UserID,
			Sender:       cfg.Transport.SenderAddress,
			SenderName:   cfg.Transport.SenderName,
		}, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Gmail.WatchTopic != "" {
			if _, err := gmailClient.Watch(ctx, cfg.Gmail.WatchTopic); err != nil {
				logger.Error("gmail watch failed; relying on pull and scans", zap.Error(err))
			}
		}
		client = gmailClient
	default:
		logger.Warn("using in-memory mail transport")
		client = transport.NewMemory(cfg.Transport.SenderAddress)
	}
	return transport.NewRetrying(client, transport.RetryPolicy{
		MaxAttempts: cfg.Transport.MaxAttempts,
		Base:        cfg.Transport.BackoffBase,
		Ceiling:     cfg.Transport.BackoffCeiling,
		CallTimeout: cfg.Transport.CallTimeout,
	}, logger), nil
}

func notificationChannels(ctx context.Context, cfg *config.Config, logger *zap.Logger) []notification.Channel {
	channels := []notification.Channel{notification.NewLogChannel(logger)}
	if cfg.Notification.WebhookURL != "" {
		channels = append(channels, notification.NewWebhookChannel(cfg.Notification.WebhookURL, 10*time.Second))
	}
	if cfg.FCM.CredentialsFile != "" {
		fcm, err := notification.NewFCMChannel(ctx, cfg.FCM.CredentialsFile, cfg.FCM.TopicPrefix)
		if err != nil {
			logger.Error("fcm channel disabled", zap.Error(err))
		} else {
			channels = append(channels, fcm)
		}
	}
	return channels
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
