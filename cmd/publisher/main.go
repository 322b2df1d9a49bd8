// Package main provides the outbox publisher that relays stored email events to Redis Streams.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"

	"github.com/jnst/email-event-service/internal/config"
	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/repository"
	"github.com/jnst/email-event-service/internal/service"
)

const exitCode = 1

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return dbPool, nil
}

func setupPublisherRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func runPublisherLoop(
	ctx context.Context,
	outboxService service.OutboxService,
	pollInterval time.Duration,
	batchSize int,
) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("publisher stopped")
			return
		case <-ticker.C:
			if err := outboxService.ProcessUnpublishedEvents(ctx, batchSize); err != nil {
				slog.Error("error processing outbox events", logger.Error(err))
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", logger.Error(err))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	if cfg.StoreDriver != config.StoreDriverPostgres {
		log.Error("publisher requires the postgres store", slog.String("store", cfg.StoreDriver))
		os.Exit(exitCode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", logger.Error(err))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	redisClient, err := setupPublisherRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to Redis", logger.Error(err))
		return
	}
	defer redisClient.Close()

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	outboxService := service.NewOutboxServiceImpl(outboxRepo, redisClient, cfg.EventsStream,
		service.WithLogger(log),
		service.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
	)

	log.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("stream", cfg.EventsStream),
		slog.Duration("poll_interval", cfg.PublisherPollInterval),
		slog.Int("batch_size", cfg.PublisherBatchSize),
	)

	runPublisherLoop(ctx, outboxService, cfg.PublisherPollInterval, cfg.PublisherBatchSize)
}
