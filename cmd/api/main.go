// Package main provides the HTTP API server and the in-process delivery pipeline.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jnst/email-event-service/internal/config"
	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/repository"
	"github.com/jnst/email-event-service/internal/service"
	"github.com/jnst/email-event-service/internal/transport"
)

const (
	readHeaderTimeout = 10 * time.Second
	exitCode          = 1
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", logger.Error(err))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api server stopped with error", logger.Error(err))
		os.Exit(exitCode)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	opts := []service.Option{service.WithLogger(log), service.WithMetrics(m)}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sender := service.NewSenderImpl(store, transport.NewSMTPFactory(smtpOptions(cfg.SMTP)...), service.SenderConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Security:   transport.ParseSecurityMode(cfg.SMTP.SecureSocket),
		From:       cfg.SMTP.Sender,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		RetryDelay: cfg.Delivery.RetryDelay.Duration(),
	}, opts...)

	queue := service.NewSubmissionQueue()
	correlator := service.NewCorrelator()
	processor := service.NewProcessorImpl(queue, correlator, store, sender, cfg.Delivery.MaxConcurrentDeliveries, opts...)
	scanner := service.NewOrphanScannerImpl(store, queue,
		cfg.Delivery.OrphanScanInterval, cfg.Delivery.OrphanStaleAfter, opts...)
	emailService := service.NewEmailServiceImpl(queue, correlator, store, cfg.Delivery.SubmitTimeout)

	srv := &http.Server{
		Handler:           NewAPIServer(emailService, log).Routes(reg),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	log.Info("starting API server",
		slog.String("service", "api"),
		slog.String("port", cfg.Port),
		slog.String("store", cfg.StoreDriver),
		slog.String("smtp_host", cfg.SMTP.Host),
	)

	return serve(ctx, log, srv, ln, cfg.ShutdownTimeout, processor.Start, scanner.Start)
}

// serve runs srv on ln together with the background workers until ctx is done.
// In-flight requests drain before the workers are cancelled.
func serve(
	ctx context.Context,
	log *slog.Logger,
	srv *http.Server,
	ln net.Listener,
	shutdownTimeout time.Duration,
	workers ...func(context.Context) error,
) error {
	g, gctx := errgroup.WithContext(ctx)

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(gctx))
	defer stopWorkers()

	for _, work := range workers {
		g.Go(func() error { return work(workerCtx) })
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}

		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopWorkers()
		log.Info("shutdown signal received, stopping API server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// smtpOptions maps the SMTP settings onto transport options.
func smtpOptions(cfg config.SMTPConfig) []transport.SMTPOption {
	opts := []transport.SMTPOption{transport.WithCommandTimeout(cfg.CommandTimeout)}

	if cfg.TLSServerName != "" {
		opts = append(opts, transport.WithTLSConfig(&tls.Config{
			ServerName: cfg.TLSServerName,
			MinVersion: tls.VersionTLS12,
		}))
	}
	if cfg.HeloName != "" {
		opts = append(opts, transport.WithLocalName(cfg.HeloName))
	}

	return opts
}

// openStore returns the configured event store and a function releasing its resources.
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.EventStore, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory event store, emails will not survive a restart")
		return repository.NewMemoryEventStore(cfg.SMTP.Sender), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}

	if err := repository.Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, err
	}

	txm := repository.NewTransactionManagerImpl(pool)

	return repository.NewEventStoreImpl(pool, txm, cfg.SMTP.Sender), pool.Close, nil
}
