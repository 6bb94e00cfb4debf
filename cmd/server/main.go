package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/farm-market/internal/arbiter"
	"github.com/example/farm-market/internal/broker"
	"github.com/example/farm-market/internal/config"
	"github.com/example/farm-market/internal/dispatch"
	"github.com/example/farm-market/internal/escrow"
	"github.com/example/farm-market/internal/eta"
	"github.com/example/farm-market/internal/geo"
	httpapi "github.com/example/farm-market/internal/http"
	"github.com/example/farm-market/internal/ingest"
	"github.com/example/farm-market/internal/jobs"
	"github.com/example/farm-market/internal/logging"
	"github.com/example/farm-market/internal/market"
	"github.com/example/farm-market/internal/nfc"
	"github.com/example/farm-market/internal/payments"
	"github.com/example/farm-market/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("farm-market-api", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc)
	}

	ws := dispatch.NewWSRegistry()
	sinks := []dispatch.Sink{ws}
	if rc != nil {
		sinks = append(sinks, dispatch.NewRedisSink(rc, cfg.RedisChannelPrefix))
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
	}
	if cfg.AMQPURL != "" {
		sink, err := dispatch.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			// notifications are best-effort; run without this sink
			logger.Warn("amqp sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.WebhookURL))
	}
	bus := dispatch.NewDispatcher(logger, cfg.NotifyTimeout, sinks...)

	var provider payments.Provider = payments.NewMockClient()
	if cfg.EscrowProvider == "stripe" {
		provider = payments.NewStripeClient(cfg.StripeAPIKey, cfg.Currency)
	}
	ledger := escrow.NewLedger(provider, cfg.Currency, cfg.EscrowTimeout, logger)
	arb := arbiter.New(store, logger)

	var index geo.Index = geo.NewMemoryIndex()
	if rc != nil {
		index = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}
	var router eta.Client
	if cfg.OSRMURL != "" {
		router = eta.NewOSRMClient(cfg.OSRMURL)
	}
	estimator := eta.NewEstimator(router, eta.NewCache(10*time.Minute), cfg.DriverSpeedMps)

	brokerSvc := &broker.Service{
		Store:           store,
		Arbiter:         arb,
		Ledger:          ledger,
		Index:           index,
		ETA:             estimator,
		Bus:             bus,
		Logger:          logger,
		DefaultRadiusKm: cfg.DefaultRadiusKm,
	}
	if n, err := brokerSvc.Reindex(ctx); err != nil {
		logger.Warn("reindex failed", "indexed", n, "error", err)
	} else {
		logger.Info("open requests indexed", "count", n)
	}

	jobSvc := jobs.NewService(store, ledger, bus, logger)
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaCheckpointTopic)
		closers = append(closers, producer)
		jobSvc.WithPublisher(producer)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Market:    market.NewService(store, arb, ledger, brokerSvc, bus, logger),
		Broker:    brokerSvc,
		Jobs:      jobSvc,
		NFC:       nfc.NewGate(store, logger),
		Store:     store,
		WS:        ws,
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
		Ready: func(ctx context.Context) error {
			if rc == nil {
				return nil
			}
			return rc.Ping(ctx).Err()
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("farm-market listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return bus.Close(shutdownCtx)
}

func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(ps.DB()); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}
