package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/farm-market/internal/config"
	"github.com/example/farm-market/internal/ingest"
	"github.com/example/farm-market/internal/logging"
	"github.com/example/farm-market/internal/models"
	"github.com/example/farm-market/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_consumer_messages_consumed_total",
		Help: "Total checkpoint messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_consumer_messages_invalid_total",
		Help: "Total invalid checkpoint messages received",
	})
	storeWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_consumer_store_writes_total",
		Help: "Total checkpoints appended to job records",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_consumer_store_errors_total",
		Help: "Total checkpoints dropped after exhausting retries",
	})
	liveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_consumer_live_errors_total",
		Help: "Total failed live-position updates in redis",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeWrites, storeErrors, liveErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("farm-market-consumer", cfg.LogLevel)

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var live RedisUpdater
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		live = &redisAdapter{c: rc}
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.DB().PingContext(r.Context()); err != nil {
				http.Error(w, "store not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	h := &handler{store: store, live: live, liveKey: cfg.LiveKey, attempts: cfg.Attempts, delay: cfg.Backoff, logger: logger}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		h.handle(ctx, m.Value)
	}
}

// CheckpointAppender is the slice of the store the consumer writes to.
type CheckpointAppender interface {
	AppendCheckpoint(ctx context.Context, jobID string, cp models.Checkpoint) error
}

// RedisUpdater defines the small subset of redis operations used to keep the
// live position of each job.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

type handler struct {
	store    CheckpointAppender
	live     RedisUpdater
	liveKey  string
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// handle stores one sample. Invalid payloads are counted and skipped; the
// live position is refreshed only after the durable write succeeds.
func (h *handler) handle(ctx context.Context, value []byte) {
	msgsConsumed.Inc()
	s, err := ingest.DecodeSample(value)
	if err == nil && s.JobID == "" {
		err = errors.New("missing jobId")
	}
	if err != nil {
		msgsInvalid.Inc()
		h.logger.Warn("invalid message", "error", err)
		return
	}
	if s.Checkpoint.Kind == "" {
		s.Checkpoint.Kind = models.CheckpointLocation
	}
	if err := withRetry(ctx, h.attempts, h.delay, func() error {
		return h.store.AppendCheckpoint(ctx, s.JobID, s.Checkpoint)
	}); err != nil {
		storeErrors.Inc()
		h.logger.Error("checkpoint dropped", "job_id", s.JobID, "error", err)
		return
	}
	storeWrites.Inc()
	if h.live == nil {
		return
	}
	if err := updateLiveWithRetry(ctx, h.live, h.liveKey, s, h.attempts, h.delay); err != nil {
		liveErrors.Inc()
		h.logger.Warn("live position update failed", "job_id", s.JobID, "error", err)
	}
}

// updateLiveWithRetry records the job's latest position with retry/backoff.
func updateLiveWithRetry(ctx context.Context, rc RedisUpdater, key string, s ingest.Sample, attempts int, delay time.Duration) error {
	return withRetry(ctx, attempts, delay, func() error {
		if err := rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: s.Checkpoint.Lng, Latitude: s.Checkpoint.Lat, Name: s.JobID}); err != nil {
			return err
		}
		return rc.HSet(ctx, "job:live:"+s.JobID, map[string]interface{}{
			"driverId": s.DriverID,
			"at":       s.Checkpoint.At.Format(time.RFC3339),
		})
	})
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
