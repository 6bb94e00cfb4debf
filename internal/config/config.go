package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store and the mock escrow.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr          string
	RedisPassword      string
	RedisGeoKey        string
	RedisChannelPrefix string

	KafkaBrokers         []string
	KafkaEventsTopic     string
	KafkaCheckpointTopic string

	AMQPURL      string
	AMQPExchange string
	WebhookURL   string

	EscrowProvider string
	StripeAPIKey   string
	Currency       string
	EscrowTimeout  time.Duration
	NotifyTimeout  time.Duration

	JWTSecret       string
	DefaultRadiusKm float64
	DriverSpeedMps  float64
	OSRMURL         string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "market:requests:pickup",
		RedisChannelPrefix:   "market:",
		KafkaEventsTopic:     "market-events",
		KafkaCheckpointTopic: "job-checkpoints",
		AMQPExchange:         "market.events",
		EscrowProvider:       "mock",
		Currency:             "UGX",
		EscrowTimeout:        5 * time.Second,
		NotifyTimeout:        3 * time.Second,
		DefaultRadiusKm:      50,
		DriverSpeedMps:       8,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaCheckpointTopic, "KAFKA_CHECKPOINT_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))

	if v := os.Getenv("ESCROW_PROVIDER"); v != "" {
		cfg.EscrowProvider = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	if v := os.Getenv("CURRENCY"); v != "" {
		cfg.Currency = strings.ToUpper(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.EscrowTimeout, "ESCROW_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.NotifyTimeout, "NOTIFY_TIMEOUT", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setFloatFromEnv(&cfg.DefaultRadiusKm, "DEFAULT_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DriverSpeedMps, "DRIVER_SPEED_MPS", &errs)
	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	switch cfg.EscrowProvider {
	case "mock":
	case "stripe":
		if cfg.StripeAPIKey == "" {
			errs = append(errs, fmt.Errorf("STRIPE_API_KEY is required when ESCROW_PROVIDER=stripe"))
		}
	default:
		errs = append(errs, fmt.Errorf("ESCROW_PROVIDER must be mock or stripe, got %q", cfg.EscrowProvider))
	}
	if cfg.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_RADIUS_KM must be > 0"))
	}
	if cfg.DriverSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_SPEED_MPS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the checkpoint consumer process.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	Topic        string
	Group        string

	PGDSN         string
	RedisAddr     string
	RedisPassword string
	LiveKey       string

	Attempts int
	Backoff  time.Duration
	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "job-checkpoints",
		Group:        "farm-market-checkpoints",
		LiveKey:      "market:jobs:live",
		Attempts:     3,
		Backoff:      200 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_CHECKPOINT_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.LiveKey, "REDIS_LIVE_KEY")
	setIntFromEnv(&cfg.Attempts, "CONSUMER_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Backoff, "CONSUMER_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
