package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Retry     RetryConfig
	Gateway   GatewayConfig
	Webhook   WebhookConfig
	Seats     SeatsConfig
	Engine    EngineConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string
}

// DatabaseConfig selects the Postgres store. An empty URL keeps everything
// in memory.
type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

type RetryConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

type GatewayConfig struct {
	APIURL        string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
	ContentMax    int
}

type WebhookConfig struct {
	VerifyToken string
}

type SeatsConfig struct {
	DBPath      string
	DefaultBase int
}

type EngineConfig struct {
	DefaultRegion   string
	Timezone        string
	Location        *time.Location
	ConflictRetries int
}

type TracingConfig struct {
	OTLPEndpoint string
}

type LogConfig struct {
	Level slog.Level
}

// LoadAll reads the whole configuration from the environment and reports
// every problem at once.
func LoadAll() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: os.Getenv("POSTGRES_URL"),
		},
		Scheduler: SchedulerConfig{
			Interval:   l.seconds("SCHED_INTERVAL_SECONDS", 30),
			BatchSize:  l.int("SCHED_BATCH_SIZE", 50),
			StaleAfter: l.seconds("SCHED_STALE_SECONDS", 600),
		},
		Retry: RetryConfig{
			Base:        l.seconds("RETRY_BASE_SECONDS", 30),
			Max:         l.seconds("RETRY_MAX_SECONDS", 1800),
			MaxAttempts: l.int("RETRY_MAX_ATTEMPTS", 5),
		},
		Gateway: GatewayConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
			Token:         l.require("WHATSAPP_TOKEN"),
			PhoneNumberID: l.require("PHONE_NUMBER_ID"),
			Timeout:       l.seconds("GATEWAY_TIMEOUT_SECONDS", 10),
			ContentMax:    l.int("CONTENT_MAX", 4096),
		},
		Webhook: WebhookConfig{
			VerifyToken: os.Getenv("VERIFY_TOKEN"),
		},
		Seats: SeatsConfig{
			DBPath:      getEnv("SEATS_DB_PATH", "seats.db"),
			DefaultBase: l.int("SEATS_DEFAULT_BASE", 1),
		},
		Engine: EngineConfig{
			DefaultRegion:   getEnv("PHONE_DEFAULT_REGION", "DE"),
			Timezone:        getEnv("DISPLAY_TIMEZONE", "Europe/Berlin"),
			ConflictRetries: l.int("CONFLICT_RETRIES", 5),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		Redis: loadRedisConfig(l),
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	loc, err := time.LoadLocation(cfg.Engine.Timezone)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", cfg.Engine.Timezone, err))
	}
	cfg.Engine.Location = loc

	l.errs = append(l.errs, validate(cfg)...)
	if err := joinErrors(l.errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig(l *loader) RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       l.int("REDIS_DB", 0),
		TTL:      l.seconds("REDIS_TTL_SECONDS", 86400),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("SCHED_BATCH_SIZE", cfg.Scheduler.BatchSize > 0)
	positive("SCHED_INTERVAL_SECONDS", cfg.Scheduler.Interval > 0)
	positive("SCHED_STALE_SECONDS", cfg.Scheduler.StaleAfter > 0)
	positive("RETRY_BASE_SECONDS", cfg.Retry.Base > 0)
	positive("RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts > 0)
	positive("GATEWAY_TIMEOUT_SECONDS", cfg.Gateway.Timeout > 0)
	positive("CONTENT_MAX", cfg.Gateway.ContentMax > 0)
	positive("CONFLICT_RETRIES", cfg.Engine.ConflictRetries > 0)

	if cfg.Retry.Max < cfg.Retry.Base {
		errs = append(errs, errors.New("RETRY_MAX_SECONDS must be >= RETRY_BASE_SECONDS"))
	}
	// A batch sends one entry at a time, so a claim can wait up to
	// BatchSize gateway timeouts before its own send.
	if batch := time.Duration(cfg.Scheduler.BatchSize) * cfg.Gateway.Timeout; cfg.Scheduler.BatchSize > 0 && cfg.Scheduler.StaleAfter <= batch {
		errs = append(errs, fmt.Errorf("SCHED_STALE_SECONDS must exceed SCHED_BATCH_SIZE * GATEWAY_TIMEOUT_SECONDS (%s)", batch))
	}
	if cfg.Seats.DefaultBase < 0 {
		errs = append(errs, errors.New("SEATS_DEFAULT_BASE must be >= 0"))
	}
	return errs
}

// loader collects parse errors so LoadAll can report all of them.
type loader struct {
	errs []error
}

func (l *loader) require(key string) string {
	v, err := requireEnv(key)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) int(key string, def int) int {
	v, err := getEnvInt(key, def)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) seconds(key string, def int) time.Duration {
	return time.Duration(l.int(key, def)) * time.Second
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
