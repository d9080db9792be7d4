package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func TestLoadAll_HappyPath_NoRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "" {
		t.Fatalf("expected in-memory store by default, got %q", cfg.Database.PostgresURL)
	}
	if cfg.Gateway.Token != "tok" || cfg.Gateway.PhoneNumberID != "1055" {
		t.Fatalf("unexpected gateway credentials: %+v", cfg.Gateway)
	}
	if cfg.Gateway.APIURL != "https://graph.facebook.com/v19.0" {
		t.Fatalf("unexpected Gateway.APIURL default: %q", cfg.Gateway.APIURL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Gateway.ContentMax != 4096 {
		t.Fatalf("unexpected ContentMax default: %d", cfg.Gateway.ContentMax)
	}
	if cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("unexpected Gateway.Timeout default: %v", cfg.Gateway.Timeout)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("unexpected Scheduler.Interval default: %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 50 {
		t.Fatalf("unexpected Scheduler.BatchSize default: %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.StaleAfter != 10*time.Minute {
		t.Fatalf("unexpected Scheduler.StaleAfter default: %v", cfg.Scheduler.StaleAfter)
	}
	if cfg.Retry.Base != 30*time.Second || cfg.Retry.Max != 30*time.Minute || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected Retry defaults: %+v", cfg.Retry)
	}
	if cfg.Seats.DBPath != "seats.db" || cfg.Seats.DefaultBase != 1 {
		t.Fatalf("unexpected Seats defaults: %+v", cfg.Seats)
	}
	if cfg.Engine.DefaultRegion != "DE" || cfg.Engine.ConflictRetries != 5 {
		t.Fatalf("unexpected Engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.Location == nil {
		t.Fatalf("expected display location to be loaded")
	}
	if cfg.Log.Level != slog.LevelInfo {
		t.Fatalf("unexpected Log.Level default: %v", cfg.Log.Level)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TTL_SECONDS", "42")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.TTL != 42*time.Second {
		t.Fatalf("unexpected Redis.TTL: %v", cfg.Redis.TTL)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	t.Run("missing WHATSAPP_TOKEN", func(t *testing.T) {
		t.Setenv("PHONE_NUMBER_ID", "1055")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "WHATSAPP_TOKEN") {
			t.Fatalf("expected error mentioning WHATSAPP_TOKEN, got: %v", err)
		}
	})

	t.Run("missing both reports both", func(t *testing.T) {
		clearTestEnv(t)

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		for _, key := range []string{"WHATSAPP_TOKEN", "PHONE_NUMBER_ID"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		}
	})
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid CONTENT_MAX", "CONTENT_MAX", "abc"},
		{"invalid SCHED_INTERVAL_SECONDS", "SCHED_INTERVAL_SECONDS", "nope"},
		{"invalid SCHED_BATCH_SIZE", "SCHED_BATCH_SIZE", "x"},
		{"invalid RETRY_MAX_ATTEMPTS", "RETRY_MAX_ATTEMPTS", "five"},
		{"invalid SEATS_DEFAULT_BASE", "SEATS_DEFAULT_BASE", "1.5"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_TTL_SECONDS", "REDIS_TTL_SECONDS", "bad"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			setRequired(t)

			// Enable redis only for redis-related invalid ints.
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}

			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	setRequired(t)

	cases := []struct {
		name string
		set  func()
		want string
	}{
		{
			name: "batch size <= 0",
			set: func() {
				t.Setenv("SCHED_BATCH_SIZE", "0")
			},
			want: "SCHED_BATCH_SIZE",
		},
		{
			name: "interval <= 0",
			set: func() {
				t.Setenv("SCHED_INTERVAL_SECONDS", "0")
			},
			want: "SCHED_INTERVAL_SECONDS",
		},
		{
			name: "retry max below base",
			set: func() {
				t.Setenv("RETRY_BASE_SECONDS", "60")
				t.Setenv("RETRY_MAX_SECONDS", "30")
			},
			want: "RETRY_MAX_SECONDS",
		},
		{
			name: "negative seats",
			set: func() {
				t.Setenv("SEATS_DEFAULT_BASE", "-1")
			},
			want: "SEATS_DEFAULT_BASE",
		},
		{
			name: "unknown timezone",
			set: func() {
				t.Setenv("DISPLAY_TIMEZONE", "Mars/Olympus")
			},
			want: "DISPLAY_TIMEZONE",
		},
		{
			name: "bad log level",
			set: func() {
				t.Setenv("LOG_LEVEL", "loud")
			},
			want: "LOG_LEVEL",
		},
		{
			name: "stale window shorter than a batch",
			set: func() {
				t.Setenv("SCHED_BATCH_SIZE", "100")
				t.Setenv("GATEWAY_TIMEOUT_SECONDS", "10")
				t.Setenv("SCHED_STALE_SECONDS", "600")
			},
			want: "SCHED_STALE_SECONDS",
		},
		{
			name: "content max <= 0",
			set: func() {
				t.Setenv("CONTENT_MAX", "0")
			},
			want: "CONTENT_MAX",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)

			setRequired(t)
			tc.set()

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WHATSAPP_TOKEN", "tok")
	t.Setenv("PHONE_NUMBER_ID", "1055")
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"POSTGRES_URL",
		"WHATSAPP_TOKEN",
		"PHONE_NUMBER_ID",
		"WHATSAPP_API_URL",
		"GATEWAY_TIMEOUT_SECONDS",
		"CONTENT_MAX",
		"SCHED_INTERVAL_SECONDS",
		"SCHED_BATCH_SIZE",
		"SCHED_STALE_SECONDS",
		"RETRY_BASE_SECONDS",
		"RETRY_MAX_SECONDS",
		"RETRY_MAX_ATTEMPTS",
		"SEATS_DB_PATH",
		"SEATS_DEFAULT_BASE",
		"PHONE_DEFAULT_REGION",
		"DISPLAY_TIMEZONE",
		"CONFLICT_RETRIES",
		"VERIFY_TOKEN",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"LOG_LEVEL",
		"SERVER_ADDRESS",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_TTL_SECONDS",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
