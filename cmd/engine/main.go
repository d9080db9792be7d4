package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/conversation-engine/internal/api"
	"github.com/LeventeLantos/conversation-engine/internal/cache"
	"github.com/LeventeLantos/conversation-engine/internal/client"
	"github.com/LeventeLantos/conversation-engine/internal/config"
	"github.com/LeventeLantos/conversation-engine/internal/engine"
	"github.com/LeventeLantos/conversation-engine/internal/events"
	"github.com/LeventeLantos/conversation-engine/internal/repo"
	"github.com/LeventeLantos/conversation-engine/internal/scheduler"
	"github.com/LeventeLantos/conversation-engine/internal/seats"
	"github.com/LeventeLantos/conversation-engine/internal/service"
	"github.com/LeventeLantos/conversation-engine/internal/webhook"
	"github.com/LeventeLantos/conversation-engine/internal/ws"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("conversation engine starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval,
		"batch", cfg.Scheduler.BatchSize,
		"postgres", cfg.Database.PostgresURL != "",
		"redis", cfg.Redis.Enabled,
		"tracing", cfg.Tracing.OTLPEndpoint != "",
	)

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	seatStore, err := seats.Open(cfg.Database.PostgresURL, cfg.Seats.DBPath, cfg.Seats.DefaultBase)
	if err != nil {
		return err
	}
	defer func() { _ = seatStore.Close() }()

	bus := events.NewBus(0, logger)
	deps := engine.Deps{
		Store:           store,
		Seats:           seatStore,
		Publisher:       bus,
		Logger:          logger,
		DefaultRegion:   cfg.Engine.DefaultRegion,
		Location:        cfg.Engine.Location,
		ConflictRetries: cfg.Engine.ConflictRetries,
	}

	var sentLog cache.SentRecorder
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}

		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL)
		deps.Dedupe = rc
		sentLog = rc

		// Every instance publishes through Redis and relays back into its
		// own bus, so websocket clients see events from all instances.
		deps.Publisher = events.NewRedisPublisher(rdb)
		relay := events.NewRedisRelay(rdb, bus, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("event relay stopped", "error", err)
			}
		}()
	}

	eng := engine.New(deps)

	gw := client.NewCloudAPIClient(cfg.Gateway.APIURL, client.StaticCredentials{
		PhoneNumberID: cfg.Gateway.PhoneNumberID,
		Token:         cfg.Gateway.Token,
	}, cfg.Gateway.Timeout)

	dispatcher := service.NewDispatcher(store, gw, service.Config{
		BatchSize:   cfg.Scheduler.BatchSize,
		StaleAfter:  cfg.Scheduler.StaleAfter,
		SendTimeout: cfg.Gateway.Timeout,
		ContentMax:  cfg.Gateway.ContentMax,
		Retry: service.RetryPolicy{
			Base:        cfg.Retry.Base,
			Max:         cfg.Retry.Max,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, deps.Publisher, logger).WithHooks(eng.RecordSent, eng.RecordFailed)
	if sentLog != nil {
		dispatcher.WithSentLog(sentLog)
	}

	sched, err := scheduler.New(cfg.Scheduler.Interval, dispatcher.Tick, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	gin.SetMode(gin.ReleaseMode)
	wh := webhook.NewHandler(eng, cfg.Webhook.VerifyToken, logger)
	hub := ws.NewHub(bus, logger)
	router := api.Router(api.NewHandler(eng, sched, logger), api.Extra{
		WebhookVerify:  wh.Verify,
		WebhookReceive: wh.Receive,
		WebSocket:      hub.Serve,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openStore picks Postgres when a URL is configured and the in-memory store
// otherwise.
func openStore(ctx context.Context, cfg *config.Config) (repo.Store, func(), error) {
	if cfg.Database.PostgresURL == "" {
		return repo.NewMemoryStore(), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	store := repo.NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
