package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/restackd/restack/internal/adapter/litellm"
	rsnats "github.com/restackd/restack/internal/adapter/nats"
	rsotel "github.com/restackd/restack/internal/adapter/otel"
	"github.com/restackd/restack/internal/adapter/postgres"
	"github.com/restackd/restack/internal/adapter/ristretto"
	"github.com/restackd/restack/internal/adapter/ws"
	"github.com/restackd/restack/internal/config"
	"github.com/restackd/restack/internal/logger"
	"github.com/restackd/restack/internal/port/messagequeue"
	"github.com/restackd/restack/internal/progress"
	"github.com/restackd/restack/internal/resilience"
	"github.com/restackd/restack/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_enabled", cfg.NATS.URL != "",
		"max_concurrent", cfg.Scheduler.MaxConcurrent,
	)

	ctx := context.Background()

	// --- Telemetry ---

	shutdownTelemetry, err := rsotel.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	metrics, err := rsotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	var queue messagequeue.Queue
	if cfg.NATS.URL != "" {
		q, err := rsnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = q.Drain() }()
		queue = q
	}

	statusCache, err := ristretto.New(cfg.Cache.MaxSizeMB * 1024 * 1024)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer statusCache.Close()

	// --- Converter ---

	conv := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Model, cfg.LiteLLM.Timeout)
	conv.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---

	hub := ws.NewHub()
	bus := progress.NewBus(hub)
	store := postgres.NewStore(pool)

	jobs := service.NewManager(store, conv, bus, cfg.Scheduler)
	jobs.SetCache(statusCache, cfg.Cache.StatusTTL)
	jobs.SetMetrics(metrics)
	if queue != nil {
		jobs.SetQueue(queue)
	}

	if err := jobs.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}

	if queue != nil {
		cancelDispatch, err := jobs.StartDispatchSubscriber(ctx)
		if err != nil {
			return fmt.Errorf("dispatch subscriber: %w", err)
		}
		defer cancelDispatch()

		cancelControl, err := jobs.StartControlSubscriber(ctx)
		if err != nil {
			return fmt.Errorf("control subscriber: %w", err)
		}
		defer cancelControl()

		cancelProgress, err := jobs.StartProgressSubscriber(ctx)
		if err != nil {
			return fmt.Errorf("progress subscriber: %w", err)
		}
		defer cancelProgress()
	}

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Method(http.MethodGet, "/health", otelhttp.NewHandler(healthHandler(cfg, hub, queue), "health"))
	})
	// Long-lived connection: kept outside the request timeout.
	r.Get("/ws", hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports process health and dependency connectivity.
func healthHandler(cfg *config.Config, hub *ws.Hub, queue messagequeue.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status      string `json:"status"`
		NATS        string `json:"nats"`
		LiteLLM     string `json:"litellm"`
		Connections int    `json:"ws_connections"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		natsState := "disabled"
		if queue != nil {
			natsState = "disconnected"
			if queue.IsConnected() {
				natsState = "connected"
			}
		}
		status := healthStatus{
			Status:      "ok",
			NATS:        natsState,
			LiteLLM:     cfg.LiteLLM.URL,
			Connections: hub.ConnectionCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
