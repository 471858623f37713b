package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	rmhttp "github.com/relaymind/relaymind/internal/adapter/http"
	"github.com/relaymind/relaymind/internal/adapter/llmproxy"
	"github.com/relaymind/relaymind/internal/adapter/mcp"
	rmnats "github.com/relaymind/relaymind/internal/adapter/nats"
	"github.com/relaymind/relaymind/internal/adapter/natskv"
	rmotel "github.com/relaymind/relaymind/internal/adapter/otel"
	"github.com/relaymind/relaymind/internal/adapter/postgres"
	"github.com/relaymind/relaymind/internal/adapter/ristretto"
	"github.com/relaymind/relaymind/internal/adapter/tiered"
	"github.com/relaymind/relaymind/internal/adapter/ws"
	"github.com/relaymind/relaymind/internal/config"
	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/port/cache"
	"github.com/relaymind/relaymind/internal/port/observer"
	"github.com/relaymind/relaymind/internal/port/tool"
	"github.com/relaymind/relaymind/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Logging.Level),
	})).With("service", cfg.Logging.Service)
	slog.SetDefault(logger)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"providers", len(cfg.Providers),
	)

	ctx := context.Background()

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

	store := postgres.NewStore(pool)

	// Telemetry
	observers := []observer.Observer{}
	if cfg.Telemetry.Enabled {
		shutdown, err := rmotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		metrics, err := rmotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		observers = append(observers, rmotel.NewObserver(metrics))
	}

	// NATS
	var queue *rmnats.Conn
	if cfg.NATS.Enabled {
		queue, err = rmnats.Connect(ctx, cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer queue.Close()
		observers = append(observers, rmnats.NewObserver(queue))
	}

	// Completion cache: in-process L1, NATS KV L2 when available.
	var completionCache cache.Cache
	if cfg.Cache.Enabled {
		l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
		defer l1.Close()
		completionCache = l1

		if queue != nil {
			l2, err := natskv.EnsureBucket(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
			if err != nil {
				return fmt.Errorf("cache bucket: %w", err)
			}
			completionCache = tiered.New(l1, l2, cfg.Cache.L1TTL, logger)
		}
	}

	// WebSocket hub
	hub := ws.NewHub(logger)
	observers = append(observers, ws.NewObserver(hub))

	obs := observer.Multi(observers)

	// --- Providers ---

	registry := service.NewProviderRegistry(service.RegistryConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		Cooldown:         cfg.Breaker.Cooldown,
		LatencyAlpha:     cfg.Selector.LatencyAlpha,
	}, obs, logger)
	for _, rec := range cfg.Providers {
		if err := registry.Register(rec, llmproxy.NewClient(rec)); err != nil {
			return fmt.Errorf("register provider %s: %w", rec.ID, err)
		}
	}

	selector := service.NewSelector(registry, service.SelectorConfig{
		CapabilityWeight: cfg.Selector.CapabilityWeight,
		LatencyWeight:    cfg.Selector.LatencyWeight,
		CostWeight:       cfg.Selector.CostWeight,
		TargetLatency:    cfg.Selector.TargetLatency,
	})
	gateway := service.NewGateway(registry, selector, completionCache, cfg.Cache.L2TTL, logger)

	// --- Tools ---

	tools := tool.NewRegistry()
	if cfg.MCPConfigFile != "" {
		defs, err := mcp.LoadServers(cfg.MCPConfigFile)
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		for _, def := range defs {
			srv, err := mcp.Connect(ctx, def, logger)
			if err != nil {
				return fmt.Errorf("mcp %s: %w", def.Name, err)
			}
			defer func() { _ = srv.Close() }()
			if err := srv.RegisterTools(ctx, tools); err != nil {
				return fmt.Errorf("mcp %s: %w", def.Name, err)
			}
		}
	}

	// --- Services ---

	runner := service.NewTaskRunner(gateway, tools, cfg.Controller.ModelTimeout, cfg.Executor.ToolTimeout)
	executor := service.NewExecutor(runner, service.ExecutorConfig{
		Parallelism: cfg.Executor.Parallelism,
		BackoffBase: cfg.Executor.BackoffBase,
		BackoffMax:  cfg.Executor.BackoffMax,
	}, obs, logger)
	engine := service.NewSOPEngine(executor, store, logger)
	runner.BindEngine(engine)

	if _, err := os.Stat(cfg.TemplateDir); err == nil {
		if err := engine.LoadDir(os.DirFS(cfg.TemplateDir)); err != nil {
			return fmt.Errorf("templates: %w", err)
		}
		slog.Info("workflow templates loaded", "count", len(engine.List()))
	}

	controller := service.NewController(gateway, tools, store, obs, service.ControllerConfig{
		Budget: session.Budget{
			MaxSteps:   cfg.Controller.MaxSteps,
			MaxTokens:  cfg.Controller.MaxTokens,
			MaxCostUSD: cfg.Controller.MaxCostUSD,
		},
		MaxReparse:   cfg.Controller.MaxReparse,
		ModelTimeout: cfg.Controller.ModelTimeout,
	}, logger)
	controller.BindEngine(engine)

	// --- HTTP ---

	handlers := &rmhttp.Handlers{
		Controller: controller,
		Engine:     engine,
		Registry:   registry,
		Store:      store,
		Tools:      tools,
		GoalCache:  completionCache,
		GoalTTL:    cfg.Cache.L2TTL,
	}

	r := chi.NewRouter()
	r.Use(rmhttp.SecurityHeaders)
	r.Use(rmhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(rmhttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(rmotel.HTTPMiddleware(cfg.Logging.Service))
	}
	r.Use(rmhttp.APIKeyAuth(cfg.Server.APIKeyHash))

	r.Get("/health", healthHandler(cfg, hub))
	r.Get("/ws", hub.HandleWS)
	rmhttp.MountRoutes(r, handlers, "http://localhost:"+cfg.Server.Port)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
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

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// healthHandler returns an http.HandlerFunc that reports service health.
func healthHandler(cfg *config.Config, hub *ws.Hub) http.HandlerFunc {
	type healthStatus struct {
		Status        string `json:"status"`
		NATS          bool   `json:"nats"`
		Cache         bool   `json:"cache"`
		WSConnections int    `json:"ws_connections"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:        "ok",
			NATS:          cfg.NATS.Enabled,
			Cache:         cfg.Cache.Enabled,
			WSConnections: hub.ConnectionCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
