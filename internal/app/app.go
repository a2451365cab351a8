// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivemark/hivemark/internal/api"
	"github.com/hivemark/hivemark/internal/config"
	"github.com/hivemark/hivemark/internal/credentials"
	"github.com/hivemark/hivemark/internal/delivery"
	"github.com/hivemark/hivemark/internal/goals"
	"github.com/hivemark/hivemark/internal/pkg/httputil"
	"github.com/hivemark/hivemark/internal/pkg/metrics"
	pgutil "github.com/hivemark/hivemark/internal/pkg/postgres"
	"github.com/hivemark/hivemark/internal/queue"
	queuepostgres "github.com/hivemark/hivemark/internal/queue/postgres"
	"github.com/hivemark/hivemark/internal/reachability"
	"github.com/hivemark/hivemark/internal/remote"
	"github.com/hivemark/hivemark/internal/version"
)

// App represents the daemon instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	store         queue.Store
	creds         credentials.Store
	engine        *delivery.Engine
	uploader      *delivery.BatchUploader
	goals         *goals.Manager
	monitor       *reachability.Monitor
	server        *http.Server
	metricsServer *http.Server

	syncTrigger chan struct{}
	bgCancel    context.CancelFunc
	bgCtx       context.Context
}

// New creates the daemon: stores hydrated, delivery engine wired, HTTP
// servers configured but not yet listening.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:      cfg,
		logger:      logger,
		syncTrigger: make(chan struct{}, 1),
		bgCtx:       bgCtx,
		bgCancel:    bgCancel,
	}

	if err := app.setupStores(); err != nil {
		bgCancel()
		return nil, err
	}

	client := remote.NewClient(remote.ClientConfig{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: cfg.Remote.UserAgent,
	})

	app.engine = delivery.NewEngine(delivery.EngineOptions{
		Store:         app.store,
		API:           client,
		Credentials:   app.creds,
		RatePerSecond: cfg.Sync.RatePerSecond,
		Burst:         cfg.Sync.Burst,
	})
	app.uploader = delivery.NewBatchUploader(app.store, client, app.creds, app.engine.AuthRequired)

	cache, err := goals.NewCache(cfg.Goals.CachePath)
	if err != nil {
		bgCancel()
		return nil, fmt.Errorf("create goals cache: %w", err)
	}
	if err := cache.Hydrate(bgCtx); err != nil {
		slog.Error("failed to hydrate goals cache", "error", err)
	}
	app.goals = goals.NewManager(cache, client, app.creds, cfg.Goals.StaleAfter)

	app.monitor = reachability.NewMonitor(
		reachability.HTTPProbe(cfg.Remote.BaseURL),
		cfg.Sync.ProbeInterval,
	)
	app.monitor.Subscribe(func(online bool) {
		app.engine.SetOnline(bgCtx, online)
	})

	router := app.setupRouter()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// setupStores builds the queue and credential stores per config and
// hydrates persisted state.
func (a *App) setupStores() error {
	switch a.config.Queue.Backend {
	case config.QueueBackendPostgres:
		connectCtx, cancel := context.WithTimeout(a.bgCtx, 30*time.Second)
		defer cancel()

		if err := queuepostgres.Migrate(a.config.Queue.DatabaseURL); err != nil {
			return fmt.Errorf("migrate queue schema: %w", err)
		}
		pool, err := pgutil.Connect(connectCtx, a.config.Queue.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = pool
		a.store = queuepostgres.NewStore(pool, a.config.Queue.StuckThreshold)

	default:
		store, err := queue.NewFileStore(queue.FileStoreOptions{
			Path:           a.config.Queue.Path,
			StuckThreshold: a.config.Queue.StuckThreshold,
		})
		if err != nil {
			return fmt.Errorf("create queue store: %w", err)
		}
		a.store = store
	}

	if err := a.store.Hydrate(a.bgCtx); err != nil {
		return fmt.Errorf("hydrate queue: %w", err)
	}

	creds, err := credentials.NewFileStore(a.config.Credentials.Dir)
	if err != nil {
		return fmt.Errorf("create credential store: %w", err)
	}
	a.creds = creds
	return nil
}

// Run starts the HTTP servers and background loops. Blocks until the
// main server stops.
func (a *App) Run() error {
	go a.monitor.Run(a.bgCtx)
	go a.syncLoop()
	go a.collectQueueMetrics()
	if a.db != nil {
		go a.collectDBMetrics()
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"queue_backend", a.config.Queue.Backend,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the servers and background loops.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.bgCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if a.db != nil {
		a.db.Close()
	}

	return errors.Join(errs...)
}

// TriggerSync schedules a sync round. Non-blocking; a trigger arriving
// while one is already pending is coalesced.
func (a *App) TriggerSync() {
	select {
	case a.syncTrigger <- struct{}{}:
	default:
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Engine returns the delivery engine. Used in tests.
func (a *App) Engine() *delivery.Engine {
	return a.engine
}

// syncLoop runs batch upload rounds: on explicit triggers and on the
// periodic schedule, whenever the queue has work.
func (a *App) syncLoop() {
	ticker := time.NewTicker(a.config.Sync.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.syncTrigger:
		case <-ticker.C:
		case <-a.bgCtx.Done():
			return
		}

		pending, err := a.store.PendingCount(a.bgCtx)
		if err != nil || pending == 0 {
			continue
		}
		if !a.monitor.Online() {
			continue
		}
		if err := a.uploader.SubmitPending(a.bgCtx); err != nil {
			a.logger.Error("sync round failed", "error", err)
		}
	}
}

func (a *App) collectQueueMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.store.QueueStats(a.bgCtx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-a.bgCtx.Done():
			return
		}
	}
}

func (a *App) collectDBMetrics() {
	metrics.RecordPoolStats(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordPoolStats(a.db)
		case <-a.bgCtx.Done():
			return
		}
	}
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware first to measure full request time.
	r.Use(httputil.Metrics)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLogger(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi.yaml")
	})

	handler := api.NewHandler(a.engine, a.store, a.goals, a.creds, a.TriggerSync)

	r.Route("/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)

		if a.config.Ingest.JWTSecret != "" {
			ingest := api.NewIngestHandler(a.store, a.config.Ingest.JWTSecret, a.TriggerSync)
			ingest.RegisterRoutes(r)
		}
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.Ping(ctx); err != nil {
			httputil.LoggerFrom(r.Context()).Error("readiness check failed", "error", err)
			httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
			return
		}
	}
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
