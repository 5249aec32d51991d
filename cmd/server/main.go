package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/agencyhq/automation/approvals"
	"github.com/agencyhq/automation/events"
	"github.com/agencyhq/automation/executor"
	"github.com/agencyhq/automation/internal/logger"
	"github.com/agencyhq/automation/ledger"
	"github.com/agencyhq/automation/rules"
	"github.com/agencyhq/automation/sla"
)

// Config is read from the environment at startup.
type Config struct {
	DatabaseURL   string
	Port          string
	Workers       int
	QueueDepth    int
	SweepInterval time.Duration
	MaxAttempts   int
	ReplayWindow  time.Duration
}

func loadConfig() Config {
	cfg := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		Port:          envOr("PORT", "8080"),
		Workers:       envInt("WORKERS", 8),
		QueueDepth:    envInt("QUEUE_DEPTH", 256),
		SweepInterval: envDuration("SWEEP_INTERVAL", 30*time.Second),
		MaxAttempts:   envInt("MAX_ATTEMPTS", 3),
		ReplayWindow:  envDuration("REPLAY_WINDOW", time.Hour),
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		logger.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Warn("invalid duration in environment, using default", "key", key, "value", v, "default", def)
	}
	return def
}

// Server wires the engine's components behind the HTTP API.
type Server struct {
	db        *sql.DB
	rules     rules.Store
	evaluator *rules.Evaluator
	ingress   *events.Ingress
	dispatch  *events.Dispatcher
	gate      *approvals.Gate
	ledger    ledger.Store
	scheduler *sla.Scheduler
	router    *chi.Mux
}

// NewServer builds all stores and the processing pipeline. With an empty
// database URL everything runs on the in-memory stores, which is the
// development and test mode.
func NewServer(cfg Config) (*Server, error) {
	var (
		db            *sql.DB
		ruleStore     rules.Store
		eventStore    events.Store
		ledgerStore   ledger.Store
		approvalStore approvals.Store
		timerStore    sla.Store
	)

	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		ruleStore = rules.NewPostgresStore(db)
		eventStore = events.NewPostgresStore(db)
		ledgerStore = ledger.NewPostgresStore(db)
		approvalStore = approvals.NewPostgresStore(db)
		timerStore = sla.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		ruleStore = rules.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		ledgerStore = ledger.NewMemoryStore()
		approvalStore = approvals.NewMemoryStore()
		timerStore = sla.NewMemoryStore()
	}

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	exec := executor.New(executor.Config{MaxAttempts: cfg.MaxAttempts}, executor.Deps{
		Rules:     ruleStore,
		Evaluator: evaluator,
		Events:    eventStore,
		Ledger:    ledgerStore,
		Approvals: approvalStore,
		Notifier:  logNotifier{},
		Entities:  newMemoryEntities(),
		Webhooks:  newHTTPWebhookClient(),
	})

	dispatch := events.NewDispatcher(cfg.Workers, cfg.QueueDepth, exec)
	ingress := events.NewIngress(eventStore, dispatch)
	scheduler := sla.NewScheduler(timerStore, ingress, cfg.SweepInterval)
	exec.Bind(ingress, scheduler)
	gate := approvals.NewGate(approvalStore, exec)

	s := &Server{
		db:        db,
		rules:     ruleStore,
		evaluator: evaluator,
		ingress:   ingress,
		dispatch:  dispatch,
		gate:      gate,
		ledger:    ledgerStore,
		scheduler: scheduler,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Post("/events", s.handleIngestEvent)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.handleListRules)
		r.Put("/{ruleId}", s.handlePutRule)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Delete("/{ruleId}", s.handleDisableRule)
	})

	r.Route("/packs", func(r chi.Router) {
		r.Put("/{packId}", s.handlePutPack)
		r.Get("/{packId}", s.handleGetPack)
		r.Post("/{packId}/install", s.handleInstallPack)
		r.Post("/{packId}/uninstall", s.handleUninstallPack)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Get("/", s.handleListApprovals)
		r.Get("/{requestId}", s.handleGetApproval)
		r.Post("/{requestId}/review", s.handleReviewApproval)
		r.Post("/{requestId}/approve", s.handleApproveApproval)
		r.Post("/{requestId}/reject", s.handleRejectApproval)
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/stats", s.handleExecutionStats)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func main() {
	cfg := loadConfig()

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	server.dispatch.Start(context.Background())

	// Events persisted before the last shutdown but not fully processed are
	// re-enqueued; processed pairs are no-ops at the ledger guard.
	if n, err := server.ingress.Replay(context.Background(), time.Now().Add(-cfg.ReplayWindow)); err != nil {
		logger.Error("event replay failed", "error", err)
	} else if n > 0 {
		logger.Info("event replay complete", "count", n)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go server.scheduler.Run(sweepCtx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	stopSweep()
	server.dispatch.Stop()
	logger.Info("server stopped")
}
