package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/consensus/internal/api"
	"github.com/nidhogg/consensus/internal/config"
	"github.com/nidhogg/consensus/internal/consensus"
	"github.com/nidhogg/consensus/internal/evaluator"
	"github.com/nidhogg/consensus/internal/events"
	"github.com/nidhogg/consensus/internal/keys"
	"github.com/nidhogg/consensus/internal/lease"
	"github.com/nidhogg/consensus/internal/provider"
	"github.com/nidhogg/consensus/internal/search"
	"github.com/nidhogg/consensus/internal/store"
	"github.com/nidhogg/consensus/internal/workflow"
)

// backingStore is everything the server persists.
type backingStore interface {
	workflow.Store
	api.ConversationReader
	keys.Store
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	if level == "debug" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/consensus.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting consensus server...", zap.String("config", cfgPath))

	// Initialize provider registry
	registry := provider.NewRegistry(logger)
	for _, pc := range cfg.Providers {
		registry.Configure(consensus.Provider(pc.Type), provider.ProviderConfig{
			Endpoint: pc.Endpoint,
			Timeout:  time.Duration(pc.TimeoutSeconds) * time.Second,
		})
	}

	// Initialize persistence
	var st backingStore = store.NewMemory()
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), cfg.Database.Postgres.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			st = ps
		}
	}

	// Initialize Redis event bus and leases
	var bus *events.Bus
	var locker lease.Locker = lease.NewLocal()
	var publisher events.Publisher
	var replayer api.Replayer
	if cfg.Database.Redis.URL != "" {
		b, busErr := events.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without event replay", zap.Error(busErr))
		} else {
			bus = b
			publisher = b
			replayer = b
			locker = lease.NewRedis(b.Client(), lease.DefaultTTL, logger)
			logger.Info("Redis event bus connected")
		}
	}
	hub := events.NewHub(publisher, logger)

	// Search sub-step
	var searchStep *search.Step
	if cfg.Search.APIKey != "" {
		client := search.NewClient(search.Config{
			Endpoint:    cfg.Search.Endpoint,
			APIKey:      cfg.Search.APIKey,
			MaxResults:  cfg.Search.MaxResults,
			SearchDepth: cfg.Search.SearchDepth,
		}, logger)
		searchStep = search.NewStep(client, logger)
	} else {
		logger.Info("search api key not set, web search disabled")
	}

	// Workflow
	defaults := workflow.Defaults{
		MaxRounds:          cfg.Workflow.MaxRounds,
		MaxAllowedRounds:   cfg.Workflow.MaxAllowedRounds,
		ConsensusThreshold: cfg.Workflow.ConsensusThreshold,
		ClassifierModel:    cfg.Search.ClassifierModel,
		TargetedRefinement: cfg.Workflow.Targeted(),
		TimeBudget:         time.Duration(cfg.Workflow.TimeBudgetSeconds) * time.Second,
	}
	if cfg.Workflow.DefaultEvaluator != "" {
		ref, _ := config.ParseModelRef(cfg.Workflow.DefaultEvaluator)
		defaults.Evaluator = consensus.ModelSelection{ID: "evaluator", Provider: ref.Provider, ModelID: ref.ModelID}
	}
	rounds := workflow.NewRoundExecutor(registry, searchStep, evaluator.New(logger), st, logger)
	ctrl := workflow.NewController(st, keys.NewResolver(st, cfg.PreviewKeys()), registry, rounds, hub, locker, defaults, logger)

	runCtx, cancelRuns := context.WithCancel(context.Background())
	if cfg.Workflow.ResumeOnStart {
		go func() {
			if err := ctrl.ResumeIncomplete(runCtx); err != nil {
				logger.Warn("resume on start failed", zap.Error(err))
			}
		}()
	}

	// Build HTTP handler
	handler := api.NewHandler(runCtx, ctrl, st, hub, replayer, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("consensus server listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down consensus server...")
	// Interrupted runs keep their last checkpoint and can be resumed.
	cancelRuns()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
	logger.Info("consensus server stopped")
}
