package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/auth"
	"github.com/nidhogg/overseer/internal/capability"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/session"
	"github.com/nidhogg/overseer/internal/skills"
	pgstore "github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/toolserver"
	"github.com/nidhogg/overseer/internal/workspace"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store. The tool-server registry and session
	// records live here; there is no degraded mode without it.
	store, err := pgstore.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := store.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Initialize change notifier
	var notifier notify.Notifier
	if cfg.Database.Redis.URL != "" {
		bus, busErr := notify.NewBus(cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without change notifications", zap.Error(busErr))
		} else {
			notifier = bus
		}
	}

	// Initialize tool-server connection manager and its reconcile loop
	manager := toolserver.NewManager(store, nil, logger)
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	go manager.Run(reconcileCtx, cfg.ToolServers.ReconcileInterval())

	// Initialize skill store
	globalDir := cfg.Skills.GlobalDir
	if globalDir == "" {
		globalDir = "data/skills/global"
	}
	usersRoot := cfg.Skills.UsersRoot
	if usersRoot == "" {
		usersRoot = "data/skills/users"
	}
	skillStore := skills.NewStore(globalDir, usersRoot, logger)

	// Initialize session registry
	workRoot := cfg.Workspaces.Root
	if workRoot == "" {
		workRoot = "data/workspaces"
	}
	caps := &capability.Source{Manager: manager, Skills: skillStore}
	start := session.NewExecStarter(cfg.Agent.Command, cfg.Agent.Env)
	registry := session.NewRegistry(workRoot, start, caps, logger)

	// Resynchronize artifacts for workspaces that survived a restart.
	syncer := workspace.NewSyncer(store, notifier, logger)
	if records, listErr := store.ListSessions(context.Background()); listErr != nil {
		logger.Warn("failed to list persisted sessions", zap.Error(listErr))
	} else {
		dirs := make([]string, 0, len(records))
		for _, rec := range records {
			if _, statErr := os.Stat(rec.WorkDir); statErr == nil {
				dirs = append(dirs, rec.WorkDir)
			}
		}
		syncer.SyncAll(context.Background(), dirs)
		logger.Info("Workspace artifacts resynchronized", zap.Int("count", len(dirs)))
	}

	verifier := auth.NewStaticVerifier(cfg.Auth.Tokens)

	// Build HTTP handler
	handler := api.NewHandler(registry, manager, skillStore, store, syncer, notifier, verifier, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	stopReconcile()
	srv.Shutdown(context.Background())
	registry.Close()
	manager.Close()
	if notifier != nil {
		notifier.Close()
	}
	store.Close()
}
