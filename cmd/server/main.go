package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-engine/internal/api"
	"collab-engine/internal/config"
	"collab-engine/internal/db"
	"collab-engine/internal/repository"
	"collab-engine/internal/schema"
	"collab-engine/internal/services"
	"collab-engine/internal/services/collaboration"
	"collab-engine/internal/telemetry"
	"collab-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		File:        cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting collaboration engine")

	// Tracing first so everything after it is traced.
	jaegerShutdown, err := telemetry.InitJaeger("collab-engine", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("failed to initialize jaeger, continuing without tracing", "error", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Warn("failed to shut down jaeger", "error", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	docRepo := repository.NewDocumentRepository(database.DB)
	opRepo := repository.NewOperationRepository(database.DB)
	verRepo := repository.NewVersionRepository(database.DB)
	eventRepo := repository.NewEventRepository(database.DB)

	registry := schema.NewRegistry()

	eventStore := services.NewEventStore(eventRepo, cfg.EventWorkers, cfg.EventBufferSize, log)
	eventStore.Start()

	svc := services.NewCollabService(
		docRepo,
		opRepo,
		verRepo,
		eventStore,
		registry,
		services.Options{
			ManualQueueCap:   cfg.ManualQueueCap,
			EventBufferSize:  cfg.EventBufferSize,
			OperationTrimCap: cfg.OperationTrimCap,
		},
		log,
	)

	sessionManager := collaboration.NewSessionManager(svc, cfg.SweepInterval, cfg.PresenceTimeout, cfg.BroadcastBuffer, log)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)

	handler := api.NewHandler(svc, registry, eventRepo, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("server forced to shut down", "error", err)
	}

	// Close connections first so no new operations arrive, then the
	// workspaces emitting events, then the event persistence workers.
	sessionManager.Shutdown()
	svc.Shutdown()
	eventStore.Shutdown()

	log.Info("server shutdown complete")
}
