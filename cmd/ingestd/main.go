package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/app"
	"github.com/smukkama/pellet-ingest/internal/httpapi"
	"github.com/smukkama/pellet-ingest/internal/logging"
	"github.com/smukkama/pellet-ingest/internal/orchestrator"
	"github.com/smukkama/pellet-ingest/pkg/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer a.Close()

	if err := a.Orchestrator.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduling", zap.Error(err))
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Address(),
		Handler:           httpapi.New(a.Orchestrator, a.DB, a.Registry, logger).Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	// Catch up on anything dropped while the service was down.
	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		if _, err := a.Orchestrator.RunCycle(ctx, orchestrator.CycleRequest{Trigger: orchestrator.TriggerStartup}); err != nil {
			logger.Info("startup cycle skipped", zap.Error(err))
		}
	}()

	logger.Info("pellet ingest service running",
		zap.Strings("drop_dirs", cfg.Ingest.DropDirs),
		zap.String("schedule", cfg.Ingest.Schedule),
	)
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	a.Orchestrator.Stop()
	startup.Wait()
}
