package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/api"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/api/handler"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/pipeline"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/stages"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

func main() {
	// Load configuration
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLog := logger.NewDefault()
	logger.SetDefaultLogger(appLog)
	defer logger.Sync()

	// Initialize database
	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize database")
	}

	// Initialize repositories
	docRepo := repository.NewDocumentRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	// Initialize storage (supports R2, S3, S3-compatible)
	objectStorage, err := storage.NewStorage(&storage.S3Config{
		Type:      storage.StorageType(cfg.Storage.Type),
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize storage")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := objectStorage.EnsureBucket(ctx); err != nil {
		appLog.WithError(err).Fatal("Failed to ensure storage bucket")
	}

	// Build the stage chain with its collaborators
	chain, err := pipeline.NewChain(&cfg.Pipeline, map[string]pipeline.Collaborator{
		pipeline.StagePreprocess:  stages.NewPreprocessor(objectStorage, appLog).Run,
		pipeline.StageExtractText: stages.NewTextExtractor(&cfg.OCR, objectStorage).Run,
		pipeline.StagePredict:     stages.NewPredictor(&cfg.LLM).Run,
		pipeline.StageStructure:   stages.NewStructurer().Run,
		pipeline.StageEvaluate:    stages.NewEvaluator(&cfg.Evaluate).Run,
	})
	if err != nil {
		appLog.WithError(err).Fatal("Failed to build stage chain")
	}

	outputs := pipeline.NewOutputStore(objectStorage, cfg.Pipeline.InlineLimit)
	runner := pipeline.NewStageRunner(chain, docRepo, outputs, appLog)

	// Select the dispatch backend
	var (
		backend dispatch.Backend
		queue   *dispatch.QueueBackend
	)
	switch cfg.Dispatch.Backend {
	case "queue":
		queue = dispatch.NewQueueBackend(&cfg.Dispatch.Queue, taskRepo, runner, appLog)
		backend = queue
	case "topic":
		backend, err = dispatch.NewTopicBackend(&cfg.Dispatch.Topic, appLog)
		if err != nil {
			appLog.WithError(err).Fatal("Failed to initialize topic backend")
		}
	case "null":
		backend = dispatch.NewNullBackend(runner)
	default:
		appLog.WithFields(logger.Fields{"backend": cfg.Dispatch.Backend}).Fatal("Unknown dispatch backend")
	}
	runner.SetDispatcher(backend)

	if queue != nil {
		queue.Start(ctx)
	}

	orchestrator := pipeline.NewOrchestrator(chain, docRepo, backend, cfg.Pipeline.Sweep, appLog)
	orchestrator.StartSweeper(ctx)

	// Setup router
	documentHandler := handler.NewDocumentHandler(docRepo, orchestrator, backend, objectStorage)
	router := api.SetupRouter(documentHandler, appLog, &cfg.Server)

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		appLog.WithFields(logger.Fields{
			"port":    cfg.Server.Port,
			"mode":    cfg.Server.Mode,
			"backend": cfg.Dispatch.Backend,
		}).Info("Starting scanner server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	stop()

	appLog.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("Server forced to shutdown")
	}
	if queue != nil {
		queue.Shutdown(shutdownCtx)
	}

	appLog.Info("Server exited")
}
