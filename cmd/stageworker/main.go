package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/dispatch"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/pipeline"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/repository"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/stages"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

// stageworker consumes stage events published by the topic dispatch
// backend and executes them. Each worker process serves one subscription
// endpoint; scale stages independently by running more workers behind a
// stage's topic.
func main() {
	listenAddr := flag.String("listen", "", "listen address for stage events (defaults to dispatch.topic.listen_addr)")
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog := logger.NewDefault()
	logger.SetDefaultLogger(appLog)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize database")
	}
	docRepo := repository.NewDocumentRepository(db)

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

	// Completed stages publish their follow-up through the same topics.
	backend, err := dispatch.NewTopicBackend(&cfg.Dispatch.Topic, appLog)
	if err != nil {
		appLog.WithError(err).Fatal("Failed to initialize topic backend")
	}
	runner.SetDispatcher(backend)

	addr := *listenAddr
	if addr == "" {
		addr = cfg.Dispatch.Topic.ListenAddr
	}
	port, err := portFromAddr(addr)
	if err != nil {
		appLog.WithError(err).Fatal("Invalid listen address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	receiver := dispatch.NewReceiver(runner, port, appLog)
	if err := receiver.Start(ctx); err != nil && ctx.Err() == nil {
		appLog.WithError(err).Fatal("Receiver stopped")
	}

	appLog.Info("Stage worker exited")
}

func portFromAddr(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
