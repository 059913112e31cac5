// Package app wires configuration, storage, the Engine adapter, and the
// Result-Handler Pipeline into the shared core used by cmd/batch-api and
// cmd/batch-worker.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/batchllm/internal/clients/gemini"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/handlers"
	"github.com/ternarybob/batchllm/internal/ratelimit"
	"github.com/ternarybob/batchllm/internal/storage"
	"github.com/ternarybob/batchllm/internal/storage/surrealdb"
	"github.com/ternarybob/batchllm/internal/worker"

	surrealclient "github.com/surrealdb/surrealdb.go"
)

// App holds every initialized dependency shared by the API and worker
// binaries: storage, rate limiters, the Engine adapter, and the
// Result-Handler Pipeline.
type App struct {
	Config *common.Config
	Logger *common.Logger

	DB *surrealclient.DB

	Blob    storage.BlobStore
	Batches *surrealdb.BatchStore
	Files   *surrealdb.FileStore
	Failed  *surrealdb.FailedRequestStore
	Workers *surrealdb.WorkerStore
	Deliveries *surrealdb.HandlerStore

	BatchLimiter *ratelimit.Limiter
	FileLimiter  *ratelimit.Limiter

	Engine   *gemini.Client
	Pipeline *handlers.Pipeline

	StartupTime time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// resolveConfigPath mirrors the binary-dir-then-dev-fallback resolution the
// rest of the ambient stack uses for locating a TOML config file.
func resolveConfigPath(configPath, envVar, filename string) string {
	if configPath != "" {
		return configPath
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	binDir := getBinaryDir()
	candidate := filepath.Join(binDir, filename)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return filepath.Join("config", filename)
}

// NewApp loads configuration, opens the Blob Store and Job Store, and
// constructs the rate limiters, Engine adapter, and Result-Handler Pipeline
// shared by both binaries. configPath may be empty, in which case the
// default resolution logic applies.
func NewApp(ctx context.Context, configPath string) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	configPath = resolveConfigPath(configPath, "BATCHLLM_CONFIG", "batchllm.toml")
	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLogger(config.Logging.Level)

	blobCfg := &storage.BlobStoreConfig{
		Backend: config.Storage.Blob.Backend,
		File: storage.FileBlobConfig{
			BasePath: config.Storage.Blob.File.BasePath,
		},
	}
	blobStore, err := storage.NewBlobStore(logger, blobCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	db, err := surrealdb.Connect(ctx, &config.JobStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	batchStore := surrealdb.NewBatchStore(db, logger)
	fileStore := surrealdb.NewFileStore(db, logger)
	failedStore := surrealdb.NewFailedRequestStore(db, logger)
	workerStore := surrealdb.NewWorkerStore(db, logger)
	handlerStore := surrealdb.NewHandlerStore(db, logger)

	batchLimiter := ratelimit.New(config.RateLimit.BatchesPerMin, config.RateLimit.TrustForwardedFor)
	fileLimiter := ratelimit.New(config.RateLimit.FilesPerMin, config.RateLimit.TrustForwardedFor)

	var engine *gemini.Client
	if config.Engine.APIKey != "" {
		engine, err = gemini.NewClient(ctx, config.Engine.APIKey,
			gemini.WithModel(config.Engine.DefaultModel),
			gemini.WithLogger(logger),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize engine client, batches cannot be processed")
		}
	} else {
		logger.Warn().Msg("no engine API key configured, worker cannot process batches")
	}

	pipeline := handlers.New(
		logger,
		handlerStore,
		config.Handlers.MaxAttempts,
		config.Handlers.BackoffBase(),
		handlers.NewLogHandler(logger),
		handlers.NewWebhookHandler(config.Handlers.WebhookURL, config.Handlers.WebhookSecret, config.Handlers.WebhookTimeout()),
	)

	a := &App{
		Config:       config,
		Logger:       logger,
		DB:           db,
		Blob:         blobStore,
		Batches:      batchStore,
		Files:        fileStore,
		Failed:       failedStore,
		Workers:      workerStore,
		Deliveries:   handlerStore,
		BatchLimiter: batchLimiter,
		FileLimiter:  fileLimiter,
		Engine:       engine,
		Pipeline:     pipeline,
		StartupTime:  startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("app initialized")

	return a, nil
}

// NewWorker constructs the Worker/Scheduler from the App's dependencies.
// Only cmd/batch-worker calls this: the Engine adapter and chunked execution
// loop belong to a single-instance-per-GPU process, never the API service.
func (a *App) NewWorker() *worker.Worker {
	return worker.New(worker.Deps{
		Config:     a.Config,
		Logger:     a.Logger,
		Batches:    a.Batches,
		Files:      a.Files,
		Failed:     a.Failed,
		Blob:       a.Blob,
		Engine:     a.Engine,
		Heartbeats: a.Workers,
		Pipeline:   a.Pipeline,
	})
}

// Close releases all resources held by the App.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close(context.Background())
		a.DB = nil
	}
	if a.Blob != nil {
		a.Blob.Close()
	}
}
