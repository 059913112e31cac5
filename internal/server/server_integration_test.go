package server

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/ternarybob/batchllm/internal/app"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
	"github.com/ternarybob/batchllm/internal/ratelimit"
	"github.com/ternarybob/batchllm/internal/storage"
	"github.com/ternarybob/batchllm/internal/storage/surrealdb"
	tcommon "github.com/ternarybob/batchllm/tests/common"
)

// newTestApp builds an *app.App backed by a real (containerized) SurrealDB
// and a temp-dir file blob store, without going through app.NewApp (which
// also dials an inference engine we don't need for HTTP-handler tests).
func newTestApp(t *testing.T) *app.App {
	t.Helper()

	sc := tcommon.StartSurrealDB(t)
	ctx := context.Background()

	db, err := surreal.New(sc.Address())
	if err != nil {
		t.Fatalf("connect to SurrealDB: %v", err)
	}
	if _, err := db.SignIn(ctx, map[string]interface{}{"user": "root", "pass": "root"}); err != nil {
		t.Fatalf("sign in to SurrealDB: %v", err)
	}
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)
	if err := db.Use(ctx, "batchllm_test", dbName); err != nil {
		t.Fatalf("select namespace/database: %v", err)
	}
	for _, table := range []string{"batch_job", "file", "failed_request", "worker_heartbeat", "system_status", "handler_delivery"} {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surreal.Query[any](ctx, db, sql, nil); err != nil {
			t.Fatalf("define table %s: %v", table, err)
		}
	}
	t.Cleanup(func() { db.Close(context.Background()) })

	logger := common.NewSilentLogger()

	blob, err := storage.NewBlobStore(logger, &storage.BlobStoreConfig{
		Backend: "file",
		File:    storage.FileBlobConfig{BasePath: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("init blob store: %v", err)
	}

	cfg := common.NewDefaultConfig()

	return &app.App{
		Config:       cfg,
		Logger:       logger,
		Blob:         blob,
		Batches:      surrealdb.NewBatchStore(db, logger),
		Files:        surrealdb.NewFileStore(db, logger),
		Failed:       surrealdb.NewFailedRequestStore(db, logger),
		Workers:      surrealdb.NewWorkerStore(db, logger),
		Deliveries:   surrealdb.NewHandlerStore(db, logger),
		BatchLimiter: ratelimit.New(cfg.RateLimit.BatchesPerMin, cfg.RateLimit.TrustForwardedFor),
		FileLimiter:  ratelimit.New(cfg.RateLimit.FilesPerMin, cfg.RateLimit.TrustForwardedFor),
	}
}

// newTestServer wraps newTestApp in a Server, wiring the same hub/logger the
// constructor would, without starting the QueueBroadcaster's poll loop.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	a := newTestApp(t)
	return &Server{
		app:    a,
		logger: a.Logger,
		hub:    NewJobWSHub(a.Logger),
	}
}

// putInputFile uploads content as a registered batch_input file and returns it.
func putInputFile(t *testing.T, s *Server, content string) string {
	t.Helper()
	ctx := context.Background()
	key := storage.ContentKey("batch_input", []byte(content), ".jsonl")
	if err := s.app.Blob.Put(ctx, key, []byte(content)); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	f := &models.File{Purpose: models.PurposeBatchInput, Filename: "in.jsonl", Bytes: int64(len(content)), BlobRef: key}
	if err := s.app.Files.Create(ctx, f); err != nil {
		t.Fatalf("create file record: %v", err)
	}
	return f.FileID
}

const validBatchLine = `{"custom_id":"req-1","method":"POST","url":"/v1/chat/completions","body":{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}}` + "\n"

// registerHealthyWorker writes a fresh, well-within-limits heartbeat so
// admission-control's engine health gate (§4.1 step 2) passes.
func registerHealthyWorker(t *testing.T, s *Server) {
	t.Helper()
	hb := &models.WorkerHeartbeat{
		WorkerID:            "worker-1",
		LastSeen:            time.Now(),
		Status:              models.WorkerStatusIdle,
		GPUMemoryUsedBytes:  0,
		GPUMemoryTotalBytes: 100,
		GPUTemperatureC:     40,
	}
	if err := s.app.Workers.Heartbeat(context.Background(), hb); err != nil {
		t.Fatalf("register healthy worker heartbeat: %v", err)
	}
}
