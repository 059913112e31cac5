package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/batchllm/internal/clients/gemini"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/handlers"
	"github.com/ternarybob/batchllm/internal/metrics"
	"github.com/ternarybob/batchllm/internal/models"
	"github.com/ternarybob/batchllm/internal/storage"
)

// chunkThresholds maps a GPU-memory-pressure tier to the chunk size (lines
// processed, then checkpointed, per iteration). Ordered loosest-first; the
// worker picks the first (largest) chunk whose minimum free-memory fraction
// the current free GPU memory meets (§4.3, §6.6).
var chunkThresholds = []struct {
	minFreePct float64
	size       int
}{
	{0.40, 5000},
	{0.25, 3000},
	{0.10, 1000},
	{0.00, 500},
}

// BatchRequest is one line of a batch input file (OpenAI-compatible batch format, §6.1).
type BatchRequest struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

type batchRequestBody struct {
	Model       string  `json:"model"`
	Messages    []any   `json:"messages,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int32   `json:"max_tokens,omitempty"`
}

// BatchOutputLine is one line of a batch output or error file (§6.1).
type BatchOutputLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *BatchResponse  `json:"response,omitempty"`
	Error    *BatchLineError `json:"error,omitempty"`
}

type BatchResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

type BatchLineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Engine is the model-serving contract the worker drives (§4.3). gemini.Client
// satisfies it; tests substitute a fake.
type Engine interface {
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context) error
	Health(ctx context.Context) error
	CurrentModel() string
	Generate(ctx context.Context, prompt string, params gemini.GenerateParams) (*gemini.GenerateResult, error)
}

// Worker runs the scheduler run loop: dequeue, load model, process chunks,
// checkpoint, heartbeat, and cooperative cancellation (§4.3).
type Worker struct {
	id         string
	config     *common.Config
	logger     *common.Logger
	batches    BatchStoreAPI
	files      FileStoreAPI
	failed     FailedRequestStoreAPI
	blob       storage.BlobStore
	engine     Engine
	gpuSampler GPUSampler
	heartbeats HeartbeatWriter
	pipeline   *handlers.Pipeline
	models     *ModelRegistry
	startedAt  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BatchStoreAPI is the subset of surrealdb.BatchStore the worker depends on.
type BatchStoreAPI interface {
	Dequeue(ctx context.Context, workerID string) (*models.BatchJob, error)
	Get(ctx context.Context, batchID string) (*models.BatchJob, error)
	UpdateProgress(ctx context.Context, batchID string, completed, failed int, tokens int64, throughput float64) error
	Finalize(ctx context.Context, batchID, status string, outputFileID, errorFileID *string, errCode, errMsg string) error
}

// FileStoreAPI is the subset of surrealdb.FileStore the worker depends on.
type FileStoreAPI interface {
	Get(ctx context.Context, fileID string) (*models.File, error)
	Create(ctx context.Context, f *models.File) error
}

// FailedRequestStoreAPI is the subset of surrealdb.FailedRequestStore the worker depends on.
type FailedRequestStoreAPI interface {
	Record(ctx context.Context, fr *models.FailedRequest) error
	ListByBatch(ctx context.Context, batchID string) ([]*models.FailedRequest, error)
}

// HeartbeatWriter is the subset of surrealdb.WorkerStore the worker depends on.
type HeartbeatWriter interface {
	Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error
}

// GPUSampler reports current GPU pressure; the default implementation reports
// no pressure (CPU-only or unmonitored deployments) so chunking always uses
// the largest size.
type GPUSampler func() (usedBytes, totalBytes int64, temperatureC, utilizationPct float64)

func defaultGPUSampler() (int64, int64, float64, float64) { return 0, 0, 0, 0 }

// Deps bundles Worker's constructor dependencies.
type Deps struct {
	Config     *common.Config
	Logger     *common.Logger
	Batches    BatchStoreAPI
	Files      FileStoreAPI
	Failed     FailedRequestStoreAPI
	Blob       storage.BlobStore
	Engine     Engine
	Heartbeats HeartbeatWriter
	Pipeline   *handlers.Pipeline
	Models     *ModelRegistry
	GPU        GPUSampler
}

// New creates a Worker from its dependencies.
func New(d Deps) *Worker {
	gpu := d.GPU
	if gpu == nil {
		gpu = defaultGPUSampler
	}
	registry := d.Models
	if registry == nil {
		registry = NewModelRegistry(d.Config.Worker.Models)
	}
	return &Worker{
		id:         d.Config.Worker.WorkerID,
		config:     d.Config,
		logger:     d.Logger,
		batches:    d.Batches,
		files:      d.Files,
		failed:     d.Failed,
		blob:       d.Blob,
		engine:     d.Engine,
		gpuSampler: gpu,
		heartbeats: d.Heartbeats,
		pipeline:   d.Pipeline,
		models:     registry,
		startedAt:  time.Now(),
	}
}

func ptr[T any](v T) *T { return &v }

// safeGo launches a goroutine with panic recovery, mirroring the job
// manager pattern used for the rest of the service's background loops.
func (w *Worker) safeGo(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the run loop and heartbeat loop.
func (w *Worker) Start() {
	if w.cancel != nil {
		w.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.safeGo("heartbeat", func() { w.heartbeatLoop(ctx) })
	w.safeGo("run-loop", func() { w.runLoop(ctx) })

	w.logger.Info().Str("worker_id", w.id).Msg("worker started")
}

// Stop cancels all loops and waits for completion.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.wg.Wait()
	w.logger.Info().Str("worker_id", w.id).Msg("worker stopped")
}

func (w *Worker) runLoop(ctx context.Context) {
	interval := w.config.Worker.PollInterval()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.batches.Dequeue(ctx, w.id)
		if err != nil {
			w.logger.Warn().Err(err).Msg("dequeue failed")
			if !sleepCtx(ctx, interval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, interval) {
				return
			}
			continue
		}

		w.processBatch(ctx, job)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// partialOutputKey is the durable, in-progress output blob a job's partial
// results are flushed to at every chunk boundary (§4.3.1 step 4, "Partial
// output blob" glossary entry). It is promoted to an immutable output File
// at finalisation and removed once that's done.
func partialOutputKey(batchID string) string {
	return fmt.Sprintf("%s/%s.partial.jsonl", models.PurposeBatchOutput, batchID)
}

// splitOutputCounts parses a partial/final output blob and reports how many
// lines completed successfully versus carry an error. Resume point and
// whole-job-failure decisions are both derived from this, not from job
// counters, since the blob is the durable source of truth (§4.3.1 step 2).
func splitOutputCounts(data []byte) (completed, failed int) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out BatchOutputLine
		if err := json.Unmarshal(line, &out); err == nil && out.Error != nil {
			failed++
		} else {
			completed++
		}
	}
	return completed, failed
}

// processBatch drives one batch job from "in_progress" to a terminal state,
// loading the model if it differs from what's currently resident (hot-swap),
// streaming results chunk by chunk with incremental checkpointing.
func (w *Worker) processBatch(ctx context.Context, job *models.BatchJob) {
	logger := w.logger.WithCorrelationId(job.BatchID)

	if used, total, _, _ := w.gpuSampler(); total > 0 {
		if ok, reason := w.models.Fits(job.Model, total-used, w.config.Worker.CPURAMBytes); !ok {
			w.fail(ctx, job, "insufficient_memory", reason)
			return
		}
	}

	if w.engine.CurrentModel() != job.Model {
		if err := w.engine.Load(ctx, job.Model); err != nil {
			w.fail(ctx, job, "model_load_failed", err.Error())
			return
		}
	}

	inputFile, err := w.files.Get(ctx, job.InputFileID)
	if err != nil || inputFile == nil {
		w.fail(ctx, job, "file_missing", fmt.Sprintf("could not resolve input file: %v", err))
		return
	}

	inputReader, err := w.blob.GetReader(ctx, inputFile.BlobRef)
	if err != nil {
		w.fail(ctx, job, "file_missing", err.Error())
		return
	}
	defer inputReader.Close()

	outputKey := fmt.Sprintf("%s/%s.jsonl", models.PurposeBatchOutput, job.BatchID)
	partialKey := partialOutputKey(job.BatchID)

	// buf mirrors the durable partial blob's content in memory between
	// flushes; rehydrated from it so a crash loses at most one chunk.
	var buf bytes.Buffer
	if existing, err := w.blob.Get(ctx, partialKey); err == nil {
		buf.Write(existing)
	} else if err != storage.ErrBlobNotFound {
		w.fail(ctx, job, "internal", err.Error())
		return
	}
	prevCompleted, prevFailed := splitOutputCounts(buf.Bytes())
	resumeFrom := prevCompleted + prevFailed

	scanner := bufio.NewScanner(inputReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lineIdx, completed, failedCount, linesInChunk int
	var tokens int64
	chunkStart := time.Now()
	chunk := w.chunkSize()
	consecutiveFloorFailures := 0
	floor := w.config.Worker.ChunkSizeMin

	checkpoint := func() {
		w.persistPartial(ctx, job, partialKey, buf.Bytes())
		elapsed := time.Since(chunkStart).Seconds()
		throughput := 0.0
		if elapsed > 0 {
			throughput = float64(tokens) / elapsed
		}
		w.batches.UpdateProgress(ctx, job.BatchID, prevCompleted+completed, prevFailed+failedCount, tokens, throughput)
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			checkpoint()
			return
		default:
		}

		line := scanner.Text()
		if lineIdx < resumeFrom {
			lineIdx++
			continue
		}

		if linesInChunk == 0 {
			// Pre-flight GPU health before starting a new chunk (§4.3.1
			// step 4): halve down to the floor on trouble, grow back only
			// after a clean chunk, fail the whole job after two
			// consecutive unhealthy pre-flights at the floor.
			if w.gpuPreflightHealthy() {
				consecutiveFloorFailures = 0
				chunk = w.chunkSize()
			} else if chunk > floor {
				chunk /= 2
				if chunk < floor {
					chunk = floor
				}
			} else {
				consecutiveFloorFailures++
				if consecutiveFloorFailures >= 2 {
					checkpoint()
					w.fail(ctx, job, "gpu_unhealthy", "GPU health check failed twice at the minimum chunk size")
					return
				}
			}
		}

		if status, _ := w.pollStatus(ctx, job.BatchID); status == models.BatchStatusCancelling {
			checkpoint()
			w.finalizeCancel(ctx, job)
			return
		}

		var req BatchRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			w.recordFailure(ctx, job.BatchID, "", lineIdx, models.ErrorKindValidation, err.Error())
			failedCount++
			lineIdx++
			continue
		}

		out, tok, err := w.executeOne(ctx, job, req)
		if err != nil {
			w.recordFailure(ctx, job.BatchID, req.CustomID, lineIdx, models.ErrorKindInference, err.Error())
			failedCount++
		} else {
			completed++
			tokens += tok
		}

		data, _ := json.Marshal(out)
		buf.Write(data)
		buf.WriteByte('\n')

		lineIdx++
		linesInChunk++

		if linesInChunk >= chunk {
			checkpoint()
			linesInChunk = 0
			chunkStart = time.Now()
		}
	}
	checkpoint()

	metrics.TokensProcessedTotal.Add(float64(tokens))
	w.finalizeSuccess(ctx, job, buf.Bytes(), outputKey, partialKey, logger)
}

func (w *Worker) persistPartial(ctx context.Context, job *models.BatchJob, key string, data []byte) {
	if err := w.blob.Put(ctx, key, data); err != nil {
		w.logger.Warn().Err(err).Str("batch_id", job.BatchID).Msg("failed to persist partial output blob")
	}
}

// gpuPreflightHealthy mirrors the API layer's engine-health check
// (server.engineUnhealthy) but samples the GPU directly rather than
// through a heartbeat row, since the worker is the one driving it.
func (w *Worker) gpuPreflightHealthy() bool {
	used, total, tempC, _ := w.gpuSampler()
	if total <= 0 {
		return true
	}
	memPct := 100 * float64(used) / float64(total)
	if int(memPct) >= w.config.Worker.GPUMemoryPctLimit {
		return false
	}
	if int(tempC) >= w.config.Worker.GPUTemperatureCLimit {
		return false
	}
	return true
}

func (w *Worker) executeOne(ctx context.Context, job *models.BatchJob, req BatchRequest) (*BatchOutputLine, int64, error) {
	var body batchRequestBody
	var prompt string
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &body); err == nil {
			prompt = body.Prompt
			if prompt == "" {
				var parts []string
				for _, m := range body.Messages {
					if msg, ok := m.(map[string]any); ok {
						if content, ok := msg["content"].(string); ok && content != "" {
							parts = append(parts, content)
						}
					}
				}
				prompt = strings.Join(parts, "\n")
			}
		}
	}

	result, err := w.engine.Generate(ctx, prompt, gemini.GenerateParams{
		Temperature:     ptr(body.Temperature),
		MaxOutputTokens: body.MaxTokens,
	})
	if err != nil {
		return &BatchOutputLine{
			ID:       req.CustomID,
			CustomID: req.CustomID,
			Error:    &BatchLineError{Code: "inference_error", Message: err.Error()},
		}, 0, err
	}
	if result.Err != nil {
		return &BatchOutputLine{
			ID:       req.CustomID,
			CustomID: req.CustomID,
			Error:    &BatchLineError{Code: "empty_response", Message: result.Err.Error()},
		}, 0, result.Err
	}

	respBody, _ := json.Marshal(map[string]any{"text": result.Text})
	return &BatchOutputLine{
		ID:       req.CustomID,
		CustomID: req.CustomID,
		Response: &BatchResponse{StatusCode: 200, Body: respBody},
	}, result.PromptTokens + result.CompletionTokens, nil
}

// chunkSize selects a checkpoint interval from current GPU pressure (§4.3, §6.6).
func (w *Worker) chunkSize() int {
	used, total, _, _ := w.gpuSampler()
	freePct := 1.0
	if total > 0 {
		freePct = 1 - float64(used)/float64(total)
	}
	for _, t := range chunkThresholds {
		if freePct >= t.minFreePct {
			return t.size
		}
	}
	return w.config.Worker.ChunkSizeMin
}

func (w *Worker) pollStatus(ctx context.Context, batchID string) (string, error) {
	job, err := w.batches.Get(ctx, batchID)
	if err != nil || job == nil {
		return "", err
	}
	return job.Status, nil
}

func (w *Worker) recordFailure(ctx context.Context, batchID, customID string, idx int, kind, msg string) {
	w.failed.Record(ctx, &models.FailedRequest{
		BatchID:      batchID,
		CustomID:     customID,
		RequestIndex: idx,
		ErrorKind:    kind,
		ErrorMessage: msg,
	})
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *models.BatchJob, data []byte, outputKey, partialKey string, logger *common.Logger) {
	if err := w.blob.Put(ctx, outputKey, data); err != nil {
		w.fail(ctx, job, "internal", err.Error())
		return
	}

	outFile := &models.File{Purpose: models.PurposeBatchOutput, Filename: job.BatchID + "_output.jsonl", Bytes: int64(len(data)), BlobRef: outputKey}
	if err := w.files.Create(ctx, outFile); err != nil {
		w.fail(ctx, job, "internal", err.Error())
		return
	}

	var errorFileID *string
	if failures, _ := w.failed.ListByBatch(ctx, job.BatchID); len(failures) > 0 {
		errKey := fmt.Sprintf("%s/%s.jsonl", models.PurposeBatchErrors, job.BatchID)
		var sb strings.Builder
		for _, fr := range failures {
			line, _ := json.Marshal(BatchOutputLine{
				ID:       fr.CustomID,
				CustomID: fr.CustomID,
				Error:    &BatchLineError{Code: fr.ErrorKind, Message: fr.ErrorMessage},
			})
			sb.Write(line)
			sb.WriteByte('\n')
		}
		if err := w.blob.Put(ctx, errKey, []byte(sb.String())); err == nil {
			errFile := &models.File{Purpose: models.PurposeBatchErrors, Filename: job.BatchID + "_errors.jsonl", Bytes: int64(sb.Len()), BlobRef: errKey}
			if err := w.files.Create(ctx, errFile); err == nil {
				errorFileID = &errFile.FileID
			}
		}
	}

	// A job fails whole-job, rather than completing with per-request errors,
	// when 100% of its requests produced an inference error (§7).
	status := models.BatchStatusCompleted
	errCode, errMsg := "", ""
	if completedLines, failedLines := splitOutputCounts(data); completedLines == 0 && failedLines > 0 {
		status = models.BatchStatusFailed
		errCode = "inference_error"
		errMsg = "all requests in the batch produced inference errors"
	}

	if err := w.batches.Finalize(ctx, job.BatchID, status, &outFile.FileID, errorFileID, errCode, errMsg); err != nil {
		logger.Warn().Err(err).Msg("failed to finalize batch")
		return
	}
	w.blob.Delete(ctx, partialKey)

	if w.pipeline != nil {
		job.Status = status
		job.OutputFileID = &outFile.FileID
		job.ErrorFileID = errorFileID
		w.pipeline.Dispatch(ctx, job)
	}
}

func (w *Worker) finalizeCancel(ctx context.Context, job *models.BatchJob) {
	w.batches.Finalize(ctx, job.BatchID, models.BatchStatusCancelled, nil, nil, "", "cancelled by request")
}

func (w *Worker) fail(ctx context.Context, job *models.BatchJob, code, msg string) {
	w.logger.Error().Str("batch_id", job.BatchID).Str("code", code).Str("message", msg).Msg("batch failed")
	w.batches.Finalize(ctx, job.BatchID, models.BatchStatusFailed, nil, nil, code, msg)
}
