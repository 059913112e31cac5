package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

// batchSelectFields lists the fields to select from batch_job.
const batchSelectFields = `batch_id, input_file_id, endpoint, completion_window, model, priority,
	metadata, status, total_requests, completed_requests, failed_requests, tokens_processed,
	current_throughput_tokens_per_s, last_progress_at, estimated_completion_at, queue_position,
	created_at, in_progress_at, finalized_at, expires_at, output_file_id, error_file_id,
	error_code, error_message, worker_id`

// BatchStore implements the Job Store for BatchJob records (spec §4.2) using SurrealDB.
//
// Dequeue uses a two-step select-then-conditional-update so that only one
// worker ever wins the race on a given pending batch (§5 CAS requirement).
type BatchStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewBatchStore creates a new BatchStore.
func NewBatchStore(db *surrealdb.DB, logger *common.Logger) *BatchStore {
	return &BatchStore{db: db, logger: logger}
}

// Create inserts a new batch job in "validating" status.
func (s *BatchStore) Create(ctx context.Context, job *models.BatchJob) error {
	if job.BatchID == "" {
		job.BatchID = "batch_" + uuid.New().String()[:12]
	}
	if job.Status == "" {
		job.Status = models.BatchStatusValidating
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.Priority = models.ClampPriority(job.Priority)

	sql := `UPSERT $rid SET
		batch_id = $batch_id, input_file_id = $input_file_id, endpoint = $endpoint,
		completion_window = $completion_window, model = $model, priority = $priority,
		metadata = $metadata, status = $status, total_requests = $total_requests,
		completed_requests = 0, failed_requests = 0, tokens_processed = 0,
		created_at = $created_at, expires_at = $expires_at`
	vars := map[string]any{
		"rid":               surrealmodels.NewRecordID("batch_job", job.BatchID),
		"batch_id":          job.BatchID,
		"input_file_id":     job.InputFileID,
		"endpoint":          job.Endpoint,
		"completion_window": job.CompletionWindow,
		"model":             job.Model,
		"priority":          job.Priority,
		"metadata":          job.Metadata,
		"status":            job.Status,
		"total_requests":    job.TotalRequests,
		"created_at":        job.CreatedAt,
		"expires_at":        job.ExpiresAt,
	}

	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	return nil
}

// Get fetches a single batch job by ID.
func (s *BatchStore) Get(ctx context.Context, batchID string) (*models.BatchJob, error) {
	sql := "SELECT " + batchSelectFields + " FROM batch_job WHERE batch_id = $id"
	vars := map[string]any{"id": batchID}

	results, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// Dequeue atomically claims the next eligible pending batch for a worker.
//
// Ordering (§4.3): resumable batches (already in_progress, owned by no live
// worker) are returned ahead of fresh validating batches; within each group,
// priority descending then created_at ascending.
func (s *BatchStore) Dequeue(ctx context.Context, workerID string) (*models.BatchJob, error) {
	if job, err := s.dequeueResumable(ctx, workerID); job != nil || err != nil {
		return job, err
	}
	return s.dequeueFresh(ctx, workerID)
}

func (s *BatchStore) dequeueResumable(ctx context.Context, workerID string) (*models.BatchJob, error) {
	selectSQL := "SELECT " + batchSelectFields + ` FROM batch_job
		WHERE status = $in_progress AND (worker_id = NONE OR worker_id = '')
		ORDER BY priority DESC, created_at ASC LIMIT 1`
	vars := map[string]any{"in_progress": models.BatchStatusInProgress}

	candidates, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select resumable batch: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}
	candidate := (*candidates)[0].Result[0]

	updateSQL := `UPDATE $rid SET worker_id = $worker WHERE worker_id = NONE OR worker_id = ''`
	updateVars := map[string]any{
		"rid":    surrealmodels.NewRecordID("batch_job", candidate.BatchID),
		"worker": workerID,
	}
	claimed, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, updateSQL, updateVars)
	if err != nil {
		return nil, fmt.Errorf("failed to claim resumable batch: %w", err)
	}
	if claimed == nil || len(*claimed) == 0 || len((*claimed)[0].Result) == 0 {
		// Another worker claimed this batch between the select and the update.
		return nil, nil
	}
	candidate.WorkerID = workerID
	return &candidate, nil
}

func (s *BatchStore) dequeueFresh(ctx context.Context, workerID string) (*models.BatchJob, error) {
	selectSQL := "SELECT " + batchSelectFields + ` FROM batch_job
		WHERE status = $validating ORDER BY priority DESC, created_at ASC LIMIT 1`
	vars := map[string]any{"validating": models.BatchStatusValidating}

	candidates, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, selectSQL, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate batch: %w", err)
	}
	if candidates == nil || len(*candidates) == 0 || len((*candidates)[0].Result) == 0 {
		return nil, nil
	}
	candidate := (*candidates)[0].Result[0]

	now := time.Now()
	updateSQL := `UPDATE $rid SET status = $in_progress, in_progress_at = $now, worker_id = $worker
		WHERE status = $validating`
	updateVars := map[string]any{
		"rid":         surrealmodels.NewRecordID("batch_job", candidate.BatchID),
		"in_progress": models.BatchStatusInProgress,
		"validating":  models.BatchStatusValidating,
		"now":         now,
		"worker":      workerID,
	}
	claimed, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, updateSQL, updateVars)
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}
	if claimed == nil || len(*claimed) == 0 || len((*claimed)[0].Result) == 0 {
		// Another worker claimed this batch between the select and the update.
		return nil, nil
	}

	candidate.Status = models.BatchStatusInProgress
	candidate.InProgressAt = &now
	candidate.WorkerID = workerID
	return &candidate, nil
}

// UpdateProgress persists incremental counters written after each processed chunk.
func (s *BatchStore) UpdateProgress(ctx context.Context, batchID string, completed, failed int, tokens int64, throughput float64) error {
	now := time.Now()
	sql := `UPDATE $rid SET completed_requests = $completed, failed_requests = $failed,
		tokens_processed = $tokens, current_throughput_tokens_per_s = $throughput, last_progress_at = $now`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("batch_job", batchID),
		"completed":  completed,
		"failed":     failed,
		"tokens":     tokens,
		"throughput": throughput,
		"now":        now,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to update batch progress: %w", err)
	}
	return nil
}

// Finalize transitions a batch to a terminal status and records output/error files.
func (s *BatchStore) Finalize(ctx context.Context, batchID, status string, outputFileID, errorFileID *string, errCode, errMsg string) error {
	now := time.Now()
	sql := `UPDATE $rid SET status = $status, finalized_at = $now, output_file_id = $output,
		error_file_id = $errfile, error_code = $error_code, error_message = $error_message`
	vars := map[string]any{
		"rid":          surrealmodels.NewRecordID("batch_job", batchID),
		"status":       status,
		"now":          now,
		"output":       outputFileID,
		"errfile":      errorFileID,
		"error_code":   errCode,
		"error_message": errMsg,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}
	return nil
}

// RequestCancel marks a non-terminal batch as cancelling; the worker observes
// this on its next chunk boundary and cooperatively stops (§4.3, §6.1).
func (s *BatchStore) RequestCancel(ctx context.Context, batchID string) error {
	sql := `UPDATE $rid SET status = $cancelling
		WHERE status IN [$validating, $in_progress, $finalizing]`
	vars := map[string]any{
		"rid":         surrealmodels.NewRecordID("batch_job", batchID),
		"cancelling":  models.BatchStatusCancelling,
		"validating":  models.BatchStatusValidating,
		"in_progress": models.BatchStatusInProgress,
		"finalizing":  models.BatchStatusFinalizing,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to request batch cancellation: %w", err)
	}
	return nil
}

// ListByStatus returns batches in the given status, newest first.
func (s *BatchStore) ListByStatus(ctx context.Context, status string, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + batchSelectFields + " FROM batch_job WHERE status = $status ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"status": status, "limit": limit}
	return s.queryBatches(ctx, sql, vars)
}

// List returns all batches, newest first, for the queue overview endpoint.
func (s *BatchStore) List(ctx context.Context, limit int) ([]*models.BatchJob, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := "SELECT " + batchSelectFields + " FROM batch_job ORDER BY created_at DESC LIMIT $limit"
	vars := map[string]any{"limit": limit}
	return s.queryBatches(ctx, sql, vars)
}

// CountByStatus returns the number of batches currently in the given status,
// used for admission control (§4.1 max_queue_depth) and queue-depth metrics.
func (s *BatchStore) CountByStatus(ctx context.Context, status string) (int, error) {
	sql := "SELECT count() AS cnt FROM batch_job WHERE status = $status GROUP ALL"
	vars := map[string]any{"status": status}

	type countResult struct {
		Cnt int `json:"cnt"`
	}
	results, err := surrealdb.Query[[]countResult](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		return (*results)[0].Result[0].Cnt, nil
	}
	return 0, nil
}

// ExpireOlderThan transitions any non-terminal batch past its expires_at to expired,
// implementing the completion-window sweep (§4.5 maintenance).
func (s *BatchStore) ExpireOlderThan(ctx context.Context, now time.Time) (int, error) {
	sql := `UPDATE batch_job SET status = $expired
		WHERE expires_at < $now AND status IN [$validating, $in_progress, $finalizing, $cancelling]`
	vars := map[string]any{
		"expired":     models.BatchStatusExpired,
		"now":         now,
		"validating":  models.BatchStatusValidating,
		"in_progress": models.BatchStatusInProgress,
		"finalizing":  models.BatchStatusFinalizing,
		"cancelling":  models.BatchStatusCancelling,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return 0, fmt.Errorf("failed to expire stale batches: %w", err)
	}
	return 0, nil
}

// ReleaseOrphaned clears worker_id on in_progress batches owned by a worker
// whose heartbeat has gone stale, making them eligible for dequeueResumable
// by another worker (§4.3 crash recovery).
func (s *BatchStore) ReleaseOrphaned(ctx context.Context, workerID string) error {
	sql := `UPDATE batch_job SET worker_id = '' WHERE worker_id = $worker AND status = $in_progress`
	vars := map[string]any{"worker": workerID, "in_progress": models.BatchStatusInProgress}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to release orphaned batches: %w", err)
	}
	return nil
}

func (s *BatchStore) queryBatches(ctx context.Context, sql string, vars map[string]any) ([]*models.BatchJob, error) {
	results, err := surrealdb.Query[[]models.BatchJob](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	var batches []*models.BatchJob
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			batches = append(batches, &(*results)[0].Result[i])
		}
	}
	return batches, nil
}
