package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/batchllm/internal/models"
)

type requestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type batchResponse struct {
	ID                    string            `json:"id"`
	Object                string            `json:"object"`
	Endpoint              string            `json:"endpoint"`
	InputFileID           string            `json:"input_file_id"`
	CompletionWindow      string            `json:"completion_window"`
	Status                string            `json:"status"`
	CreatedAt             int64             `json:"created_at"`
	ExpiresAt             int64             `json:"expires_at"`
	RequestCounts         requestCounts     `json:"request_counts"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	OutputFileID          *string           `json:"output_file_id,omitempty"`
	ErrorFileID           *string           `json:"error_file_id,omitempty"`
	ThroughputTokensPerS  float64           `json:"throughput_tokens_per_s,omitempty"`
	EstimatedCompletionAt *int64            `json:"estimated_completion_at,omitempty"`
	ErrorCode             string            `json:"error_code,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
}

func batchToResponse(job *models.BatchJob) batchResponse {
	resp := batchResponse{
		ID:               job.BatchID,
		Object:           "batch",
		Endpoint:         job.Endpoint,
		InputFileID:      job.InputFileID,
		CompletionWindow: job.CompletionWindow,
		Status:           job.Status,
		CreatedAt:        job.CreatedAt.Unix(),
		ExpiresAt:        job.ExpiresAt.Unix(),
		RequestCounts: requestCounts{
			Total:     job.TotalRequests,
			Completed: job.CompletedRequests,
			Failed:    job.FailedRequests,
		},
		Metadata:             job.Metadata,
		OutputFileID:         job.OutputFileID,
		ErrorFileID:          job.ErrorFileID,
		ThroughputTokensPerS: job.CurrentThroughputTokensPerS,
		ErrorCode:            job.ErrorCode,
		ErrorMessage:         job.ErrorMessage,
	}
	if job.EstimatedCompletionAt != nil {
		unix := job.EstimatedCompletionAt.Unix()
		resp.EstimatedCompletionAt = &unix
	}
	return resp
}

// parseCompletionWindow parses the OpenAI-style duration string (e.g. "24h").
// Unparseable or empty windows fall back to 24 hours.
func parseCompletionWindow(window string) time.Duration {
	d, err := time.ParseDuration(window)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

func priorityFromMetadata(metadata map[string]string) int {
	raw, ok := metadata["priority"]
	if !ok {
		return models.PriorityNormal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return models.PriorityNormal
	}
	return models.ClampPriority(n)
}

// nonTerminalStatuses lists the statuses counted against max_queue_depth
// and checked for referential integrity on file deletion (§4.1, §4.2).
var nonTerminalStatuses = []string{
	models.BatchStatusValidating,
	models.BatchStatusInProgress,
	models.BatchStatusFinalizing,
	models.BatchStatusCancelling,
}

func (s *Server) queueDepth(ctx context.Context) (int, error) {
	total := 0
	for _, status := range nonTerminalStatuses {
		n, err := s.app.Batches.CountByStatus(ctx, status)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// handleCreateBatch implements POST /v1/batches (§4.1 admission contract).
func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		InputFileID      string            `json:"input_file_id"`
		Endpoint         string            `json:"endpoint"`
		CompletionWindow string            `json:"completion_window"`
		Metadata         map[string]string `json:"metadata"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.InputFileID == "" || req.Endpoint == "" || req.CompletionWindow == "" {
		WriteErrorWithCode(w, http.StatusBadRequest, "input_file_id, endpoint, and completion_window are required", "validation_error")
		return
	}

	ctx := r.Context()

	sysStatus, err := s.app.Workers.GetSystemStatus(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read system status")
		WriteError(w, http.StatusInternalServerError, "failed to check system status")
		return
	}
	if sysStatus.MaintenanceMode {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, sysStatus.MaintenanceReason, "maintenance_mode")
		return
	}

	if reason, unhealthy := s.engineUnhealthy(ctx); unhealthy {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, reason, "gpu_unhealthy")
		return
	}

	depth, err := s.queueDepth(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to compute queue depth")
		WriteError(w, http.StatusInternalServerError, "failed to check queue depth")
		return
	}
	if depth >= s.app.Config.Admission.MaxQueueDepth {
		WriteErrorWithCode(w, http.StatusServiceUnavailable, "queue is at capacity", "queue_full")
		return
	}

	inputFile, err := s.app.Files.Get(ctx, req.InputFileID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to resolve input file")
		WriteError(w, http.StatusInternalServerError, "failed to resolve input file")
		return
	}
	if inputFile == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "input file not found", "not_found")
		return
	}

	reader, err := s.app.Blob.GetReader(ctx, inputFile.BlobRef)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read input file")
		WriteError(w, http.StatusInternalServerError, "failed to read input file")
		return
	}
	model, total, verr := validateBatchInputJSONL(reader)
	reader.Close()
	if verr != nil {
		ve, _ := verr.(*validationError)
		code := "validation_error"
		if ve != nil {
			code = ve.Code
		}
		WriteErrorWithCode(w, http.StatusBadRequest, verr.Error(), code)
		return
	}
	if total > s.app.Config.Admission.MaxRequestsPerJob {
		WriteErrorWithCode(w, http.StatusBadRequest, "batch exceeds max_requests_per_job", "too_large")
		return
	}

	now := time.Now()
	job := &models.BatchJob{
		InputFileID:      req.InputFileID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Model:            model,
		Priority:         priorityFromMetadata(req.Metadata),
		Metadata:         req.Metadata,
		TotalRequests:    total,
		CreatedAt:        now,
		ExpiresAt:        now.Add(parseCompletionWindow(req.CompletionWindow)),
	}
	if err := s.app.Batches.Create(ctx, job); err != nil {
		s.logger.Error().Err(err).Msg("failed to create batch")
		WriteError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	WriteJSON(w, http.StatusOK, batchToResponse(job))
}

// handleListBatches implements GET /v1/batches?after=&limit= (§6.1),
// paginated by created_at descending with an opaque batch_id cursor.
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	after := r.URL.Query().Get("after")

	// The store has no native cursor; over-fetch and slice past the cursor.
	jobs, err := s.app.Batches.List(r.Context(), limit+200)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list batches")
		WriteError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}

	if after != "" {
		for i, job := range jobs {
			if job.BatchID == after {
				jobs = jobs[i+1:]
				break
			}
		}
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	resp := make([]batchResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, batchToResponse(job))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": resp})
}

// routeBatches dispatches /v1/batches/{id} and /v1/batches/{id}/cancel.
func (s *Server) routeBatches(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	if rest == "" || rest == r.URL.Path {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found", "not_found")
		return
	}

	if batchID, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleCancelBatch(w, r, batchID)
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	s.handleGetBatch(w, r, rest)
}

// handleGetBatch implements GET /v1/batches/{batch_id}.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	job, err := s.app.Batches.Get(r.Context(), batchID)
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to get batch")
		WriteError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}
	if job == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found", "not_found")
		return
	}
	WriteJSON(w, http.StatusOK, batchToResponse(job))
}

// handleCancelBatch implements POST /v1/batches/{batch_id}/cancel (§4.1):
// a validating job cancels immediately; an in-flight job is flagged
// cancelling and the worker observes it at the next chunk boundary.
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()
	job, err := s.app.Batches.Get(ctx, batchID)
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to get batch")
		WriteError(w, http.StatusInternalServerError, "failed to get batch")
		return
	}
	if job == nil {
		WriteErrorWithCode(w, http.StatusNotFound, "batch not found", "not_found")
		return
	}

	switch job.Status {
	case models.BatchStatusValidating:
		if err := s.app.Batches.Finalize(ctx, batchID, models.BatchStatusCancelled, nil, nil, "", ""); err != nil {
			s.logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to cancel batch")
			WriteError(w, http.StatusInternalServerError, "failed to cancel batch")
			return
		}
	case models.BatchStatusInProgress, models.BatchStatusFinalizing:
		if err := s.app.Batches.RequestCancel(ctx, batchID); err != nil {
			s.logger.Error().Err(err).Str("batch_id", batchID).Msg("failed to request cancellation")
			WriteError(w, http.StatusInternalServerError, "failed to cancel batch")
			return
		}
	default:
		WriteErrorWithCode(w, http.StatusConflict, "batch is already in a terminal state", "already_terminal")
		return
	}

	job, err = s.app.Batches.Get(ctx, batchID)
	if err != nil || job == nil {
		WriteError(w, http.StatusInternalServerError, "failed to reload batch after cancellation")
		return
	}
	WriteJSON(w, http.StatusOK, batchToResponse(job))
}
