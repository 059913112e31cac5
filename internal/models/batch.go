// Package models defines the data entities shared across the batch
// inference service's storage, API, and worker layers.
package models

import "time"

// File purpose values (§3).
const (
	PurposeBatchInput  = "batch_input"
	PurposeBatchOutput = "batch_output"
	PurposeBatchErrors = "batch_errors"
)

// File represents an uploaded or produced blob (§3).
type File struct {
	FileID    string     `json:"file_id"`
	Purpose   string     `json:"purpose"`
	Filename  string     `json:"filename"`
	Bytes     int64      `json:"bytes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	BlobRef   string     `json:"blob_ref"`
}

// BatchJob status values (§3).
const (
	BatchStatusValidating = "validating"
	BatchStatusInProgress = "in_progress"
	BatchStatusFinalizing = "finalizing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusCancelling = "cancelling"
	BatchStatusCancelled  = "cancelled"
	BatchStatusExpired    = "expired"
)

// IsTerminal reports whether status is one of the batch's terminal states.
func IsTerminal(status string) bool {
	switch status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled, BatchStatusExpired:
		return true
	default:
		return false
	}
}

// Priority values (glossary: -1 test, 0 normal, 1 high).
const (
	PriorityTest   = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// ClampPriority clamps an arbitrary integer into the {-1, 0, 1} range §4.1 requires.
func ClampPriority(p int) int {
	if p < PriorityTest {
		return PriorityTest
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

// BatchJob is the scheduling unit (§3).
type BatchJob struct {
	BatchID          string            `json:"batch_id"`
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Model            string            `json:"model"`
	Priority         int               `json:"priority"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	Status string `json:"status"`

	TotalRequests     int   `json:"total_requests"`
	CompletedRequests int   `json:"completed_requests"`
	FailedRequests    int   `json:"failed_requests"`
	TokensProcessed   int64 `json:"tokens_processed"`

	CurrentThroughputTokensPerS float64    `json:"current_throughput_tokens_per_s"`
	LastProgressAt              *time.Time `json:"last_progress_at,omitempty"`
	EstimatedCompletionAt       *time.Time `json:"estimated_completion_at,omitempty"`
	QueuePosition                *int      `json:"queue_position,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	InProgressAt *time.Time `json:"in_progress_at,omitempty"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`

	OutputFileID *string `json:"output_file_id,omitempty"`
	ErrorFileID  *string `json:"error_file_id,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// WorkerID identifies which worker claimed this job (empty while validating).
	WorkerID string `json:"worker_id,omitempty"`
}

// RemainingRequests returns the count of input lines not yet accounted for.
func (b *BatchJob) RemainingRequests() int {
	done := b.CompletedRequests + b.FailedRequests
	if done >= b.TotalRequests {
		return 0
	}
	return b.TotalRequests - done
}

// ProgressPct returns completion percentage in the 0-100 range.
func (b *BatchJob) ProgressPct() float64 {
	if b.TotalRequests <= 0 {
		return 0
	}
	done := b.CompletedRequests + b.FailedRequests
	pct := 100 * float64(done) / float64(b.TotalRequests)
	if pct > 100 {
		return 100
	}
	return pct
}

// FailedRequest error kinds (§3).
const (
	ErrorKindValidation = "validation"
	ErrorKindInference  = "inference"
	ErrorKindInternal   = "internal"
)

// FailedRequest is a dead-letter entry for one line that could not be completed (§3).
type FailedRequest struct {
	BatchID       string    `json:"batch_id"`
	CustomID      string    `json:"custom_id"`
	RequestIndex  int       `json:"request_index"`
	ErrorKind     string    `json:"error_kind"`
	ErrorMessage  string    `json:"error_message"`
	AttemptCount  int       `json:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// WorkerHeartbeat status values (§3).
const (
	WorkerStatusIdle         = "idle"
	WorkerStatusLoadingModel = "loading_model"
	WorkerStatusProcessing   = "processing"
	WorkerStatusDraining     = "draining"
	WorkerStatusError        = "error"
)

// WorkerHeartbeat is the liveness record written by the worker (§3).
type WorkerHeartbeat struct {
	WorkerID             string     `json:"worker_id"`
	PID                  int        `json:"pid"`
	StartedAt            time.Time  `json:"started_at"`
	LastSeen             time.Time  `json:"last_seen"`
	Status               string     `json:"status"`
	CurrentBatchID       string     `json:"current_batch_id,omitempty"`
	LoadedModel          string     `json:"loaded_model,omitempty"`
	ModelLoadedAt        *time.Time `json:"model_loaded_at,omitempty"`
	GPUMemoryUsedBytes   int64      `json:"gpu_memory_used_bytes,omitempty"`
	GPUMemoryTotalBytes  int64      `json:"gpu_memory_total_bytes,omitempty"`
	GPUTemperatureC      float64    `json:"gpu_temperature_c,omitempty"`
	GPUUtilizationPct    float64    `json:"gpu_utilization_pct,omitempty"`
}

// IsStale reports whether the heartbeat is older than the given staleness threshold.
func (h *WorkerHeartbeat) IsStale(staleAfter time.Duration, now time.Time) bool {
	if h == nil || h.LastSeen.IsZero() {
		return true
	}
	return now.Sub(h.LastSeen) > staleAfter
}

// GPUMemoryFreePct returns the fraction (0-1) of GPU memory currently free.
func (h *WorkerHeartbeat) GPUMemoryFreePct() float64 {
	if h.GPUMemoryTotalBytes <= 0 {
		return 1
	}
	used := float64(h.GPUMemoryUsedBytes) / float64(h.GPUMemoryTotalBytes)
	if used < 0 {
		used = 0
	}
	if used > 1 {
		used = 1
	}
	return 1 - used
}

// SystemStatus is the singleton maintenance-mode record (§3).
type SystemStatus struct {
	MaintenanceMode       bool       `json:"maintenance_mode"`
	MaintenanceReason     string     `json:"maintenance_reason,omitempty"`
	MaintenanceStartedAt  *time.Time `json:"maintenance_started_at,omitempty"`
	MaintenanceETAMinutes *int       `json:"maintenance_eta_minutes,omitempty"`
}

// HandlerDelivery outcomes (§4.4 expanded — see SPEC_FULL.md §3).
const (
	HandlerOutcomeOK        = "ok"
	HandlerOutcomeRetryable = "retryable"
	HandlerOutcomePermanent = "permanent"
)

// HandlerDelivery audits one result-handler attempt for a batch, making the
// "first accepted delivery" fact (testable property R3) inspectable.
type HandlerDelivery struct {
	BatchID      string    `json:"batch_id"`
	HandlerName  string    `json:"handler_name"`
	Attempt      int       `json:"attempt"`
	Outcome      string    `json:"outcome"`
	AttemptedAt  time.Time `json:"attempted_at"`
	ResponseCode int       `json:"response_code,omitempty"`
}

// JobEvent is broadcast over the live queue WebSocket feed when the periodic
// queue poll sees a BatchJob appear or change status; counter-only updates
// are not broadcast (§4.1 expanded).
type JobEvent struct {
	Type      string    `json:"type"` // "batch_created", "batch_progress", "batch_completed", "batch_failed", "batch_cancelled"
	Job       *BatchJob `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}
