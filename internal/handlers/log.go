package handlers

import (
	"context"

	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

// LogHandler records batch completion to the structured logger. It is
// always enabled and never fails, giving the pipeline a trivial handler to
// run ahead of the webhook so local operators see completion even with no
// webhook configured.
type LogHandler struct {
	logger *common.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *common.Logger) *LogHandler {
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Name() string  { return "log" }
func (h *LogHandler) Enabled() bool { return true }

func (h *LogHandler) Handle(ctx context.Context, job *models.BatchJob) (string, error) {
	h.logger.Info().
		Str("batch_id", job.BatchID).
		Str("status", job.Status).
		Int("completed_requests", job.CompletedRequests).
		Int("failed_requests", job.FailedRequests).
		Msg("batch finished")
	return models.HandlerOutcomeOK, nil
}
