// Package handlers implements the Result-Handler Pipeline (§4.4): a set of
// named, sequentially-registered handlers invoked once a batch job reaches
// "completed", each retried independently with exponential backoff+jitter
// until it reports success or exhausts its attempt budget.
package handlers

import (
	"context"
	"math/rand"
	"time"

	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/metrics"
	"github.com/ternarybob/batchllm/internal/models"
)

// Handler delivers one notification about a completed batch. Handlers must
// be idempotent: the pipeline may call Handle more than once for the same
// batch across retries or process restarts (at-least-once delivery, R3/R4).
//
// Handle classifies its own failures rather than returning a bare error, so
// the pipeline can tell a transient condition (worth retrying) from one that
// will never succeed on retry (§4.4):
//   - models.HandlerOutcomeOK: delivered; err is nil.
//   - models.HandlerOutcomeRetryable: failed, but a later attempt might
//     succeed (network error, request timeout, rate limit, 5xx).
//   - models.HandlerOutcomePermanent: failed in a way retrying cannot fix
//     (a non-408/429/5xx 4xx response, a malformed payload); the pipeline
//     stops this handler's attempts immediately.
type Handler interface {
	Name() string
	Enabled() bool
	Handle(ctx context.Context, job *models.BatchJob) (outcome string, err error)
}

// DeliveryRecorder persists one delivery attempt for audit (HandlerDelivery).
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *models.HandlerDelivery) error
	HasSucceeded(ctx context.Context, batchID, handlerName string) (bool, error)
}

// Pipeline runs registered handlers in registration order for each completed
// batch, independently retrying each with bounded exponential backoff.
type Pipeline struct {
	handlers  []Handler
	recorder  DeliveryRecorder
	logger    *common.Logger
	maxAttempts int
	backoffBase time.Duration
}

// New creates a Pipeline. Handlers are invoked in the order passed here.
func New(logger *common.Logger, recorder DeliveryRecorder, maxAttempts int, backoffBase time.Duration, hs ...Handler) *Pipeline {
	return &Pipeline{handlers: hs, recorder: recorder, logger: logger, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// Dispatch runs every enabled handler against job, skipping handlers that
// have already recorded a successful delivery for this batch (resume after
// restart without redelivering to a handler that already succeeded).
func (p *Pipeline) Dispatch(ctx context.Context, job *models.BatchJob) {
	for _, h := range p.handlers {
		if !h.Enabled() {
			continue
		}
		if ok, err := p.recorder.HasSucceeded(ctx, job.BatchID, h.Name()); err == nil && ok {
			continue
		}
		p.deliverWithRetry(ctx, job, h)
	}
}

func (p *Pipeline) deliverWithRetry(ctx context.Context, job *models.BatchJob, h Handler) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		outcome, err := h.Handle(ctx, job)
		// A handler that forgets to report an outcome on failure is treated
		// as permanent, not silently retried forever.
		if err != nil && outcome != models.HandlerOutcomeRetryable && outcome != models.HandlerOutcomePermanent {
			outcome = models.HandlerOutcomePermanent
		}
		if err == nil {
			outcome = models.HandlerOutcomeOK
		}
		// The last attempt never gets another try regardless of how it was
		// classified; record it as permanent for the audit trail.
		if err != nil && attempt == p.maxAttempts {
			outcome = models.HandlerOutcomePermanent
		}

		p.recorder.RecordDelivery(ctx, &models.HandlerDelivery{
			BatchID:     job.BatchID,
			HandlerName: h.Name(),
			Attempt:     attempt,
			Outcome:     outcome,
		})
		metrics.HandlerDeliveriesTotal.WithLabelValues(h.Name(), outcome).Inc()

		if err == nil {
			return
		}

		p.logger.Warn().
			Str("batch_id", job.BatchID).
			Str("handler", h.Name()).
			Int("attempt", attempt).
			Str("outcome", outcome).
			Err(err).
			Msg("handler delivery failed")

		// A permanent outcome means retrying cannot help; stop immediately
		// instead of burning the remaining attempt budget (§4.4).
		if outcome == models.HandlerOutcomePermanent {
			return
		}

		if attempt == p.maxAttempts {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffDelay(p.backoffBase, attempt)):
		}
	}
}

// backoffDelay computes base * 2^(attempt-1) with +/-20% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	return jitter
}
