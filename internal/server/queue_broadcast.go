package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/metrics"
	"github.com/ternarybob/batchllm/internal/models"
)

// queuePollInterval is the cadence at which the API process polls the Job
// Store for state changes to relay over /v1/queue/stream. The worker process
// owns the only write path to batch_job rows, so the API can only learn about
// progress by re-reading them; there is no in-process signal to wait on
// because the two binaries do not share memory (§1, two-process topology).
const queuePollInterval = 2 * time.Second

// BatchLister is the subset of surrealdb.BatchStore the queue broadcaster reads.
type BatchLister interface {
	List(ctx context.Context, limit int) ([]*models.BatchJob, error)
}

// QueueBroadcaster polls the Job Store and republishes job state as
// models.JobEvent values over the WebSocket hub backing /v1/queue/stream.
type QueueBroadcaster struct {
	store  BatchLister
	hub    *JobWSHub
	logger *common.Logger

	lastStatus map[string]string
	cancel     context.CancelFunc
}

// NewQueueBroadcaster wires a hub to a Job Store reader.
func NewQueueBroadcaster(store BatchLister, hub *JobWSHub, logger *common.Logger) *QueueBroadcaster {
	return &QueueBroadcaster{
		store:      store,
		hub:        hub,
		logger:     logger,
		lastStatus: make(map[string]string),
	}
}

// Start launches the poll loop as a goroutine.
func (b *QueueBroadcaster) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
}

// Stop halts the poll loop.
func (b *QueueBroadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *QueueBroadcaster) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("recovered from panic in queue broadcaster")
		}
	}()

	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

func (b *QueueBroadcaster) poll(ctx context.Context) {
	jobs, err := b.store.List(ctx, 500)
	if err != nil {
		b.logger.Warn().Err(err).Msg("queue broadcaster: list failed")
		return
	}
	updateQueueMetrics(jobs)

	if b.hub.ClientCount() == 0 {
		return
	}

	seen := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		seen[job.BatchID] = true
		prev, known := b.lastStatus[job.BatchID]
		if known && prev == job.Status {
			continue
		}
		b.lastStatus[job.BatchID] = job.Status
		b.hub.Broadcast(models.JobEvent{
			Type:      eventTypeForStatus(job.Status, known),
			Job:       job,
			Timestamp: time.Now(),
		})
	}

	for batchID := range b.lastStatus {
		if !seen[batchID] {
			delete(b.lastStatus, batchID)
		}
	}
}

func updateQueueMetrics(jobs []*models.BatchJob) {
	counts := map[string]int{
		models.BatchStatusValidating: 0,
		models.BatchStatusInProgress: 0,
		models.BatchStatusFinalizing: 0,
		models.BatchStatusCancelling: 0,
		models.BatchStatusCompleted:  0,
		models.BatchStatusFailed:     0,
		models.BatchStatusCancelled:  0,
		models.BatchStatusExpired:    0,
	}
	for _, job := range jobs {
		counts[job.Status]++
	}
	depth := 0
	for _, status := range nonTerminalStatuses {
		depth += counts[status]
	}
	for status, n := range counts {
		metrics.BatchesByStatus.WithLabelValues(status).Set(float64(n))
	}
	metrics.QueueDepth.Set(float64(depth))
}

func eventTypeForStatus(status string, wasKnown bool) string {
	if !wasKnown {
		return "batch_created"
	}
	switch status {
	case models.BatchStatusCompleted:
		return "batch_completed"
	case models.BatchStatusFailed:
		return "batch_failed"
	case models.BatchStatusCancelled:
		return "batch_cancelled"
	default:
		return "batch_progress"
	}
}
