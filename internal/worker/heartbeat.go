package worker

import (
	"context"
	"os"
	"time"

	"github.com/ternarybob/batchllm/internal/metrics"
	"github.com/ternarybob/batchllm/internal/models"
)

// heartbeatLoop writes a liveness row on every heartbeat interval until ctx
// is cancelled (§4.3). A heartbeat older than the configured staleness limit
// makes the API report the engine unhealthy and refuse new batches. Batches
// the worker has claimed keep its worker_id: no code path in the service
// calls BatchStore.ReleaseOrphaned to hand them to another worker.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.heartbeats == nil {
		return
	}
	interval := w.config.Worker.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.writeHeartbeat(ctx, models.WorkerStatusIdle)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeHeartbeat(ctx, w.currentStatus())
		}
	}
}

func (w *Worker) currentStatus() string {
	if w.engine.CurrentModel() == "" {
		return models.WorkerStatusIdle
	}
	return models.WorkerStatusProcessing
}

func (w *Worker) writeHeartbeat(ctx context.Context, status string) {
	used, total, temp, util := w.gpuSampler()
	hb := &models.WorkerHeartbeat{
		WorkerID:            w.id,
		PID:                 os.Getpid(),
		StartedAt:           w.startedAt,
		LastSeen:            time.Now(),
		Status:              status,
		LoadedModel:         w.engine.CurrentModel(),
		GPUMemoryUsedBytes:  used,
		GPUMemoryTotalBytes: total,
		GPUTemperatureC:     temp,
		GPUUtilizationPct:   util,
	}
	if err := w.heartbeats.Heartbeat(ctx, hb); err != nil {
		w.logger.Warn().Err(err).Msg("failed to write heartbeat")
	}

	metrics.GPUMemoryUsedBytes.WithLabelValues(w.id).Set(float64(used))
	metrics.GPUTemperatureC.WithLabelValues(w.id).Set(temp)
}
