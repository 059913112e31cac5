package server

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/batchllm/internal/models"
)

// engineUnhealthy reports whether the worker/GPU is in a state that should
// refuse new admissions (§4.1 step 2): no heartbeat at all, a stale
// heartbeat, or GPU memory/temperature past the configured limits.
func (s *Server) engineUnhealthy(ctx context.Context) (reason string, unhealthy bool) {
	workers, err := s.app.Workers.ListWorkers(ctx)
	if err != nil || len(workers) == 0 {
		return "no worker heartbeat available", true
	}

	hb := latestHeartbeat(workers)
	cfg := &s.app.Config.Worker
	if hb.IsStale(cfg.HeartbeatStale(), time.Now()) {
		return "worker heartbeat is stale", true
	}
	if hb.Status == models.WorkerStatusError {
		return "worker reported an error state", true
	}
	memPct := 100 * (1 - hb.GPUMemoryFreePct())
	if int(memPct) >= cfg.GPUMemoryPctLimit {
		return "gpu memory at capacity", true
	}
	if int(hb.GPUTemperatureC) >= cfg.GPUTemperatureCLimit {
		return "gpu temperature above limit", true
	}
	return "", false
}

func latestHeartbeat(workers []*models.WorkerHeartbeat) *models.WorkerHeartbeat {
	latest := workers[0]
	for _, w := range workers[1:] {
		if w.LastSeen.After(latest.LastSeen) {
			latest = w
		}
	}
	return latest
}

type queueWorkerStatus struct {
	Status      string `json:"status"`
	LastSeen    int64  `json:"last_seen"`
	LoadedModel string `json:"loaded_model,omitempty"`
}

type queueJobStatus struct {
	BatchID     string  `json:"batch_id"`
	Status      string  `json:"status"`
	ProgressPct float64 `json:"progress_pct"`
	Throughput  float64 `json:"throughput"`
	ETASeconds  *int64  `json:"eta_seconds,omitempty"`
}

type queueResponse struct {
	Worker queueWorkerStatus `json:"worker"`
	Jobs   []queueJobStatus  `json:"jobs"`
}

// handleQueue implements GET /v1/queue (§6.1): a live snapshot of worker
// state and every non-terminal job's progress.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	resp := queueResponse{Jobs: []queueJobStatus{}}

	if workers, err := s.app.Workers.ListWorkers(ctx); err == nil && len(workers) > 0 {
		hb := latestHeartbeat(workers)
		resp.Worker = queueWorkerStatus{
			Status:      hb.Status,
			LastSeen:    hb.LastSeen.Unix(),
			LoadedModel: hb.LoadedModel,
		}
	} else {
		resp.Worker = queueWorkerStatus{Status: "offline"}
	}

	for _, status := range nonTerminalStatuses {
		jobs, err := s.app.Batches.ListByStatus(ctx, status, 500)
		if err != nil {
			s.logger.Error().Err(err).Str("status", status).Msg("failed to list batches for queue")
			continue
		}
		for _, job := range jobs {
			js := queueJobStatus{
				BatchID:     job.BatchID,
				Status:      job.Status,
				ProgressPct: job.ProgressPct(),
				Throughput:  job.CurrentThroughputTokensPerS,
			}
			if job.EstimatedCompletionAt != nil {
				eta := int64(time.Until(*job.EstimatedCompletionAt).Seconds())
				js.ETASeconds = &eta
			}
			resp.Jobs = append(resp.Jobs, js)
		}
	}

	WriteJSON(w, http.StatusOK, resp)
}

// handleQueueStream implements GET /v1/queue/stream (§6.1): upgrades to a
// WebSocket fed by the queue broadcaster.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

type healthGPU struct {
	MemoryPct   float64 `json:"memory_pct"`
	Temperature float64 `json:"temperature_c"`
}

type healthResponse struct {
	Status              string    `json:"status"`
	WorkerHeartbeatAgeS float64   `json:"worker_heartbeat_age_s"`
	GPU                 healthGPU `json:"gpu"`
}

// handleHealth implements GET /health (§6.1): degraded whenever the
// heartbeat is stale or the GPU is past its configured limits.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	workers, err := s.app.Workers.ListWorkers(ctx)
	if err != nil || len(workers) == 0 {
		WriteJSON(w, http.StatusOK, healthResponse{Status: "degraded"})
		return
	}

	hb := latestHeartbeat(workers)
	cfg := &s.app.Config.Worker
	age := time.Since(hb.LastSeen).Seconds()

	status := "healthy"
	memPct := 100 * (1 - hb.GPUMemoryFreePct())
	if hb.IsStale(cfg.HeartbeatStale(), time.Now()) || int(memPct) >= cfg.GPUMemoryPctLimit ||
		int(hb.GPUTemperatureC) >= cfg.GPUTemperatureCLimit || hb.Status == models.WorkerStatusError {
		status = "degraded"
	}

	WriteJSON(w, http.StatusOK, healthResponse{
		Status:              status,
		WorkerHeartbeatAgeS: age,
		GPU: healthGPU{
			MemoryPct:   memPct,
			Temperature: hb.GPUTemperatureC,
		},
	})
}
