package surrealdb

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
	"github.com/ternarybob/batchllm/internal/common"
	"github.com/ternarybob/batchllm/internal/models"
)

const heartbeatSelectFields = `worker_id, pid, started_at, last_seen, status, current_batch_id,
	loaded_model, model_loaded_at, gpu_memory_used_bytes, gpu_memory_total_bytes,
	gpu_temperature_c, gpu_utilization_pct`

// WorkerStore persists worker liveness (§3 WorkerHeartbeat) and the singleton
// system maintenance-mode flag (§3 SystemStatus).
type WorkerStore struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// NewWorkerStore creates a new WorkerStore.
func NewWorkerStore(db *surrealdb.DB, logger *common.Logger) *WorkerStore {
	return &WorkerStore{db: db, logger: logger}
}

// Heartbeat upserts the calling worker's liveness row (§4.3 run loop).
func (s *WorkerStore) Heartbeat(ctx context.Context, hb *models.WorkerHeartbeat) error {
	if hb.LastSeen.IsZero() {
		hb.LastSeen = time.Now()
	}

	sql := `UPSERT $rid SET
		worker_id = $worker_id, pid = $pid, started_at = $started_at, last_seen = $last_seen,
		status = $status, current_batch_id = $current_batch_id, loaded_model = $loaded_model,
		model_loaded_at = $model_loaded_at, gpu_memory_used_bytes = $gpu_mem_used,
		gpu_memory_total_bytes = $gpu_mem_total, gpu_temperature_c = $gpu_temp,
		gpu_utilization_pct = $gpu_util`
	vars := map[string]any{
		"rid":             surrealmodels.NewRecordID("worker_heartbeat", hb.WorkerID),
		"worker_id":       hb.WorkerID,
		"pid":             hb.PID,
		"started_at":      hb.StartedAt,
		"last_seen":       hb.LastSeen,
		"status":          hb.Status,
		"current_batch_id": hb.CurrentBatchID,
		"loaded_model":    hb.LoadedModel,
		"model_loaded_at": hb.ModelLoadedAt,
		"gpu_mem_used":    hb.GPUMemoryUsedBytes,
		"gpu_mem_total":   hb.GPUMemoryTotalBytes,
		"gpu_temp":        hb.GPUTemperatureC,
		"gpu_util":        hb.GPUUtilizationPct,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// ListWorkers returns all known worker heartbeat rows, used by the health,
// queue and create-batch admission checks.
func (s *WorkerStore) ListWorkers(ctx context.Context) ([]*models.WorkerHeartbeat, error) {
	sql := "SELECT " + heartbeatSelectFields + " FROM worker_heartbeat"
	results, err := surrealdb.Query[[]models.WorkerHeartbeat](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	var out []*models.WorkerHeartbeat
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}

// GetSystemStatus fetches the singleton maintenance-mode record, defaulting
// to "not in maintenance" if none has ever been written.
func (s *WorkerStore) GetSystemStatus(ctx context.Context) (*models.SystemStatus, error) {
	sql := "SELECT maintenance_mode, maintenance_reason, maintenance_started_at, maintenance_eta_minutes FROM system_status:singleton"
	results, err := surrealdb.Query[[]models.SystemStatus](ctx, s.db, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get system status: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return &models.SystemStatus{}, nil
	}
	return &(*results)[0].Result[0], nil
}

// SetSystemStatus writes the singleton maintenance-mode record (§4.1 admin endpoint).
func (s *WorkerStore) SetSystemStatus(ctx context.Context, st *models.SystemStatus) error {
	sql := `UPSERT system_status:singleton SET
		maintenance_mode = $mode, maintenance_reason = $reason,
		maintenance_started_at = $started_at, maintenance_eta_minutes = $eta`
	vars := map[string]any{
		"mode":       st.MaintenanceMode,
		"reason":     st.MaintenanceReason,
		"started_at": st.MaintenanceStartedAt,
		"eta":        st.MaintenanceETAMinutes,
	}
	if _, err := surrealdb.Query[any](ctx, s.db, sql, vars); err != nil {
		return fmt.Errorf("failed to set system status: %w", err)
	}
	return nil
}
