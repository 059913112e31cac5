package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/batchllm/internal/models"
)

func createBatch(t *testing.T, s *Server, inputFileID string) batchResponse {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleCreateBatch(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 creating batch, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleCreateBatch_Succeeds(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)

	resp := createBatch(t, s, fileID)

	if resp.Status != models.BatchStatusValidating {
		t.Errorf("expected initial status %q, got %q", models.BatchStatusValidating, resp.Status)
	}
	if resp.RequestCounts.Total != 1 {
		t.Errorf("expected total_requests 1, got %d", resp.RequestCounts.Total)
	}
	if resp.ID == "" {
		t.Error("expected a non-empty batch id")
	}
}

func TestHandleCreateBatch_RejectsMissingFields(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"endpoint": "/v1/chat/completions"})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing input_file_id, got %d", rr.Code)
	}
}

func TestHandleCreateBatch_RejectsUnknownInputFile(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	body, _ := json.Marshal(map[string]any{
		"input_file_id":     "file_does_not_exist",
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown input file, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleCreateBatch_RejectsWhenMaintenanceModeEnabled(t *testing.T) {
	s := newTestServer(t)
	fileID := putInputFile(t, s, validBatchLine)

	if err := s.app.Workers.SetSystemStatus(context.Background(), &models.SystemStatus{MaintenanceMode: true, MaintenanceReason: "upgrading GPUs"}); err != nil {
		t.Fatalf("set maintenance mode: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 during maintenance mode, got %d: %s", rr.Code, rr.Body.String())
	}
	var envelope ErrorResponse
	json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope.Error.Code != "maintenance_mode" {
		t.Errorf("expected error code %q, got %q", "maintenance_mode", envelope.Error.Code)
	}
}

func TestHandleCreateBatch_RejectsWhenNoWorkerHeartbeat(t *testing.T) {
	s := newTestServer(t)
	fileID := putInputFile(t, s, validBatchLine)

	body, _ := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with no worker heartbeat registered, got %d: %s", rr.Code, rr.Body.String())
	}
	var envelope ErrorResponse
	json.Unmarshal(rr.Body.Bytes(), &envelope)
	if envelope.Error.Code != "gpu_unhealthy" {
		t.Errorf("expected error code %q, got %q", "gpu_unhealthy", envelope.Error.Code)
	}
}

func TestHandleCreateBatch_RejectsWhenQueueIsFull(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	s.app.Config.Admission.MaxQueueDepth = 1
	fileID := putInputFile(t, s, validBatchLine)

	createBatch(t, s, fileID) // fills the one slot

	body, _ := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when queue is at capacity, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleCreateBatch_RejectsOversizedBatch(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	s.app.Config.Admission.MaxRequestsPerJob = 0
	fileID := putInputFile(t, s, validBatchLine)

	body, _ := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/chat/completions",
		"completion_window": "24h",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleCreateBatch(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 when the batch exceeds max_requests_per_job, got %d", rr.Code)
	}
}

func TestHandleGetBatch_RoundTrips(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)
	created := createBatch(t, s, fileID)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/"+created.ID, nil)
	rr := httptest.NewRecorder()
	s.routeBatches(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp batchResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.ID != created.ID {
		t.Errorf("expected id %q, got %q", created.ID, resp.ID)
	}
}

func TestHandleGetBatch_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/batches/batch_missing", nil)
	rr := httptest.NewRecorder()
	s.routeBatches(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestHandleCancelBatch_ValidatingCancelsImmediately(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)
	created := createBatch(t, s, fileID)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches/"+created.ID+"/cancel", nil)
	rr := httptest.NewRecorder()
	s.routeBatches(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp batchResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != models.BatchStatusCancelled {
		t.Errorf("expected status %q, got %q", models.BatchStatusCancelled, resp.Status)
	}
}

func TestHandleCancelBatch_TerminalStateIsConflict(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)
	created := createBatch(t, s, fileID)

	// Cancel once to reach the terminal "cancelled" state.
	req := httptest.NewRequest(http.MethodPost, "/v1/batches/"+created.ID+"/cancel", nil)
	s.routeBatches(httptest.NewRecorder(), req)

	// Cancelling an already-terminal batch must be rejected.
	req2 := httptest.NewRequest(http.MethodPost, "/v1/batches/"+created.ID+"/cancel", nil)
	rr2 := httptest.NewRecorder()
	s.routeBatches(rr2, req2)

	if rr2.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling a terminal batch, got %d: %s", rr2.Code, rr2.Body.String())
	}
	var envelope ErrorResponse
	json.Unmarshal(rr2.Body.Bytes(), &envelope)
	if envelope.Error.Code != "already_terminal" {
		t.Errorf("expected error code %q, got %q", "already_terminal", envelope.Error.Code)
	}
}

func TestHandleListBatches_ReturnsCreatedBatches(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)
	createBatch(t, s, fileID)
	createBatch(t, s, fileID)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches?limit=10", nil)
	rr := httptest.NewRecorder()
	s.handleListBatches(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Object string          `json:"object"`
		Data   []batchResponse `json:"data"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if len(resp.Data) != 2 {
		t.Errorf("expected 2 batches listed, got %d", len(resp.Data))
	}
}

func TestHandleBatchesRoot_DispatchesByMethod(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/v1/batches", nil)
	rr := httptest.NewRecorder()
	s.handleBatchesRoot(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for PUT, got %d", rr.Code)
	}
}
