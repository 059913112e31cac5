package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ternarybob/batchllm/internal/models"
)

func TestHandleHealth_DegradedWithNoWorker(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.handleHealth(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp healthResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("expected status %q with no worker heartbeat, got %q", "degraded", resp.Status)
	}
}

func TestHandleHealth_HealthyWithFreshHeartbeat(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.handleHealth(rr, req)

	var resp healthResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != "healthy" {
		t.Errorf("expected status %q, got %q", "healthy", resp.Status)
	}
}

func TestHandleHealth_DegradedOverGPUTemperatureLimit(t *testing.T) {
	s := newTestServer(t)
	hb := &models.WorkerHeartbeat{
		WorkerID:            "worker-1",
		LastSeen:            time.Now(),
		Status:              models.WorkerStatusProcessing,
		GPUMemoryUsedBytes:  0,
		GPUMemoryTotalBytes: 100,
		GPUTemperatureC:     99, // over the default 85C limit
	}
	if err := s.app.Workers.Heartbeat(context.Background(), hb); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.handleHealth(rr, req)

	var resp healthResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("expected status %q over the temperature limit, got %q", "degraded", resp.Status)
	}
}

func TestHandleQueue_ReportsWorkerAndJobs(t *testing.T) {
	s := newTestServer(t)
	fileID := putInputFile(t, s, validBatchLine)
	registerHealthyWorker(t, s)
	createBatch(t, s, fileID)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	rr := httptest.NewRecorder()
	s.handleQueue(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp queueResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Worker.Status == "" {
		t.Error("expected a non-empty worker status")
	}
	if len(resp.Jobs) != 1 {
		t.Errorf("expected 1 non-terminal job, got %d", len(resp.Jobs))
	}
}

func TestHandleQueue_RejectsNonGET(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/queue", nil)
	rr := httptest.NewRecorder()
	s.handleQueue(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestLatestHeartbeat_PicksMostRecent(t *testing.T) {
	older := &models.WorkerHeartbeat{WorkerID: "a", LastSeen: time.Now().Add(-time.Hour)}
	newer := &models.WorkerHeartbeat{WorkerID: "b", LastSeen: time.Now()}

	if got := latestHeartbeat([]*models.WorkerHeartbeat{older, newer}); got.WorkerID != "b" {
		t.Errorf("expected the most recently seen worker, got %q", got.WorkerID)
	}
	if got := latestHeartbeat([]*models.WorkerHeartbeat{newer, older}); got.WorkerID != "b" {
		t.Errorf("expected the most recently seen worker regardless of order, got %q", got.WorkerID)
	}
}
