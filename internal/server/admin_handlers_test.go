package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ternarybob/batchllm/internal/models"
)

func TestHandleMaintenance_TogglesSystemStatus(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"enabled": true, "reason": "upgrading GPUs"})
	req := httptest.NewRequest(http.MethodPost, "/admin/maintenance", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleMaintenance(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp models.SystemStatus
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if !resp.MaintenanceMode || resp.MaintenanceReason != "upgrading GPUs" {
		t.Errorf("unexpected status after enabling maintenance: %+v", resp)
	}

	got, err := s.app.Workers.GetSystemStatus(req.Context())
	if err != nil {
		t.Fatalf("get system status: %v", err)
	}
	if !got.MaintenanceMode {
		t.Error("expected maintenance mode to be persisted")
	}

	// Now disable it.
	body2, _ := json.Marshal(map[string]any{"enabled": false})
	req2 := httptest.NewRequest(http.MethodPost, "/admin/maintenance", bytes.NewReader(body2))
	rr2 := httptest.NewRecorder()
	s.handleMaintenance(rr2, req2)

	got2, _ := s.app.Workers.GetSystemStatus(req2.Context())
	if got2.MaintenanceMode {
		t.Error("expected maintenance mode to be cleared")
	}
}

func TestHandleMaintenance_RejectsNonPOST(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/maintenance", nil)
	rr := httptest.NewRecorder()
	s.handleMaintenance(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestHandleDashboard_RendersPNG(t *testing.T) {
	s := newTestServer(t)
	registerHealthyWorker(t, s)
	fileID := putInputFile(t, s, validBatchLine)
	createBatch(t, s, fileID)

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard.png", nil)
	rr := httptest.NewRecorder()
	s.handleDashboard(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected Content-Type image/png, got %q", ct)
	}
	if !bytes.HasPrefix(rr.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("expected response body to start with the PNG magic bytes")
	}
}
