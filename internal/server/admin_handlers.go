package server

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/ternarybob/batchllm/internal/models"
)

// handleMaintenance implements POST /admin/maintenance (§6.1 admin surface):
// toggles the SystemStatus singleton that gates create-batch admission.
func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Enabled    bool   `json:"enabled"`
		Reason     string `json:"reason"`
		ETAMinutes *int   `json:"eta_minutes"`
	}
	if !DecodeJSON(w, r, &req) {
		return
	}

	status := &models.SystemStatus{
		MaintenanceMode:       req.Enabled,
		MaintenanceReason:     req.Reason,
		MaintenanceETAMinutes: req.ETAMinutes,
	}
	if req.Enabled {
		now := time.Now()
		status.MaintenanceStartedAt = &now
	}

	if err := s.app.Workers.SetSystemStatus(r.Context(), status); err != nil {
		s.logger.Error().Err(err).Msg("failed to set maintenance mode")
		WriteError(w, http.StatusInternalServerError, "failed to set maintenance mode")
		return
	}

	s.logger.Info().Bool("enabled", req.Enabled).Str("reason", req.Reason).Msg("maintenance mode updated")
	WriteJSON(w, http.StatusOK, status)
}

// handleDashboard implements GET /admin/dashboard.png: a PNG snapshot of the
// current queue depth by status, grounded on the same go-chart rendering
// approach used for portfolio growth charts.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	ctx := r.Context()
	statuses := []string{
		models.BatchStatusValidating,
		models.BatchStatusInProgress,
		models.BatchStatusFinalizing,
		models.BatchStatusCancelling,
		models.BatchStatusCompleted,
		models.BatchStatusFailed,
		models.BatchStatusCancelled,
		models.BatchStatusExpired,
	}

	bars := make([]chart.Value, 0, len(statuses))
	for _, status := range statuses {
		count, err := s.app.Batches.CountByStatus(ctx, status)
		if err != nil {
			s.logger.Error().Err(err).Str("status", status).Msg("failed to count batches for dashboard")
			WriteError(w, http.StatusInternalServerError, "failed to build dashboard")
			return
		}
		bars = append(bars, chart.Value{
			Label: status,
			Value: float64(count),
			Style: chart.Style{
				FillColor:   drawing.ColorFromHex("2563eb"),
				StrokeColor: drawing.ColorFromHex("1e40af"),
			},
		})
	}

	graph := chart.BarChart{
		Title:  "Batch Queue by Status",
		Width:  900,
		Height: 400,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 10, Right: 20, Bottom: 20},
		},
		Bars: bars,
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		s.logger.Error().Err(err).Msg("failed to render dashboard chart")
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
