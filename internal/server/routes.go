package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes sets up the OpenAI-compatible batch inference REST surface
// (§6.1) on the mux. Rate limiting is applied per-route to the two
// client-facing write paths (file upload, batch creation); admin routes
// require a bearer token.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	cfg := s.app.Config

	mux.Handle("/v1/files", rateLimitMiddleware(s.app.FileLimiter, cfg.RateLimit.FilesPerMin)(http.HandlerFunc(s.handleUploadFile)))
	mux.HandleFunc("/v1/files/", s.routeFiles)

	mux.Handle("/v1/batches", rateLimitMiddleware(s.app.BatchLimiter, cfg.RateLimit.BatchesPerMin)(http.HandlerFunc(s.handleBatchesRoot)))
	mux.HandleFunc("/v1/batches/", s.routeBatches)

	mux.HandleFunc("/v1/queue", s.handleQueue)
	mux.HandleFunc("/v1/queue/stream", s.handleQueueStream)

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	adminAuth := adminAuthMiddleware(cfg)
	mux.Handle("/admin/maintenance", adminAuth(http.HandlerFunc(s.handleMaintenance)))
	mux.Handle("/admin/dashboard.png", adminAuth(http.HandlerFunc(s.handleDashboard)))
}

// handleBatchesRoot dispatches the bare /v1/batches collection endpoint:
// POST creates a batch, GET lists them.
func (s *Server) handleBatchesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBatch(w, r)
	case http.MethodGet:
		s.handleListBatches(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
