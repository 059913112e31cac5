package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/batchllm/internal/app"
	"github.com/ternarybob/batchllm/internal/common"
)

// Server wraps the HTTP server, the live queue WebSocket hub, and the
// poller that feeds it from the Job Store.
type Server struct {
	app          *app.App
	server       *http.Server
	logger       *common.Logger
	hub          *JobWSHub
	broadcaster  *QueueBroadcaster
	shutdownChan chan struct{}
}

// SetShutdownChannel sets the channel that will be signaled when HTTP shutdown is requested.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// NewServer creates a new HTTP REST API server. The API process is the only
// one of the two binaries that serves /v1/queue/stream, so it alone owns
// the WebSocket hub; the worker process has no way to reach it directly.
func NewServer(a *app.App) *Server {
	hub := NewJobWSHub(a.Logger)

	s := &Server{
		app:         a,
		logger:      a.Logger,
		hub:         hub,
		broadcaster: NewQueueBroadcaster(a.Batches, hub, a.Logger),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	handler := applyMiddleware(mux, a.Logger, a.Config)

	host := a.Config.Server.Host
	port := a.Config.Server.Port

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the WebSocket hub, the queue broadcaster, and the HTTP
// server (blocking).
func (s *Server) Start() error {
	go s.hub.Run()
	s.broadcaster.Start()

	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("starting batch API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server, the broadcaster, and the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broadcaster.Stop()
	s.hub.Stop()
	return s.server.Shutdown(ctx)
}
