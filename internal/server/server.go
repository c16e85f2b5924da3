// Package server exposes a worker process's operational endpoints over
// HTTP: the batch-event WebSocket and a health check.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/bobmcallan/tidemark/internal/app"
	"github.com/bobmcallan/tidemark/internal/common"
)

// Server wraps the HTTP listener and application reference.
type Server struct {
	app    *app.App
	server *http.Server
	logger *common.Logger
}

// NewServer creates the operational HTTP server. The listen address comes
// from workers.events_address.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/batches", a.Workers.Hub().ServeWS)
	mux.HandleFunc("/api/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         a.Config.Workers.EventsAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting event server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": common.GetVersion(),
		"uptime":  time.Since(s.app.StartupTime).Round(time.Second).String(),
	})
}
