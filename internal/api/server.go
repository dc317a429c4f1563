// Package api implements the operational HTTP API: run lifecycle,
// provider health, transcripts, and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nmullen/conductor/internal/buildinfo"
	"github.com/nmullen/conductor/internal/events"
	"github.com/nmullen/conductor/internal/router"
	"github.com/nmullen/conductor/internal/run"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	manager *run.Manager
	router  *router.Router
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, manager *run.Manager, rtr *router.Router, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		manager: manager,
		router:  rtr,
		bus:     bus,
		logger:  logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Run lifecycle
	mux.HandleFunc("POST /api/runs", s.handleRunCreate)
	mux.HandleFunc("GET /api/runs", s.handleRunList)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleRunResume)
	mux.HandleFunc("DELETE /api/runs/{id}", s.handleRunCancel)
	mux.HandleFunc("GET /api/runs/{id}/transcript", s.handleRunTranscript)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)

	// Operational introspection
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // event stream connections are long-lived
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// createRunRequest is the POST /api/runs body.
type createRunRequest struct {
	Task      string `json:"task"`
	Plan      string `json:"plan,omitempty"`
	Specialty string `json:"specialty,omitempty"`
}

func (s *Server) handleRunCreate(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), s.logger)
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required", s.logger)
		return
	}

	snap, err := s.manager.StartRun(req.Task, req.Plan, req.Specialty)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusCreated, runSummary(snap), s.logger)
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs := s.manager.List()
	out := make([]map[string]any, 0, len(runs))
	for _, snap := range runs {
		out = append(out, runSummary(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out}, s.logger)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

func (s *Server) handleRunResume(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.ResumeRun(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.logger)
		return
	}
	body := runSummary(snap)
	body["recovered_turns"] = snap.RecoveredTurns
	body["recovered_checkpoints"] = snap.RecoveredCheckpoints
	writeJSON(w, http.StatusOK, body, s.logger)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.CancelRun(id); err != nil {
		writeError(w, http.StatusConflict, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"}, s.logger)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.router.States()}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.manager.ActiveCount(),
		"uptime":      buildinfo.Uptime().Truncate(time.Second).String(),
	}, s.logger)
}

// runSummary is the compact representation used by list/create
// responses. Full turn history is available from the run detail and
// transcript endpoints.
func runSummary(r run.Run) map[string]any {
	out := map[string]any{
		"id":         r.ID,
		"created_at": r.CreatedAt,
		"status":     r.Status,
		"task":       r.Task,
		"turn_count": r.TurnCount,
		"tokens_in":  r.TotalTokensIn,
		"tokens_out": r.TotalTokensOut,
		"cost_usd":   r.TotalCostUSD,
	}
	if r.StopReason != "" {
		out["stop_reason"] = r.StopReason
		out["reason"] = r.Reason
	}
	return out
}
