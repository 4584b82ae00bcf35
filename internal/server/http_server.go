// Package server exposes the lifecycle engine over a small HTTP API
// for inspection and remote control of a long-running orchestrator.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"swarminho/internal/common"
	"swarminho/internal/metrics"
)

// EngineInterface is the slice of the lifecycle engine the server needs.
type EngineInterface interface {
	Run(name, command string, memLimitMB int64) (common.Container, error)
	Ps() []common.Container
	Get(name string) (common.Container, error)
	Logs(name string) (stdout, stderr string, err error)
	Stop(name string) error
}

// MetricsCollector produces snapshots for the metrics endpoint.
type MetricsCollector interface {
	Collect() *metrics.Snapshot
}

// HTTPServer serves the orchestrator status API.
type HTTPServer struct {
	server    *http.Server
	logger    *zap.Logger
	engine    EngineInterface
	collector MetricsCollector
}

// NewHTTPServer creates a server over the given engine.
func NewHTTPServer(engine EngineInterface, collector MetricsCollector) *HTTPServer {
	return &HTTPServer{
		logger:    common.ComponentLogger("http-server"),
		engine:    engine,
		collector: collector,
	}
}

// Router builds the API routes.
func (s *HTTPServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	v1 := router.PathPrefix("/ws/v1").Subrouter()
	v1.HandleFunc("/containers", s.handleListContainers).Methods("GET")
	v1.HandleFunc("/containers", s.handleRunContainer).Methods("POST")
	v1.HandleFunc("/containers/{name}", s.handleGetContainer).Methods("GET")
	v1.HandleFunc("/containers/{name}", s.handleStopContainer).Methods("DELETE")
	v1.HandleFunc("/containers/{name}/logs", s.handleContainerLogs).Methods("GET")
	v1.HandleFunc("/metrics", s.handleMetrics).Methods("GET")

	return router
}

// Start runs the server in the background.
func (s *HTTPServer) Start(cfg common.ServerConfig) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		s.logger.Info("Starting HTTP status server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP status server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type runRequest struct {
	Name          string `json:"name"`
	Command       string `json:"command"`
	MemoryLimitMB int64  `json:"memory_limit_mb"`
}

type logsResponse struct {
	Name   string `json:"name"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *HTTPServer) handleListContainers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Ps())
}

func (s *HTTPServer) handleRunContainer(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	container, err := s.engine.Run(req.Name, req.Command, req.MemoryLimitMB)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, container)
}

func (s *HTTPServer) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	container, err := s.engine.Get(name)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, container)
}

func (s *HTTPServer) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.Stop(name); err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	stdout, stderr, err := s.engine.Logs(name)
	if err != nil {
		s.writeError(w, statusForError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, logsResponse{Name: name, Stdout: stdout, Stderr: stderr})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("metrics collection is disabled"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.collector.Collect())
}

// statusForError maps the engine's error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, common.ErrMemoryPolicy), errors.Is(err, common.ErrLimit),
		errors.Is(err, common.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrAllocation), errors.Is(err, common.ErrSpawn):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
