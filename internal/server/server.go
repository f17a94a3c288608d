// Package server exposes the state of a recording over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/segstream/internal/cluster"
	"github.com/agleyzer/segstream/internal/stream"
)

// StatsSource is a running stream.
type StatsSource interface {
	Stats() stream.Stats
}

// Cluster is the subset of cluster.Manager reported on /status.
type Cluster interface {
	NodeID() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	GetState() cluster.Checkpoint
}

// ClusterStatus is the cluster part of /status.
type ClusterStatus struct {
	NodeID     string             `json:"node_id"`
	State      string             `json:"state"`
	Leader     bool               `json:"leader"`
	LeaderAddr string             `json:"leader_addr"`
	Checkpoint cluster.Checkpoint `json:"checkpoint"`
}

// Status is the body of /status.
type Status struct {
	Stream  *stream.Stats  `json:"stream"`
	Cluster *ClusterStatus `json:"cluster,omitempty"`
}

// Server serves status of the current recording
type Server struct {
	port    int
	logger  *slog.Logger
	cluster Cluster

	mu     sync.RWMutex
	source StatsSource

	httpServer *http.Server
}

// New creates a new HTTP server. c may be nil when running without a cluster.
func New(port int, c Cluster, logger *slog.Logger) *Server {
	return &Server{
		port:    port,
		cluster: c,
		logger:  logger,
	}
}

// SetSource replaces the stream reported by the server. A node that takes
// over a recording opens a new stream.
func (s *Server) SetSource(src StatsSource) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server and blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) stats() *stream.Stats {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return nil
	}
	st := src.Stats()
	return &st
}

// handleHealth reports 503 once the current stream failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	health := map[string]any{}

	if st := s.stats(); st != nil {
		health["segments"] = st.Segments
		health["bytes"] = st.Bytes
		if st.Err != "" {
			status, code = "failed", http.StatusServiceUnavailable
			health["error"] = st.Err
		}
	} else {
		status = "idle"
	}
	health["status"] = status

	writeJSON(w, code, health)
}

// handleStatus serves the stream stats and the cluster role
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{Stream: s.stats()}
	if s.cluster != nil {
		status.Cluster = &ClusterStatus{
			NodeID:     s.cluster.NodeID(),
			State:      s.cluster.State(),
			Leader:     s.cluster.IsLeader(),
			LeaderAddr: s.cluster.LeaderAddr(),
			Checkpoint: s.cluster.GetState(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
