package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/agleyzer/segstream/internal/cluster"
	"github.com/agleyzer/segstream/internal/stream"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fakeSource struct {
	stats stream.Stats
}

func (f *fakeSource) Stats() stream.Stats { return f.stats }

type fakeCluster struct{}

func (fakeCluster) NodeID() string     { return "node1" }
func (fakeCluster) State() string      { return "Leader" }
func (fakeCluster) IsLeader() bool     { return true }
func (fakeCluster) LeaderAddr() string { return "127.0.0.1:7000" }
func (fakeCluster) GetState() cluster.Checkpoint {
	return cluster.Checkpoint{URL: "http://example.com/live.m3u8", LastSequence: 41, Segments: 5}
}

func testStats() stream.Stats {
	return stream.Stats{
		ID:            "abc",
		URL:           "http://example.com/live.m3u8",
		Segments:      5,
		Bytes:         5000,
		TotalSegments: 7,
		LastSequence:  41,
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	logger := createTestLogger()
	srv := New(8080, nil, logger)

	if srv.port != 8080 {
		t.Error("Port not set correctly")
	}
	if srv.logger != logger {
		t.Error("Logger not set correctly")
	}
	if srv.cluster != nil {
		t.Error("Cluster should be nil")
	}
}

func TestHandleHealth(t *testing.T) {
	srv := New(8080, nil, createTestLogger())
	srv.SetSource(&fakeSource{stats: testStats()})

	w := get(t, srv, "/health")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}

	var health map[string]any
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", health["status"])
	}
	if health["segments"] != float64(5) {
		t.Errorf("Expected segments 5, got %v", health["segments"])
	}
}

func TestHandleHealth_Idle(t *testing.T) {
	srv := New(8080, nil, createTestLogger())

	w := get(t, srv, "/health")

	var health map[string]any
	json.NewDecoder(w.Body).Decode(&health)
	if w.Code != http.StatusOK || health["status"] != "idle" {
		t.Errorf("Expected 200 idle, got %d %v", w.Code, health["status"])
	}
}

func TestHandleHealth_Failed(t *testing.T) {
	srv := New(8080, nil, createTestLogger())
	st := testStats()
	st.Done = true
	st.Err = "segment 42: status 404"
	srv.SetSource(&fakeSource{stats: st})

	w := get(t, srv, "/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}

	var health map[string]any
	json.NewDecoder(w.Body).Decode(&health)
	if health["status"] != "failed" || health["error"] != st.Err {
		t.Errorf("Unexpected health %v", health)
	}
}

func TestHandleStatus(t *testing.T) {
	srv := New(8080, fakeCluster{}, createTestLogger())
	srv.SetSource(&fakeSource{stats: testStats()})

	w := get(t, srv, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var status Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if status.Stream == nil || status.Stream.LastSequence != 41 || status.Stream.TotalSegments != 7 {
		t.Errorf("Unexpected stream stats %+v", status.Stream)
	}
	if status.Cluster == nil {
		t.Fatal("Expected cluster status")
	}
	if !status.Cluster.Leader || status.Cluster.NodeID != "node1" || status.Cluster.Checkpoint.LastSequence != 41 {
		t.Errorf("Unexpected cluster status %+v", status.Cluster)
	}
}

func TestHandleStatus_WithoutCluster(t *testing.T) {
	srv := New(8080, nil, createTestLogger())

	w := get(t, srv, "/status")

	var raw map[string]any
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if _, ok := raw["cluster"]; ok {
		t.Error("Cluster field should be omitted")
	}
	if raw["stream"] != nil {
		t.Errorf("Expected null stream, got %v", raw["stream"])
	}
}

func TestLoggingMiddleware(t *testing.T) {
	srv := New(8080, nil, createTestLogger())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	wrapped := srv.loggingMiddleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "test" {
		t.Errorf("Expected body 'test', got '%s'", w.Body.String())
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	wrapped := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusOK,
	}

	wrapped.WriteHeader(http.StatusNotFound)

	if wrapped.statusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", wrapped.statusCode)
	}
}

func TestServer_Integration(t *testing.T) {
	srv := New(0, nil, createTestLogger()) // Use port 0 for automatic port assignment

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("Expected nil or ErrServerClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Server did not stop within timeout")
	}
}

func TestHandleStatus_ConcurrentRequests(t *testing.T) {
	srv := New(8080, fakeCluster{}, createTestLogger())
	srv.SetSource(&fakeSource{stats: testStats()})

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest("GET", "/status", nil)
			w := httptest.NewRecorder()

			srv.handleStatus(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("Expected status 200, got %d", w.Code)
			}

			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
