// Package integration provides integration testing utilities for segstream.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/segstream/internal/origin"
	"github.com/agleyzer/segstream/internal/server"
)

// TestHarness runs a simulated live origin and segstream processes
// recording from it.
type TestHarness struct {
	t          *testing.T
	origin     *origin.Origin
	httpServer *http.Server
	httpPort   int
	tempDir    string
	cancel     context.CancelFunc
}

// Instance is one segstream process.
type Instance struct {
	ID         string
	StatusPort int
	Output     string
	Cmd        *exec.Cmd
	Cancel     context.CancelFunc

	exited chan struct{}
	err    error
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:        t,
		httpPort: findAvailablePort(t),
		tempDir:  t.TempDir(),
	}
}

// StartOrigin starts a live origin that advances every segment duration.
func (h *TestHarness) StartOrigin(cfg origin.Config) *origin.Origin {
	h.t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	o, err := origin.New(cfg, logger)
	if err != nil {
		h.t.Fatalf("failed to create origin: %v", err)
	}
	h.origin = o

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: o,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go o.StartAutoAdvance(ctx)

	waitForServer(h.t, h.URL("/live.m3u8"), 5*time.Second)
	h.t.Logf("Origin started on port %d", h.httpPort)
	return o
}

// URL returns the origin URL of path.
func (h *TestHarness) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", h.httpPort, path)
}

// Start runs segstream with args and the manifest URL. The recording goes
// to a file in the harness temp dir and the status server listens on a
// free port.
func (h *TestHarness) Start(id, manifestURL string, args ...string) *Instance {
	h.t.Helper()

	inst := &Instance{
		ID:         id,
		StatusPort: findAvailablePort(h.t),
		Output:     filepath.Join(h.tempDir, id+".ts"),
		exited:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst.Cancel = cancel

	argv := append([]string{
		"-o", inst.Output,
		"-status-port", fmt.Sprintf("%d", inst.StatusPort),
	}, args...)
	argv = append(argv, manifestURL)

	inst.Cmd = exec.CommandContext(ctx, findSegstreamBinary(h.t), argv...)
	inst.Cmd.Stdout = os.Stdout
	inst.Cmd.Stderr = os.Stderr

	if err := inst.Cmd.Start(); err != nil {
		cancel()
		h.t.Fatalf("failed to start segstream %s: %v", id, err)
	}
	go func() {
		inst.err = inst.Cmd.Wait()
		close(inst.exited)
	}()

	h.t.Logf("Started segstream %s (status: %d)", id, inst.StatusPort)
	return inst
}

// Wait waits for the process to exit and returns its error.
func (inst *Instance) Wait(t *testing.T, timeout time.Duration) error {
	t.Helper()

	select {
	case <-inst.exited:
		return inst.err
	case <-time.After(timeout):
		t.Fatalf("segstream %s did not exit within %v", inst.ID, timeout)
		return nil
	}
}

// Running reports whether the process has not exited yet.
func (inst *Instance) Running() bool {
	select {
	case <-inst.exited:
		return false
	default:
		return true
	}
}

// Stop kills the process.
func (inst *Instance) Stop() {
	inst.Cancel()
	<-inst.exited
}

// Status fetches /status of the instance.
func (inst *Instance) Status() (*server.Status, error) {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/status", inst.StatusPort))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var status server.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Health fetches /health of the instance.
func (inst *Instance) Health() (map[string]any, int, error) {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", inst.StatusPort))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, resp.StatusCode, err
	}
	return health, resp.StatusCode, nil
}

// Recording reads the output file of the instance.
func (inst *Instance) Recording(t *testing.T) string {
	t.Helper()

	data, err := os.ReadFile(inst.Output)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to read recording: %v", err)
	}
	return string(data)
}

// Cleanup stops the origin.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// ParsedRecording is a recording split into origin segments.
type ParsedRecording struct {
	Variant   int
	Sequences []uint64
}

// ParseRecording splits a recording made from the origin into the
// sequences of its segments.
func ParseRecording(t *testing.T, data string) *ParsedRecording {
	t.Helper()

	rec := &ParsedRecording{Variant: -1}
	for _, part := range strings.Split(data, "|") {
		if part == "" {
			continue
		}
		var (
			v   int
			seq uint64
		)
		if _, err := fmt.Sscanf(part, "v%d-seg%d", &v, &seq); err != nil {
			t.Fatalf("malformed segment %q in recording", part)
		}
		if rec.Variant >= 0 && v != rec.Variant {
			t.Fatalf("recording mixes variants %d and %d", rec.Variant, v)
		}
		rec.Variant = v
		rec.Sequences = append(rec.Sequences, seq)
	}
	return rec
}

// Contiguous reports an error unless the sequences increase by one.
func (p *ParsedRecording) Contiguous() error {
	for i := 1; i < len(p.Sequences); i++ {
		if p.Sequences[i] != p.Sequences[i-1]+1 {
			return fmt.Errorf("sequence %d follows %d", p.Sequences[i], p.Sequences[i-1])
		}
	}
	return nil
}

// findSegstreamBinary locates the segstream binary.
func findSegstreamBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../segstream",           // From test/integration
		"./segstream",               // From project root
		"../segstream",              // From test directory
		"./cmd/segstream/segstream", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			return absPath
		}
	}

	t.Fatal("segstream binary not found. Run 'go build -o segstream ./cmd/segstream' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until a condition is met or timeout occurs.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		<-ticker.C
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
	}
}
