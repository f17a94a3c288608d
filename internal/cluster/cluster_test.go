package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestManager_NewManager(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: false,
		},
		{
			name: "missing raft-id",
			config: Config{
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing bind-addr",
			config: Config{
				RaftID: "node1",
				Peers:  []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
			},
			wantErr: true,
		},
		{
			name: "invalid bind-addr",
			config: Config{
				RaftID:   "node1",
				BindAddr: "invalid",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	config := Config{
		RaftID:            "node1",
		BindAddr:          "127.0.0.1:0", // Use port 0 for auto-assignment
		Peers:             []string{"127.0.0.1:0"},
		HeartbeatTimeout:  100 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		SnapshotInterval:  1 * time.Hour,
		SnapshotThreshold: 10000,
	}

	manager, err := NewManager(config, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Verify manager is running
	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}

	// Shutdown
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Verify shutdown is idempotent
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}
}

func TestManager_CheckpointAndGetState(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Create a single-node cluster
	manager := createTestCluster(t, logger, 1, 20000)[0]
	defer manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeadership(ctx); err != nil {
		t.Fatalf("WaitForLeadership() error = %v", err)
	}

	const url = "http://example.com/live.m3u8"
	if err := manager.Reset(url); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if err := manager.Checkpoint(Checkpoint{URL: url, LastSequence: 41, Segments: 5, Bytes: 5000}); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// Apply returns once the leader's FSM applied the entry
	state := manager.GetState()
	if state.LastSequence != 41 {
		t.Errorf("LastSequence = %d, want 41", state.LastSequence)
	}
	if state.Segments != 5 {
		t.Errorf("Segments = %d, want 5", state.Segments)
	}
	if state.Recorder != manager.NodeID() {
		t.Errorf("Recorder = %q, want %q", state.Recorder, manager.NodeID())
	}
	if state.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestManager_NotStarted(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager, err := NewManager(Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := manager.Checkpoint(Checkpoint{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Checkpoint() error = %v, want ErrNotStarted", err)
	}
	if manager.IsLeader() {
		t.Error("IsLeader() should be false before Start")
	}
	if manager.State() != "NotStarted" {
		t.Errorf("State() = %s, want NotStarted", manager.State())
	}

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := manager.Reset("u"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Reset() error = %v, want ErrShutdown", err)
	}
}

func TestManager_FollowerTakesOver(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	managers := createTestCluster(t, logger, 3, 20100)
	defer func() {
		for _, m := range managers {
			m.Shutdown()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := managers[0].WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	var leader *Manager
	for _, m := range managers {
		if m.IsLeader() {
			leader = m
		}
	}
	if leader == nil {
		t.Fatal("expected a leader")
	}

	if err := leader.Checkpoint(Checkpoint{URL: "u", LastSequence: 99, Segments: 100}); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	// Followers apply the entry asynchronously
	deadline := time.Now().Add(5 * time.Second)
	for _, m := range managers {
		for m.GetState().LastSequence != 99 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		if got := m.GetState().LastSequence; got != 99 {
			t.Errorf("node %s: LastSequence = %d, want 99", m.NodeID(), got)
		}
	}

	lost := leader.LostLeadership(context.Background())
	if err := leader.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("expected LostLeadership to fire after shutdown")
	}

	// One of the remaining nodes takes over with the replicated checkpoint
	var next *Manager
	for time.Now().Before(deadline.Add(5*time.Second)) && next == nil {
		for _, m := range managers {
			if m != leader && m.IsLeader() {
				next = m
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if next == nil {
		t.Fatal("expected a new leader")
	}
	if got := next.GetState().LastSequence; got != 99 {
		t.Errorf("new leader LastSequence = %d, want 99", got)
	}
}

func TestNewRaftLogger(t *testing.T) {
	tests := []struct {
		level   string
		wantOff bool
	}{
		{"", true},
		{"off", true},
		{"bogus", true},
		{"debug", false},
		{"warn", false},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		l := newRaftLogger(tt.level, &buf)
		l.Error("election timeout")
		if got := buf.Len() == 0; got != tt.wantOff {
			t.Errorf("newRaftLogger(%q): silent = %v, want %v", tt.level, got, tt.wantOff)
		}
	}
}

// createTestCluster creates a test cluster with the specified number of nodes.
func createTestCluster(t *testing.T, logger *slog.Logger, nodeCount, basePort int) []*Manager {
	t.Helper()

	// Allocate ports
	peers := make([]string, nodeCount)
	for i := 0; i < nodeCount; i++ {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, nodeCount)
	for i := 0; i < nodeCount; i++ {
		config := Config{
			RaftID:            peers[i],
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  1 * time.Hour,
			SnapshotThreshold: 10000,
		}

		manager, err := NewManager(config, logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ctx := context.Background()
		if err := manager.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		managers[i] = manager
	}

	return managers
}
