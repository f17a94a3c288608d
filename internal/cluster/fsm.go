// Package cluster replicates the acquisition checkpoint of a recording across
// hot-standby nodes with Raft.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(CheckpointCommand{})
	gob.Register(ResetCommand{})
}

// Checkpoint is the replicated position of a recording. A node that takes
// over resumes after LastSequence.
type Checkpoint struct {
	// URL is the manifest being recorded.
	URL string `json:"url"`
	// LastSequence is the last media sequence written, or -1.
	LastSequence int64 `json:"last_sequence"`
	// Segments is the number of segments written, init segments included.
	Segments int `json:"segments"`
	// Bytes is the number of bytes written.
	Bytes int64 `json:"bytes"`
	// Recorder is the node that wrote the checkpoint.
	Recorder string `json:"recorder"`
	// UpdatedAt is when the recorder wrote the checkpoint.
	UpdatedAt time.Time `json:"updated_at"`
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandCheckpoint records progress.
	CommandCheckpoint CommandType = 1
	// CommandReset starts a new recording.
	CommandReset CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// CheckpointCommand records progress of a recording.
type CheckpointCommand struct {
	Checkpoint Checkpoint
}

// ResetCommand discards the checkpoint and starts over for URL.
type ResetCommand struct {
	URL string
}

// CheckpointFSM implements the raft.FSM interface for the checkpoint.
type CheckpointFSM struct {
	mu     sync.RWMutex
	state  Checkpoint
	logger *slog.Logger
}

// NewCheckpointFSM creates a new CheckpointFSM.
func NewCheckpointFSM(logger *slog.Logger) *CheckpointFSM {
	return &CheckpointFSM{
		state:  Checkpoint{LastSequence: -1},
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *CheckpointFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandCheckpoint:
		return f.applyCheckpoint(cmd.Data)
	case CommandReset:
		return f.applyReset(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyCheckpoint moves the checkpoint forward. A checkpoint for another URL
// replaces the state; an older one for the same URL is ignored.
func (f *CheckpointFSM) applyCheckpoint(data any) any {
	cmd, ok := data.(CheckpointCommand)
	if !ok {
		return fmt.Errorf("invalid checkpoint command data")
	}

	cp := cmd.Checkpoint
	if cp.URL == f.state.URL && cp.Segments < f.state.Segments {
		f.logger.Debug("ignored stale checkpoint",
			"sequence", cp.LastSequence,
			"segments", cp.Segments,
			"current_segments", f.state.Segments)
		return nil
	}

	f.state = cp
	f.logger.Debug("checkpoint recorded", "sequence", cp.LastSequence, "segments", cp.Segments, "bytes", cp.Bytes)
	return nil
}

func (f *CheckpointFSM) applyReset(data any) any {
	cmd, ok := data.(ResetCommand)
	if !ok {
		return fmt.Errorf("invalid reset command data")
	}

	f.state = Checkpoint{URL: cmd.URL, LastSequence: -1}
	f.logger.Info("checkpoint reset", "url", cmd.URL)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *CheckpointFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *CheckpointFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state Checkpoint
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored checkpoint from snapshot", "url", state.URL, "sequence", state.LastSequence)
	return nil
}

// GetState returns a copy of the current checkpoint.
func (f *CheckpointFSM) GetState() Checkpoint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state Checkpoint
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
