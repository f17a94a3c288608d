package integration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/segstream/internal/origin"
)

// ClusterTestHarness runs hot-standby segstream nodes recording one origin.
type ClusterTestHarness struct {
	*TestHarness
	instances []*Instance
}

// NewClusterTestHarness creates a new cluster test harness.
func NewClusterTestHarness(t *testing.T) *ClusterTestHarness {
	t.Helper()
	return &ClusterTestHarness{TestHarness: NewTestHarness(t)}
}

// StartCluster starts nodeCount nodes recording manifestURL.
func (h *ClusterTestHarness) StartCluster(nodeCount int, manifestURL string, args ...string) {
	h.t.Helper()

	peerAddrs := make([]string, nodeCount)
	for i := range peerAddrs {
		peerAddrs[i] = fmt.Sprintf("127.0.0.1:%d", findAvailablePort(h.t))
	}
	peers := strings.Join(peerAddrs, ",")

	for i := 0; i < nodeCount; i++ {
		nodeID := fmt.Sprintf("node%d", i+1)
		nodeArgs := append([]string{
			"-raft-id", nodeID,
			"-raft-bind", peerAddrs[i],
			"-peers", peers,
		}, args...)
		h.instances = append(h.instances, h.Start(nodeID, manifestURL, nodeArgs...))
	}

	for _, inst := range h.instances {
		waitForServer(h.t, fmt.Sprintf("http://localhost:%d/health", inst.StatusPort), 15*time.Second)
	}
	h.t.Logf("Cluster started with %d nodes", nodeCount)
}

// GetLeader returns the running instance that reports leadership.
func (h *ClusterTestHarness) GetLeader() (*Instance, error) {
	for _, inst := range h.instances {
		if !inst.Running() {
			continue
		}
		status, err := inst.Status()
		if err != nil || status.Cluster == nil {
			continue
		}
		if status.Cluster.Leader {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("no leader found")
}

// WaitForLeader waits until a leader is elected.
func (h *ClusterTestHarness) WaitForLeader(timeout time.Duration) *Instance {
	h.t.Helper()

	var leader *Instance
	WaitForCondition(h.t, func() bool {
		var err error
		leader, err = h.GetLeader()
		return err == nil
	}, timeout, "leader election")

	h.t.Logf("Leader elected: %s", leader.ID)
	return leader
}

// Cleanup stops all instances and the origin.
func (h *ClusterTestHarness) Cleanup() {
	for _, inst := range h.instances {
		inst.Stop()
	}
	h.TestHarness.Cleanup()
}

// TestOnlyLeaderRecords checks that followers stand by while the leader
// records and replicates its checkpoint.
func TestOnlyLeaderRecords(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	harness := NewClusterTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(origin.Config{WindowSize: 30, SegmentDuration: 200 * time.Millisecond})
	harness.StartCluster(3, harness.URL("/live.m3u8"), "-begin", "now", "-live-buffer", "1s")

	leader := harness.WaitForLeader(15 * time.Second)

	WaitForCondition(t, func() bool {
		for _, inst := range harness.instances {
			status, err := inst.Status()
			if err != nil || status.Cluster == nil || status.Cluster.Checkpoint.Segments < 5 {
				return false
			}
		}
		return true
	}, 20*time.Second, "checkpoint replicated to all nodes")

	for _, inst := range harness.instances {
		status, err := inst.Status()
		if err != nil {
			t.Fatalf("failed to fetch status of %s: %v", inst.ID, err)
		}
		if status.Cluster.Checkpoint.Recorder != leader.ID {
			t.Errorf("%s: expected checkpoint recorded by %s, got %s", inst.ID, leader.ID, status.Cluster.Checkpoint.Recorder)
		}
		if inst == leader {
			continue
		}
		if status.Stream != nil {
			t.Errorf("follower %s should not record", inst.ID)
		}
		if got := inst.Recording(t); got != "" {
			t.Errorf("follower %s wrote %d bytes", inst.ID, len(got))
		}
	}

	rec := ParseRecording(t, leader.Recording(t))
	if err := rec.Contiguous(); err != nil {
		t.Errorf("leader recording is not contiguous: %v", err)
	}
}

// TestFailoverResumesRecording kills the recording leader and checks that
// the new leader continues after the replicated checkpoint.
func TestFailoverResumesRecording(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster integration test in short mode")
	}

	harness := NewClusterTestHarness(t)
	defer harness.Cleanup()

	harness.StartOrigin(origin.Config{WindowSize: 50, SegmentDuration: 200 * time.Millisecond})
	harness.StartCluster(3, harness.URL("/live.m3u8"), "-begin", "now", "-live-buffer", "1s")

	leader := harness.WaitForLeader(15 * time.Second)

	WaitForCondition(t, func() bool {
		status, err := leader.Status()
		return err == nil && status.Cluster.Checkpoint.Segments >= 8
	}, 20*time.Second, "leader recorded 8 segments")

	t.Logf("Stopping leader %s", leader.ID)
	leader.Stop()

	before := ParseRecording(t, leader.Recording(t))
	if len(before.Sequences) == 0 {
		t.Fatal("old leader recorded nothing")
	}
	lastBefore := before.Sequences[len(before.Sequences)-1]

	newLeader := harness.WaitForLeader(20 * time.Second)
	if newLeader == leader {
		t.Fatal("new leader is the same as old leader")
	}

	var after *ParsedRecording
	WaitForCondition(t, func() bool {
		after = ParseRecording(t, newLeader.Recording(t))
		return len(after.Sequences) >= 3
	}, 20*time.Second, "new leader recording")

	// The old leader may have written segments its last checkpoint did not
	// cover; those are recorded again.
	first := after.Sequences[0]
	if first > lastBefore+1 {
		t.Errorf("gap after failover: old leader ended at %d, new leader started at %d", lastBefore, first)
	}
	if first <= before.Sequences[0] {
		t.Errorf("new leader restarted at %d instead of resuming after the checkpoint", first)
	}
	if err := after.Contiguous(); err != nil {
		t.Errorf("new leader recording is not contiguous: %v", err)
	}

	status, err := newLeader.Status()
	if err != nil {
		t.Fatalf("failed to fetch status: %v", err)
	}
	if status.Cluster.Checkpoint.Recorder != newLeader.ID {
		t.Errorf("expected checkpoint recorded by %s, got %s", newLeader.ID, status.Cluster.Checkpoint.Recorder)
	}
	if status.Cluster.Checkpoint.Segments <= 8 {
		t.Errorf("expected segment count to continue from the old leader, got %d", status.Cluster.Checkpoint.Segments)
	}
}
