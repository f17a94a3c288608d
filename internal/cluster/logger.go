package cluster

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger creates the hclog.Logger handed to Raft. An empty or "off"
// level silences Raft entirely.
func newRaftLogger(level string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if level == "" || lvl == hclog.NoLevel {
		lvl = hclog.Off
	}
	if lvl == hclog.Off {
		w = io.Discard
	}
	if w == nil {
		w = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  lvl,
		Output: w,
	})
}
