package main

import (
	"context"
	"io"
	"sync"

	"github.com/agleyzer/segstream/internal/cluster"
)

// checkpointer replicates recording progress off the stream's write path. A
// checkpoint is applied only after the stream bytes it covers reached the
// output, and only the latest such checkpoint is applied.
type checkpointer struct {
	apply func(cluster.Checkpoint)

	mu      sync.Mutex
	pending []pendingCheckpoint
	written int64

	wake chan struct{}
}

type pendingCheckpoint struct {
	bytes int64
	cp    cluster.Checkpoint
}

func newCheckpointer(apply func(cluster.Checkpoint)) *checkpointer {
	return &checkpointer{apply: apply, wake: make(chan struct{}, 1)}
}

// Add queues cp, which covers the first bytes of the stream output.
func (c *checkpointer) Add(bytes int64, cp cluster.Checkpoint) {
	c.mu.Lock()
	c.pending = append(c.pending, pendingCheckpoint{bytes: bytes, cp: cp})
	c.mu.Unlock()
	c.signal()
}

// Writer wraps the output, counting the stream bytes that reached it.
func (c *checkpointer) Writer(w io.Writer) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		n, err := w.Write(p)
		c.mu.Lock()
		c.written += int64(n)
		c.mu.Unlock()
		c.signal()
		return n, err
	})
}

// Run applies checkpoints as the output catches up. Once ctx is done it
// applies the last eligible checkpoint and returns.
func (c *checkpointer) Run(ctx context.Context) {
	for {
		select {
		case <-c.wake:
			if cp, ok := c.next(); ok {
				c.apply(cp)
			}
		case <-ctx.Done():
			if cp, ok := c.next(); ok {
				c.apply(cp)
			}
			return
		}
	}
}

// next pops the latest checkpoint whose bytes are all in the output.
func (c *checkpointer) next() (cluster.Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	for i < len(c.pending) && c.pending[i].bytes <= c.written {
		i++
	}
	if i == 0 {
		return cluster.Checkpoint{}, false
	}
	cp := c.pending[i-1].cp
	c.pending = c.pending[i:]
	return cp, true
}

func (c *checkpointer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
