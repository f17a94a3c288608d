// Package manifest turns repeated manifest downloads into an ordered,
// deduplicated stream of segment descriptors.
package manifest

import (
	"math"
	"time"

	"github.com/agleyzer/segstream/pkg/segment"
)

// DefaultLiveBuffer is the default tail window kept for live manifests.
const DefaultLiveBuffer = 20 * time.Second

// Begin is the playback starting point.
type Begin struct {
	// At is an absolute wall-clock start. The live buffer is subtracted from it.
	At time.Time
	// Offset is relative to the first start-time hint of the manifest. Used
	// when At is zero.
	Offset time.Duration
}

// Round summarizes one manifest refresh.
type Round struct {
	// Added is the number of descriptors scheduled in this round.
	Added int
	// Threshold is the download backlog at or below which the next refresh
	// may start.
	Threshold int
	// MinInterval is the total duration of the scheduled descriptors.
	MinInterval time.Duration
	// Static reports that the manifest is complete.
	Static bool
}

type stamped struct {
	desc segment.Descriptor
	at   time.Time
}

// Cursor tracks the playback position across manifest refreshes. It does no
// I/O and is not safe for concurrent use.
type Cursor struct {
	begin      time.Time
	offset     time.Duration
	relative   bool
	liveBuffer time.Duration

	// clock is the media time of the next unseen descriptor.
	clock    time.Time
	hinted   bool
	lastSeen int64
	lastSeq  int64

	initKey     string
	pendingInit *segment.Descriptor

	tail     []stamped
	tailDur  time.Duration
	added    int
	addedDur time.Duration
}

// NewCursor creates a cursor. Descriptors with a sequence at or below after
// are never scheduled; pass a negative value to start from the beginning.
func NewCursor(begin Begin, liveBuffer time.Duration, after int64) *Cursor {
	if liveBuffer <= 0 {
		liveBuffer = DefaultLiveBuffer
	}
	if after < 0 {
		after = -1
	}
	c := &Cursor{
		liveBuffer: liveBuffer,
		lastSeen:   -1,
		lastSeq:    after,
	}
	if !begin.At.IsZero() {
		c.begin = begin.At.Add(-liveBuffer)
	} else {
		c.relative = true
		c.offset = begin.Offset
		c.begin = c.clock.Add(begin.Offset)
	}
	return c
}

// LastSequence returns the highest sequence scheduled so far, or the resume
// point passed to NewCursor.
func (c *Cursor) LastSequence() int64 {
	return c.lastSeq
}

// StartRound resets the per-refresh state.
func (c *Cursor) StartRound() {
	c.tail = c.tail[:0]
	c.tailDur = 0
	c.added = 0
	c.addedDur = 0
}

// StartTime applies the manifest's start-time hint. Only the first hint,
// received before any descriptor, sets the media clock.
func (c *Cursor) StartTime(t time.Time) {
	if c.hinted || t.IsZero() || c.lastSeen >= 0 {
		return
	}
	c.hinted = true
	c.clock = t
	if c.relative {
		c.begin = t.Add(c.offset)
	}
}

// Offer stamps d with the media clock and returns the descriptors to
// schedule now. Descriptors before the playback cursor are held in the tail
// buffer until EndRound.
func (c *Cursor) Offer(d segment.Descriptor) []segment.Descriptor {
	if d.Init {
		if key := d.Key(); key != c.initKey {
			c.initKey = key
			c.pendingInit = &d
		}
		return nil
	}

	// Sequences seen on an earlier refresh keep their original time.
	if d.Sequence <= c.lastSeen {
		return nil
	}
	c.lastSeen = d.Sequence
	at := c.clock
	c.clock = c.clock.Add(d.Duration)

	if !at.Before(c.begin) {
		return c.add(d, at)
	}

	// The tail never holds more than liveBuffer of media, except for a
	// single descriptor longer than the whole window.
	c.tail = append(c.tail, stamped{desc: d, at: at})
	c.tailDur += d.Duration
	for len(c.tail) > 1 && c.tailDur > c.liveBuffer {
		c.tailDur -= c.tail[0].desc.Duration
		c.tail = c.tail[1:]
	}
	return nil
}

// EndRound flushes the tail buffer when nothing was scheduled in this round
// and reports the round.
func (c *Cursor) EndRound() ([]segment.Descriptor, Round) {
	var flushed []segment.Descriptor
	if c.added == 0 {
		for _, s := range c.tail {
			flushed = append(flushed, c.add(s.desc, s.at)...)
		}
	}
	c.tail = c.tail[:0]
	c.tailDur = 0

	return flushed, Round{
		Added:       c.added,
		Threshold:   threshold(c.added),
		MinInterval: c.addedDur,
	}
}

func (c *Cursor) add(d segment.Descriptor, at time.Time) []segment.Descriptor {
	if d.Sequence <= c.lastSeq {
		return nil
	}
	c.lastSeq = d.Sequence
	c.begin = at

	var out []segment.Descriptor
	if c.pendingInit != nil {
		out = append(out, *c.pendingInit)
		c.pendingInit = nil
		c.added++
	}
	out = append(out, d)
	c.added++
	c.addedDur += d.Duration
	return out
}

func threshold(added int) int {
	t := int(math.Ceil(float64(added) * 0.01))
	if t < 1 {
		t = 1
	}
	return t
}
