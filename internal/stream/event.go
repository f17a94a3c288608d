package stream

import (
	"time"

	"github.com/agleyzer/segstream/internal/fetch"
	"github.com/agleyzer/segstream/internal/manifest"
)

// EventKind identifies a stream notification.
type EventKind int

const (
	EventProgress EventKind = iota
	EventRequest
	EventResponse
	EventRedirect
	EventRetry
	EventReconnect
	EventAbort
	EventRefresh
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	case EventRedirect:
		return "redirect"
	case EventRetry:
		return "retry"
	case EventReconnect:
		return "reconnect"
	case EventAbort:
		return "abort"
	case EventRefresh:
		return "refresh"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is an advisory notification. Only the field matching Kind is set.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Progress *Progress
	Fetch    *fetch.Event
	Round    *manifest.Round
	Err      error
}

// Progress reports one segment written to the output.
type Progress struct {
	// Index is the zero-based position of the segment in the output.
	Index    int
	Sequence int64
	Init     bool
	Size     int64
	Duration time.Duration
	URL      string
	// TotalSegments is the number of segments scheduled so far.
	TotalSegments int
	// TotalBytes is the number of bytes written so far.
	TotalBytes int64
}

func fetchKind(k fetch.EventKind) (EventKind, bool) {
	switch k {
	case fetch.EventRequest:
		return EventRequest, true
	case fetch.EventResponse:
		return EventResponse, true
	case fetch.EventRedirect:
		return EventRedirect, true
	case fetch.EventRetry:
		return EventRetry, true
	case fetch.EventReconnect:
		return EventReconnect, true
	case fetch.EventAbort:
		return EventAbort, true
	}
	return 0, false
}
