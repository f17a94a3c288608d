package fetch

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a fetch lifecycle notification.
type EventKind int

const (
	// EventRequest is emitted before every attempt is sent.
	EventRequest EventKind = iota
	// EventRedirect is emitted when a redirect is followed.
	EventRedirect
	// EventRetry is emitted when the fetch restarts from byte zero.
	EventRetry
	// EventReconnect is emitted when the fetch resumes with a Range request.
	EventReconnect
	// EventResponse is emitted when response headers of a successful attempt arrive.
	EventResponse
	// EventFinish is emitted once the body has been fully received.
	EventFinish
	// EventAbort is emitted when the fetch is canceled before it settled.
	EventAbort
)

func (k EventKind) String() string {
	switch k {
	case EventRequest:
		return "request"
	case EventRedirect:
		return "redirect"
	case EventRetry:
		return "retry"
	case EventReconnect:
		return "reconnect"
	case EventResponse:
		return "response"
	case EventFinish:
		return "finish"
	case EventAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Event is an advisory lifecycle notification. Observers must not block.
type Event struct {
	Kind      EventKind
	RequestID uuid.UUID
	URL       string
	// Attempt is the retry or reconnect count for retry/reconnect events,
	// the redirect count for redirect events.
	Attempt int
	// Status is the HTTP status for response and redirect events.
	Status int
	// Delay is the wait before the next attempt.
	Delay time.Duration
	// Received is the number of body bytes received so far.
	Received int64
	// Err is the cause of a retry or reconnect.
	Err error
}

// Observer receives lifecycle notifications.
type Observer func(Event)
