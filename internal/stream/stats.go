package stream

import "time"

// Stats is a point-in-time snapshot of a stream.
type Stats struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`

	// Segments and Bytes count what has been written to the output.
	Segments int   `json:"segments"`
	Bytes    int64 `json:"bytes"`
	// Buffered is the number of written bytes the reader has not consumed.
	Buffered int `json:"buffered"`
	// TotalSegments counts everything scheduled, written or not.
	TotalSegments int `json:"total_segments"`
	// LastSequence is the last media sequence written, or -1.
	LastSequence int64 `json:"last_sequence"`

	Refreshes int    `json:"refreshes"`
	InFlight  int    `json:"in_flight"`
	Static    bool   `json:"static"`
	Done      bool   `json:"done"`
	Err       string `json:"error,omitempty"`
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.InFlight = s.inflight.Size()
	st.Buffered = s.out.Buffered()
	return st
}
