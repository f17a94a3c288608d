package fetch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidURL is returned for URLs that cannot be requested over HTTP(S).
	ErrInvalidURL = errors.New("invalid url")
	// ErrTooManyRedirects is returned when a redirect chain exceeds Policy.MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrRetriesExhausted wraps the last transient failure once the retry and
	// reconnect budgets are spent.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrTimeout marks an attempt that received no data within Policy.Timeout.
	ErrTimeout = errors.New("no data received within timeout")
	// ErrCanceled is returned after Response.Close or context cancellation.
	ErrCanceled = errors.New("fetch canceled")
)

// StatusError reports a response status outside the 2xx range.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code %d (%s) from %s", e.Code, http.StatusText(e.Code), e.URL)
}

// Backoff controls the delay between retries: min(retries*Increment, Max).
type Backoff struct {
	Increment time.Duration
	Max       time.Duration
}

// Delay returns the backoff delay before retry number n (counting from zero).
func (b Backoff) Delay(n int) time.Duration {
	d := time.Duration(n) * b.Increment
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Policy is the recovery budget of a single fetch.
type Policy struct {
	// MaxRedirects is the number of redirects followed before failing.
	MaxRedirects int
	// MaxRetries is the number of restarts from byte zero allowed before any
	// body byte was received.
	MaxRetries int
	// MaxReconnects is the number of ranged resumes allowed after the body
	// started streaming.
	MaxReconnects int
	// Backoff controls retry delays.
	Backoff Backoff
	// Timeout fails an attempt that receives no data for this long. Zero disables it.
	Timeout time.Duration
}

// DefaultPolicy returns the default recovery budget.
func DefaultPolicy() Policy {
	return Policy{
		MaxRedirects:  10,
		MaxRetries:    2,
		MaxReconnects: 0,
		Backoff: Backoff{
			Increment: 100 * time.Millisecond,
			Max:       10 * time.Second,
		},
	}
}

// Validate checks the policy and fills in defaults for unset backoff values.
func (p *Policy) Validate() error {
	if p.MaxRedirects < 0 {
		return fmt.Errorf("max redirects must not be negative, got %d", p.MaxRedirects)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must not be negative, got %d", p.MaxReconnects)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", p.Timeout)
	}

	def := DefaultPolicy()
	if p.Backoff.Increment <= 0 {
		p.Backoff.Increment = def.Backoff.Increment
	}
	if p.Backoff.Max <= 0 {
		p.Backoff.Max = def.Backoff.Max
	}
	return nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isRateLimited(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// retryAfter parses a Retry-After header given either in seconds or as an HTTP date.
func retryAfter(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Retryable reports whether err belongs to the transient class that the
// fetcher recovers from when budget remains.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
