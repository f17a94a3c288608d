package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Response streams the body of a fetch. Read transparently resumes the body
// after early termination when the policy allows it. Close cancels the fetch
// and may be called from any goroutine.
type Response struct {
	// StatusCode and Header describe the first successful response.
	StatusCode int
	Header     http.Header

	client *Client
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	// loc is the URL of the current attempt. Redirects followed by a
	// reconnect inside Read replace it while Close may read it.
	loc    atomic.Pointer[url.URL]
	header http.Header

	hasRange   bool
	rangeStart int64
	rangeEnd   int64

	readMu       sync.Mutex
	connected    bool
	acceptRanges bool
	expected     int64
	received     int64
	redirects    int
	retries      int
	reconnects   int
	pending      error
	err          error
	attempt      *attempt

	bodyMu sync.Mutex
	body   io.ReadCloser

	closed  atomic.Bool
	settled atomic.Bool
}

// attempt is one HTTP exchange guarded by an idle watchdog.
type attempt struct {
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timeout  time.Duration
	timedOut atomic.Bool
}

func (a *attempt) touch() {
	if a.timer != nil {
		a.timer.Reset(a.timeout)
	}
}

func (a *attempt) stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.cancel()
}

// ID returns the request id carried by lifecycle events.
func (r *Response) ID() uuid.UUID { return r.id }

// URL returns the URL of the current attempt, after redirects.
func (r *Response) URL() string { return r.location().String() }

func (r *Response) location() *url.URL { return r.loc.Load() }

// ContentLength returns the expected body size, or -1 when unknown.
func (r *Response) ContentLength() int64 { return r.expected }

// Received returns the number of body bytes delivered so far.
func (r *Response) Received() int64 {
	r.readMu.Lock()
	defer r.readMu.Unlock()
	return r.received
}

// Read implements io.Reader.
func (r *Response) Read(p []byte) (int, error) {
	r.readMu.Lock()
	defer r.readMu.Unlock()

	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.closed.Load() {
			r.fail(r.canceled())
			return 0, r.err
		}
		if r.pending != nil {
			cause := r.pending
			r.pending = nil
			if err := r.recoverStream(cause); err != nil {
				r.fail(err)
				return 0, r.err
			}
			continue
		}

		if r.expected >= 0 {
			remaining := r.expected - r.received
			if remaining <= 0 {
				r.finish()
				return 0, r.err
			}
			if int64(len(p)) > remaining {
				p = p[:remaining]
			}
		}

		body := r.currentBody()
		if body == nil {
			r.fail(r.canceled())
			return 0, r.err
		}
		n, err := body.Read(p)
		if n > 0 {
			r.received += int64(n)
			r.attempt.touch()
		}
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, io.EOF) && (r.expected < 0 || r.received >= r.expected):
			r.finish()
			if n > 0 {
				return n, nil
			}
			return 0, r.err
		case errors.Is(err, io.EOF):
			err = io.ErrUnexpectedEOF
		}

		r.pending = r.attemptError(err)
		if n > 0 {
			return n, nil
		}
	}
}

// Close cancels the fetch. Closing a fetch that already settled is a no-op
// apart from releasing resources.
func (r *Response) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	r.closeBody()
	if r.settled.CompareAndSwap(false, true) {
		r.client.emit(Event{Kind: EventAbort, RequestID: r.id, URL: r.location().String(), Err: ErrCanceled})
	}
	return nil
}

// connect runs attempts until a successful response arrives or the budget is
// spent. The caller holds readMu or owns the response exclusively.
func (r *Response) connect() error {
	for {
		if r.ctx.Err() != nil {
			return r.canceled()
		}

		a, resp, err := r.do()
		if err != nil {
			a.stop()
			if r.ctx.Err() != nil {
				return r.canceled()
			}
			if errors.Is(err, ErrInvalidURL) {
				return err
			}
			cause := r.classify(a, err)
			if !r.recover(cause, 0, false) {
				return r.exhausted(cause)
			}
			continue
		}

		code := resp.StatusCode
		switch {
		case isRedirect(code):
			delay, _ := retryAfter(resp.Header)
			loc := resp.Header.Get("Location")
			discard(resp)
			a.stop()
			if r.redirects >= r.client.policy.MaxRedirects {
				return fmt.Errorf("%w: stopped after %d redirects at %s", ErrTooManyRedirects, r.redirects, r.location())
			}
			if loc == "" {
				return fmt.Errorf("%w: redirect %d without location from %s", ErrInvalidURL, code, r.location())
			}
			next, err := r.location().Parse(loc)
			if err != nil {
				return fmt.Errorf("%w: bad redirect location %q: %v", ErrInvalidURL, loc, err)
			}
			if next.Scheme != "http" && next.Scheme != "https" {
				return fmt.Errorf("%w: redirect to unsupported scheme %q", ErrInvalidURL, next.Scheme)
			}
			r.redirects++
			r.loc.Store(next)
			r.client.emit(Event{Kind: EventRedirect, RequestID: r.id, URL: next.String(), Attempt: r.redirects, Status: code, Delay: delay})
			if !r.sleep(delay) {
				return r.canceled()
			}
			continue

		case isRateLimited(code):
			delay, explicit := retryAfter(resp.Header)
			discard(resp)
			a.stop()
			cause := &StatusError{Code: code, URL: r.location().String()}
			if !r.recover(cause, delay, explicit) {
				return r.exhausted(cause)
			}
			continue

		case code < 200 || code >= 300:
			discard(resp)
			a.stop()
			cause := &StatusError{Code: code, URL: r.location().String()}
			if code < 500 {
				return cause
			}
			if !r.recover(cause, 0, false) {
				return r.exhausted(cause)
			}
			continue
		}

		if err := r.accept(resp); err != nil {
			discard(resp)
			a.stop()
			if !r.recover(err, 0, false) {
				return r.exhausted(err)
			}
			continue
		}
		r.attempt = a
		r.setBody(resp.Body)
		r.client.emit(Event{Kind: EventResponse, RequestID: r.id, URL: r.location().String(), Status: code, Received: r.received})
		return nil
	}
}

// do sends one attempt. The returned attempt is never nil.
func (r *Response) do() (*attempt, *http.Response, error) {
	ctx, cancel := context.WithCancel(r.ctx)
	a := &attempt{ctx: ctx, cancel: cancel, timeout: r.client.policy.Timeout}
	if a.timeout > 0 {
		a.timer = time.AfterFunc(a.timeout, func() {
			a.timedOut.Store(true)
			cancel()
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.location().String(), nil)
	if err != nil {
		return a, nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for k, vs := range r.client.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range r.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if rng := r.rangeHeader(); rng != "" {
		req.Header.Set("Range", rng)
	}

	r.client.emit(Event{Kind: EventRequest, RequestID: r.id, URL: r.location().String(), Received: r.received})
	resp, err := r.client.httpClient.Do(req)
	if err != nil {
		return a, nil, err
	}
	a.touch()
	return a, resp, nil
}

// rangeHeader returns the Range header for the next attempt, or "" when the
// whole resource is wanted.
func (r *Response) rangeHeader() string {
	if !r.hasRange && r.received == 0 {
		return ""
	}
	start := r.rangeStart + r.received
	if r.rangeEnd < 0 {
		return "bytes=" + strconv.FormatInt(start, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(r.rangeEnd, 10)
}

// accept records the first successful response and validates resumed ones.
func (r *Response) accept(resp *http.Response) error {
	if !r.connected {
		r.connected = true
		r.StatusCode = resp.StatusCode
		r.Header = resp.Header
		r.expected = resp.ContentLength
		r.acceptRanges = resp.Header.Get("Accept-Ranges") == "bytes"
		if r.hasRange && resp.StatusCode != http.StatusPartialContent {
			// The server ignored the range and sends the whole resource.
			r.hasRange = false
			r.rangeStart, r.rangeEnd = 0, -1
		}
		return nil
	}
	if r.received == 0 || resp.StatusCode == http.StatusPartialContent {
		return nil
	}
	// A resumed request answered with the full resource: skip what was
	// already delivered.
	skip := r.rangeStart + r.received
	if _, err := io.CopyN(io.Discard, resp.Body, skip); err != nil {
		return fmt.Errorf("skip %d bytes of resumed body: %w", skip, err)
	}
	return nil
}

// recoverStream handles a failure while the body was streaming.
func (r *Response) recoverStream(cause error) error {
	r.closeBody()
	r.attempt.stop()
	if r.closed.Load() || r.ctx.Err() != nil {
		return r.canceled()
	}
	if !r.recover(cause, 0, false) {
		if r.ctx.Err() != nil {
			return r.canceled()
		}
		return r.exhausted(cause)
	}
	return r.connect()
}

// recover decides between a retry (nothing received yet) and a reconnect
// (resume from the received offset) and waits for the backoff. It returns
// false when the budget is spent or the fetch was canceled while waiting.
func (r *Response) recover(cause error, delay time.Duration, explicit bool) bool {
	p := r.client.policy
	if r.received == 0 {
		if r.retries >= p.MaxRetries {
			return false
		}
		if !explicit {
			delay = p.Backoff.Delay(r.retries)
		}
		r.retries++
		r.client.emit(Event{Kind: EventRetry, RequestID: r.id, URL: r.location().String(), Attempt: r.retries, Delay: delay, Err: cause})
		return r.sleep(delay)
	}

	if !r.acceptRanges || r.expected < 0 || r.received >= r.expected || r.reconnects >= p.MaxReconnects {
		return false
	}
	if !explicit {
		delay = p.Backoff.Delay(1)
	}
	r.reconnects++
	r.client.emit(Event{Kind: EventReconnect, RequestID: r.id, URL: r.location().String(), Attempt: r.reconnects, Delay: delay, Received: r.received, Err: cause})
	return r.sleep(delay)
}

func (r *Response) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// classify maps an attempt failure caused by the idle watchdog to ErrTimeout.
func (r *Response) classify(a *attempt, err error) error {
	if a.timedOut.Load() {
		return fmt.Errorf("%w (%s) from %s", ErrTimeout, a.timeout, r.location())
	}
	return err
}

func (r *Response) attemptError(err error) error {
	if r.attempt != nil {
		return r.classify(r.attempt, err)
	}
	return err
}

func (r *Response) exhausted(cause error) error {
	if r.ctx.Err() != nil {
		return r.canceled()
	}
	return fmt.Errorf("%w after %d retries and %d reconnects: %w", ErrRetriesExhausted, r.retries, r.reconnects, cause)
}

func (r *Response) canceled() error {
	if cause := context.Cause(r.ctx); cause != nil && !r.closed.Load() {
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	return ErrCanceled
}

func (r *Response) finish() {
	r.err = io.EOF
	r.closeBody()
	if r.attempt != nil {
		r.attempt.stop()
	}
	if r.settled.CompareAndSwap(false, true) {
		r.client.emit(Event{Kind: EventFinish, RequestID: r.id, URL: r.location().String(), Received: r.received})
	}
}

func (r *Response) fail(err error) {
	r.err = err
	r.closeBody()
	if r.attempt != nil {
		r.attempt.stop()
	}
	if errors.Is(err, ErrCanceled) {
		if r.settled.CompareAndSwap(false, true) {
			r.client.emit(Event{Kind: EventAbort, RequestID: r.id, URL: r.location().String(), Received: r.received, Err: err})
		}
		return
	}
	r.settle()
}

func (r *Response) settle() {
	r.settled.Store(true)
}

func (r *Response) currentBody() io.ReadCloser {
	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()
	return r.body
}

func (r *Response) setBody(b io.ReadCloser) {
	r.bodyMu.Lock()
	r.body = b
	r.bodyMu.Unlock()
	if r.closed.Load() {
		b.Close()
	}
}

func (r *Response) closeBody() {
	r.bodyMu.Lock()
	defer r.bodyMu.Unlock()
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
