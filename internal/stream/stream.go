// Package stream downloads a segmented media stream described by an HLS or
// DASH manifest and exposes it as one ordered byte stream.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/agleyzer/segstream/internal/fetch"
	"github.com/agleyzer/segstream/internal/manifest"
	"github.com/agleyzer/segstream/internal/parser"
	"github.com/agleyzer/segstream/internal/queue"
	"github.com/agleyzer/segstream/pkg/segment"
)

// ErrClosed is returned by Read after the stream was closed or its context
// canceled.
var ErrClosed = errors.New("stream closed")

// job carries one segment from its download worker to the writer.
type job struct {
	desc  segment.Descriptor
	index int

	// ready is closed once body or err is set.
	ready chan struct{}
	body  []byte
	err   error

	// written is closed once the writer is finished with body.
	written chan struct{}
}

type loopEventKind int

const (
	refreshed loopEventKind = iota
	downloaded
	written
)

type loopEvent struct {
	kind  loopEventKind
	round manifest.Round
	err   error
}

// Stream is an io.ReadCloser over the concatenated segments of a manifest,
// in sequence order.
type Stream struct {
	id     uuid.UUID
	url    string
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	client    *fetch.Client
	refresher *manifest.Refresher
	downloads *queue.Queue[*job, struct{}]
	writes    *queue.Queue[*job, struct{}]
	inflight  *xsync.MapOf[uuid.UUID, *fetch.Response]

	out *pipe

	events chan loopEvent
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	stats Stats
}

// Open starts downloading the stream described by manifestURL. The returned
// Stream must be closed.
func Open(ctx context.Context, manifestURL string, opts Options) (*Stream, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	begin, err := ParseBegin(opts.Begin, opts.now())
	if err != nil {
		return nil, err
	}

	format := opts.Parser
	if format == "" {
		format = parser.Detect(manifestURL)
	}
	p, err := parser.New(format, opts.ID)
	if err != nil {
		return nil, err
	}

	policy, err := opts.policy()
	if err != nil {
		return nil, fmt.Errorf("invalid request options: %w", err)
	}

	s := &Stream{
		id:       uuid.New(),
		url:      manifestURL,
		opts:     opts,
		inflight: xsync.NewMapOf[uuid.UUID, *fetch.Response](),
		events:   make(chan loopEvent, 16),
		done:     make(chan struct{}),
	}
	s.logger = opts.Logger.With("stream", s.id.String())

	clientOpts := []fetch.Option{
		fetch.WithLogger(s.logger),
		fetch.WithObserver(s.onFetchEvent),
		fetch.WithHeader(opts.Request.Header),
	}
	if opts.Request.HTTPClient != nil {
		clientOpts = append(clientOpts, fetch.WithHTTPClient(opts.Request.HTTPClient))
	}
	if opts.Request.Proxy != nil {
		clientOpts = append(clientOpts, fetch.WithProxy(opts.Request.Proxy))
	}
	s.client, err = fetch.NewClient(policy, clientOpts...)
	if err != nil {
		return nil, err
	}

	after := int64(-1)
	if opts.AfterSequence != nil {
		after = *opts.AfterSequence
	}
	cursor := manifest.NewCursor(begin, opts.LiveBuffer, after)
	s.refresher = manifest.NewRefresher(s.client, p, manifestURL, cursor, s.logger)

	s.downloads = queue.New(s.download, opts.ChunkReadahead)
	s.writes = queue.New(s.write, 1)

	s.out = newPipe(opts.HighWaterMark)

	s.stats = Stats{
		ID:           s.id.String(),
		URL:          manifestURL,
		StartedAt:    opts.now(),
		LastSequence: after,
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("opening stream",
		"url", manifestURL,
		"parser", format,
		"readahead", opts.ChunkReadahead,
		"live_buffer", opts.LiveBuffer,
		"begin", opts.Begin)

	go s.run()
	return s, nil
}

// ID returns the session id of the stream.
func (s *Stream) ID() string {
	return s.id.String()
}

// Read reads the ordered segment bytes. After a fatal error Read returns that
// error once the bytes written before it have been consumed.
func (s *Stream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

// Close cancels all outstanding work. Buffered segments are discarded.
func (s *Stream) Close() error {
	s.shutdown(ErrClosed)
	s.out.CloseRead(ErrClosed)
	return nil
}

// Done is closed when the pipeline stopped, cleanly or not.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// run owns all scheduling state: refresh flags, threshold and timer.
func (s *Stream) run() {
	defer close(s.done)

	var (
		refreshing  bool
		static      bool
		threshold   = 1
		minInterval time.Duration
		lastRefresh time.Time
		timer       *time.Timer
		timerC      <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	startRefresh := func() {
		refreshing = true
		lastRefresh = time.Now()
		go func() {
			round, err := s.refresher.Refresh(s.ctx, s.schedule)
			s.send(loopEvent{kind: refreshed, round: round, err: err})
		}()
	}
	startRefresh()

	for {
		select {
		case <-s.ctx.Done():
			err := ErrClosed
			if cause := context.Cause(s.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				err = fmt.Errorf("%w: %w", ErrClosed, cause)
			}
			s.shutdown(err)
			return

		case <-timerC:
			timer, timerC = nil, nil
			startRefresh()
			continue

		case ev := <-s.events:
			if ev.err != nil {
				if s.ctx.Err() != nil {
					continue
				}
				s.fail(ev.err)
				return
			}
			if ev.kind == refreshed {
				refreshing = false
				static = ev.round.Static
				threshold = ev.round.Threshold
				minInterval = ev.round.MinInterval
				round := ev.round
				s.mu.Lock()
				s.stats.Refreshes++
				s.stats.Static = static
				s.mu.Unlock()
				s.emit(Event{Kind: EventRefresh, Round: &round})
			}
		}

		if refreshing || timer != nil {
			continue
		}
		if static {
			if s.downloads.Total() == 0 && s.writes.Total() == 0 {
				s.finish()
				return
			}
			continue
		}
		if s.downloads.Total() <= threshold {
			wait := minInterval
			if wait < s.opts.MinRefreshInterval {
				wait = s.opts.MinRefreshInterval
			}
			wait -= time.Since(lastRefresh)
			if wait <= 0 {
				startRefresh()
			} else {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
		}
	}
}

// schedule is called by the refresher, in sequence order, for every
// descriptor that is due.
func (s *Stream) schedule(d segment.Descriptor) {
	s.mu.Lock()
	j := &job{
		desc:    d,
		index:   s.stats.TotalSegments,
		ready:   make(chan struct{}),
		written: make(chan struct{}),
	}
	s.stats.TotalSegments++
	s.mu.Unlock()

	s.logger.Debug("segment scheduled", "sequence", d.Sequence, "init", d.Init, "url", d.URL)
	s.downloads.Push(j, func(_ struct{}, err error) {
		s.send(loopEvent{kind: downloaded, err: err})
	})
	s.writes.Push(j, func(_ struct{}, err error) {
		s.send(loopEvent{kind: written, err: err})
	})
}

// download fetches one segment and holds its worker slot until the segment
// was written, so at most ChunkReadahead segments are buffered.
func (s *Stream) download(j *job, done func(struct{}, error)) {
	j.body, j.err = s.fetchSegment(j.desc)
	close(j.ready)
	if j.err != nil {
		// The writer reports it once every earlier segment is out.
		done(struct{}{}, nil)
		return
	}

	select {
	case <-j.written:
	case <-s.ctx.Done():
	}
	done(struct{}{}, nil)
}

func (s *Stream) fetchSegment(d segment.Descriptor) ([]byte, error) {
	var header http.Header
	if d.Range != nil {
		header = http.Header{"Range": {d.Range.Header()}}
	}

	resp, err := s.client.Fetch(s.ctx, d.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch segment %s: %w", d, err)
	}
	s.inflight.Store(resp.ID(), resp)
	defer func() {
		s.inflight.Delete(resp.ID())
		resp.Close()
	}()

	var buf bytes.Buffer
	if n := resp.ContentLength(); n > 0 {
		buf.Grow(int(n))
	}
	if _, err := io.Copy(&buf, resp); err != nil {
		return nil, fmt.Errorf("failed to read segment %s: %w", d, err)
	}
	return buf.Bytes(), nil
}

// write copies segments into the output one at a time, in push order.
func (s *Stream) write(j *job, done func(struct{}, error)) {
	defer close(j.written)

	select {
	case <-j.ready:
	case <-s.ctx.Done():
		done(struct{}{}, nil)
		return
	}
	if j.err != nil {
		done(struct{}{}, j.err)
		return
	}

	// Blocks while HighWaterMark bytes are waiting for the reader.
	if _, err := s.out.Write(j.body); err != nil {
		done(struct{}{}, fmt.Errorf("failed to write segment %s: %w", j.desc, err))
		return
	}

	size := int64(len(j.body))
	j.body = nil

	s.mu.Lock()
	s.stats.Segments++
	s.stats.Bytes += size
	if !j.desc.Init {
		s.stats.LastSequence = j.desc.Sequence
	}
	p := Progress{
		Index:         j.index,
		Sequence:      j.desc.Sequence,
		Init:          j.desc.Init,
		Size:          size,
		Duration:      j.desc.Duration,
		URL:           j.desc.URL,
		TotalSegments: s.stats.TotalSegments,
		TotalBytes:    s.stats.Bytes,
	}
	s.mu.Unlock()

	s.logger.Debug("segment written",
		"index", p.Index,
		"sequence", p.Sequence,
		"size", p.Size,
		"total_bytes", p.TotalBytes)
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(p)
	}
	s.emit(Event{Kind: EventProgress, Progress: &p})
	done(struct{}{}, nil)
}

func (s *Stream) send(ev loopEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.stats.Done = true
	st := s.stats
	s.mu.Unlock()

	s.logger.Info("stream complete", "segments", st.Segments, "bytes", st.Bytes)
	s.emit(Event{Kind: EventEnd})
	s.shutdown(nil)
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.stats.Done = true
	s.stats.Err = err.Error()
	s.mu.Unlock()

	s.logger.Error("stream failed", "error", err)
	s.emit(Event{Kind: EventError, Err: err})
	s.shutdown(err)
}

// shutdown tears the pipeline down once. A nil err ends the output cleanly.
func (s *Stream) shutdown(err error) {
	s.once.Do(func() {
		s.cancel()
		s.downloads.Die()
		s.writes.Die()
		s.refresher.Close()
		s.inflight.Range(func(_ uuid.UUID, resp *fetch.Response) bool {
			resp.Close()
			return true
		})
		s.out.CloseWithError(err)
	})
}

func (s *Stream) emit(e Event) {
	if s.opts.OnEvent == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.opts.OnEvent(e)
}

func (s *Stream) onFetchEvent(fe fetch.Event) {
	kind, ok := fetchKind(fe.Kind)
	if !ok {
		return
	}
	s.emit(Event{Kind: kind, Fetch: &fe})
}
