package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/agleyzer/segstream/internal/fetch"
	"github.com/agleyzer/segstream/internal/parser"
	"github.com/agleyzer/segstream/pkg/segment"
)

// Refresher downloads and parses a manifest, feeding its descriptors through
// a Cursor. Refresh calls must not overlap; Close may be called at any time.
type Refresher struct {
	client *fetch.Client
	parser parser.Parser
	url    string
	cursor *Cursor
	logger *slog.Logger

	mu      sync.Mutex
	current *fetch.Response
	closed  bool
	rounds  int
}

// NewRefresher creates a refresher for manifestURL.
func NewRefresher(client *fetch.Client, p parser.Parser, manifestURL string, cursor *Cursor, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		client: client,
		parser: p,
		url:    manifestURL,
		cursor: cursor,
		logger: logger,
	}
}

// Cursor returns the cursor driven by the refresher.
func (r *Refresher) Cursor() *Cursor {
	return r.cursor
}

// Refresh fetches the manifest once and calls add, in order, for every
// descriptor that is due. The fetcher's own recovery is the only retry.
func (r *Refresher) Refresh(ctx context.Context, add func(segment.Descriptor)) (Round, error) {
	resp, err := r.client.Fetch(ctx, r.url, nil)
	if err != nil {
		return Round{}, fmt.Errorf("failed to fetch manifest: %w", err)
	}
	if !r.track(resp) {
		resp.Close()
		return Round{}, fetch.ErrCanceled
	}
	defer r.untrack(resp)

	base, err := url.Parse(resp.URL())
	if err != nil {
		return Round{}, fmt.Errorf("invalid manifest URL: %w", err)
	}

	r.cursor.StartRound()
	var static bool
	err = r.parser.Parse(resp, base, func(e parser.Event) bool {
		switch e.Kind {
		case parser.EventStartTime:
			r.cursor.StartTime(e.StartTime)
		case parser.EventSegment:
			for _, d := range r.cursor.Offer(e.Segment) {
				add(d)
			}
		case parser.EventEnd:
			static = e.Static
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return Round{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Round{}, fmt.Errorf("%w: %w", fetch.ErrCanceled, err)
	}

	flushed, round := r.cursor.EndRound()
	for _, d := range flushed {
		add(d)
	}
	round.Static = static

	r.mu.Lock()
	r.rounds++
	n := r.rounds
	r.mu.Unlock()

	r.logger.Debug("manifest refreshed",
		"url", r.url,
		"round", n,
		"added", round.Added,
		"flushed", len(flushed),
		"last_sequence", r.cursor.LastSequence(),
		"static", round.Static)
	return round, nil
}

// Close cancels an in-flight manifest fetch and makes future refreshes fail.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.current != nil {
		r.current.Close()
	}
}

func (r *Refresher) track(resp *fetch.Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.current = resp
	return true
}

func (r *Refresher) untrack(resp *fetch.Response) {
	r.mu.Lock()
	if r.current == resp {
		r.current = nil
	}
	r.mu.Unlock()
	resp.Close()
}
