package stream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/segstream/internal/fetch"
	"github.com/agleyzer/segstream/internal/manifest"
)

// Defaults for Options.
const (
	DefaultHighWaterMark      = 16 << 10
	DefaultChunkReadahead     = 3
	DefaultMinRefreshInterval = time.Second
)

// RequestOptions configures the HTTP side of every manifest and segment fetch.
type RequestOptions struct {
	// Policy is the recovery budget; nil means fetch.DefaultPolicy().
	Policy *fetch.Policy
	// Header is sent with every request.
	Header http.Header
	// Proxy routes requests through an HTTP proxy.
	Proxy *url.URL
	// Timeout fails an attempt that receives no data for this long.
	// It overrides Policy.Timeout when set.
	Timeout time.Duration
	// HTTPClient is the underlying client; its redirect handling is replaced.
	HTTPClient *http.Client
}

// Options configures a Stream.
type Options struct {
	// HighWaterMark is the number of output bytes buffered ahead of the
	// reader. Writing blocks once it is reached, which in turn holds the
	// download slots of the segments waiting to be written.
	HighWaterMark int
	// ChunkReadahead is the number of segments downloaded in parallel.
	ChunkReadahead int
	// LiveBuffer is the tail window kept when starting behind the live edge.
	LiveBuffer time.Duration
	// Begin is where playback starts; see ParseBegin.
	Begin string
	// Request configures fetches.
	Request RequestOptions
	// Parser is the manifest format. Empty selects by URL suffix.
	Parser string
	// ID selects the DASH representation.
	ID string
	// AfterSequence skips every segment at or below this sequence.
	AfterSequence *int64
	// MinRefreshInterval is the lower bound between two manifest refreshes.
	MinRefreshInterval time.Duration
	// Logger receives pipeline logs.
	Logger *slog.Logger
	// OnProgress is called after each segment has been written to the output.
	OnProgress func(Progress)
	// OnEvent receives lifecycle notifications. It may be called from several
	// goroutines and must not block.
	OnEvent func(Event)

	now func() time.Time
}

func (o *Options) withDefaults() error {
	if o.HighWaterMark < 0 {
		return fmt.Errorf("high water mark must not be negative, got %d", o.HighWaterMark)
	}
	if o.HighWaterMark == 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.ChunkReadahead < 0 {
		return fmt.Errorf("chunk readahead must not be negative, got %d", o.ChunkReadahead)
	}
	if o.ChunkReadahead == 0 {
		o.ChunkReadahead = DefaultChunkReadahead
	}
	if o.LiveBuffer < 0 {
		return fmt.Errorf("live buffer must not be negative, got %s", o.LiveBuffer)
	}
	if o.LiveBuffer == 0 {
		o.LiveBuffer = manifest.DefaultLiveBuffer
	}
	if o.MinRefreshInterval < 0 {
		return fmt.Errorf("min refresh interval must not be negative, got %s", o.MinRefreshInterval)
	}
	if o.MinRefreshInterval == 0 {
		o.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return nil
}

func (o *Options) policy() (fetch.Policy, error) {
	p := fetch.DefaultPolicy()
	if o.Request.Policy != nil {
		p = *o.Request.Policy
	}
	if o.Request.Timeout > 0 {
		p.Timeout = o.Request.Timeout
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

var clockRe = regexp.MustCompile(`^(?:(\d+):)?(\d+):(\d+(?:\.\d+)?)$`)

// ParseBegin parses a playback starting point:
//
//   - "" starts at the first listed segment;
//   - "now", an RFC 3339 time or unix milliseconds (12 digits or more) start
//     at an absolute wall-clock time, minus the live buffer;
//   - a Go duration ("1m30s", "500ms"), a clock offset ("1:30", "1:02:03.5")
//     or plain milliseconds start relative to the manifest's first segment.
func ParseBegin(s string, now time.Time) (manifest.Begin, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return manifest.Begin{}, nil
	case strings.EqualFold(s, "now"):
		return manifest.Begin{At: now}, nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return manifest.Begin{At: t}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return manifest.Begin{}, fmt.Errorf("invalid begin %q: negative", s)
		}
		if len(s) >= 12 {
			return manifest.Begin{At: time.UnixMilli(n)}, nil
		}
		return manifest.Begin{Offset: time.Duration(n) * time.Millisecond}, nil
	}
	if m := clockRe.FindStringSubmatch(s); m != nil {
		var d time.Duration
		if m[1] != "" {
			h, _ := strconv.Atoi(m[1])
			d += time.Duration(h) * time.Hour
		}
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.ParseFloat(m[3], 64)
		d += time.Duration(mins)*time.Minute + time.Duration(secs*float64(time.Second))
		return manifest.Begin{Offset: d}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return manifest.Begin{}, fmt.Errorf("invalid begin %q: negative", s)
		}
		return manifest.Begin{Offset: d}, nil
	}
	return manifest.Begin{}, fmt.Errorf("invalid begin %q: expected a time, unix milliseconds or an offset", s)
}
