// Package origin simulates a live HLS origin: a sliding window over an
// endless run of synthetic segments, optionally behind a master playlist.
package origin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Variant is one rendition advertised by the master playlist.
type Variant struct {
	Bandwidth  int
	Resolution string
	Codecs     string
}

// Config describes the simulated stream.
type Config struct {
	// WindowSize is the number of segments in each media playlist.
	WindowSize int
	// SegmentDuration is the EXTINF of every segment and the auto-advance
	// interval.
	SegmentDuration time.Duration
	// Variants are the renditions behind /master.m3u8. Without variants
	// the origin serves a single media playlist at /live.m3u8.
	Variants []Variant
}

// Origin is a live origin whose window moves forward one segment per
// Advance. All variants advance together.
type Origin struct {
	mu       sync.RWMutex
	cfg      Config
	sequence uint64
	ended    bool
	logger   *slog.Logger
}

// New creates an origin at media sequence 0.
func New(cfg Config, logger *slog.Logger) (*Origin, error) {
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("segment duration must be positive")
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = []Variant{{Bandwidth: 1000000}}
	}

	return &Origin{cfg: cfg, logger: logger}, nil
}

// SegmentData returns the body of segment seq of a variant.
func SegmentData(variant int, seq uint64) []byte {
	return []byte(fmt.Sprintf("v%d-seg%d|", variant, seq))
}

// GenerateMaster creates the master playlist.
func (o *Origin) GenerateMaster() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	for i, v := range o.cfg.Variants {
		b.WriteString("#EXT-X-STREAM-INF:")
		b.WriteString(fmt.Sprintf("BANDWIDTH=%d", v.Bandwidth))
		if v.Resolution != "" {
			b.WriteString(fmt.Sprintf(",RESOLUTION=%s", v.Resolution))
		}
		if v.Codecs != "" {
			b.WriteString(fmt.Sprintf(",CODECS=\"%s\"", v.Codecs))
		}
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("variant%d/playlist.m3u8\n", i))
	}

	return b.String()
}

// GenerateVariant creates the media playlist of a variant for the current
// window. Segment URIs are relative to the playlist.
func (o *Origin) GenerateVariant(variantIndex int) (string, error) {
	if variantIndex < 0 || variantIndex >= len(o.cfg.Variants) {
		return "", fmt.Errorf("variant index %d out of range (0-%d)", variantIndex, len(o.cfg.Variants)-1)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", o.targetDuration()))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", o.sequence))

	for i := 0; i < o.cfg.WindowSize; i++ {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", o.cfg.SegmentDuration.Seconds()))
		b.WriteString(fmt.Sprintf("seg%d.ts\n", o.sequence+uint64(i)))
	}

	if o.ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String(), nil
}

func (o *Origin) targetDuration() int {
	d := int((o.cfg.SegmentDuration + time.Second - 1) / time.Second)
	return max(d, 1)
}

// Advance moves the window forward by one segment. It does nothing once
// the stream ended.
func (o *Origin) Advance() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ended {
		return
	}
	o.sequence++

	o.logger.Debug("advanced window", "sequence", o.sequence)
}

// End freezes the window and marks the playlists with EXT-X-ENDLIST.
func (o *Origin) End() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.ended = true
	o.logger.Info("stream ended", "sequence", o.sequence)
}

// Sequence returns the media sequence of the first segment in the window.
func (o *Origin) Sequence() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sequence
}

// LastSequence returns the media sequence of the last published segment.
func (o *Origin) LastSequence() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sequence + uint64(o.cfg.WindowSize) - 1
}

// StartAutoAdvance advances the window every segment duration until ctx is
// done.
func (o *Origin) StartAutoAdvance(ctx context.Context) {
	interval := o.cfg.SegmentDuration

	o.logger.Info("starting auto-advance",
		"interval", interval,
		"windowSize", o.cfg.WindowSize,
		"variants", len(o.cfg.Variants),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stopping auto-advance")
			return
		case <-ticker.C:
			o.Advance()
		}
	}
}

// ServeHTTP serves /master.m3u8, /variant<i>/playlist.m3u8 and
// /variant<i>/seg<n>.ts. /live.m3u8 and /seg<n>.ts are variant 0.
// Segments that were not published yet are 404.
func (o *Origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		v   int
		seq uint64
	)

	path := r.URL.Path
	switch {
	case path == "/master.m3u8":
		o.writePlaylist(w, o.GenerateMaster())
		return
	case path == "/live.m3u8":
	case scan(path, "/variant%d/playlist.m3u8", &v):
	case scan(path, "/seg%d.ts", &seq), scan(path, "/variant%d/seg%d.ts", &v, &seq):
		o.serveSegment(w, v, seq)
		return
	default:
		http.NotFound(w, r)
		return
	}

	body, err := o.GenerateVariant(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	o.writePlaylist(w, body)
}

func (o *Origin) serveSegment(w http.ResponseWriter, v int, seq uint64) {
	if v < 0 || v >= len(o.cfg.Variants) || seq > o.LastSequence() {
		http.Error(w, "segment not found", http.StatusNotFound)
		return
	}

	data := SegmentData(v, seq)
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Write(data)
}

func (o *Origin) writePlaylist(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write([]byte(body))
}

// scan matches path against format exactly.
func scan(path, format string, args ...any) bool {
	n, err := fmt.Sscanf(path, format, args...)
	if err != nil || n != len(args) {
		return false
	}
	return fmt.Sprintf(format, deref(args)...) == path
}

func deref(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch p := a.(type) {
		case *int:
			out[i] = *p
		case *uint64:
			out[i] = *p
		}
	}
	return out
}
