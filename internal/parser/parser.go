// Package parser turns manifest documents (HLS media playlists and DASH MPDs)
// into an ordered stream of segment events.
package parser

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/agleyzer/segstream/pkg/segment"
)

// Supported manifest formats.
const (
	FormatM3U8 = "m3u8"
	FormatDASH = "dash-mpd"
)

var (
	// ErrMasterPlaylist is returned when an HLS master playlist is given where a
	// media playlist is expected. Use the variant package to pick a variant first.
	ErrMasterPlaylist = errors.New("master playlist given, expected media playlist")
	// ErrTargetNotFound is returned when the requested DASH representation is
	// not present in the manifest.
	ErrTargetNotFound = errors.New("representation not found in manifest")
	// ErrUnknownFormat is returned by New for unsupported format names.
	ErrUnknownFormat = errors.New("unknown manifest format")
)

// EventKind identifies a parser event.
type EventKind int

const (
	// EventStartTime carries the wall-clock time of the first segment.
	EventStartTime EventKind = iota
	// EventSegment carries one segment descriptor.
	EventSegment
	// EventEnd terminates the event stream.
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStartTime:
		return "start-time"
	case EventSegment:
		return "segment"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is emitted by a Parser. At most one EventStartTime precedes the
// segments, and exactly one EventEnd closes the stream.
type Event struct {
	Kind      EventKind
	StartTime time.Time
	Segment   segment.Descriptor
	// Static reports, on EventEnd, that the manifest is complete and will not
	// grow on refresh.
	Static bool
}

// Parser decodes one manifest document. Segment URLs are resolved against
// base. Parsing stops early, without error, when emit returns false. A
// parser is used for the refreshes of a single manifest and may keep
// numbering state between documents; it is not safe for concurrent use.
type Parser interface {
	Parse(r io.Reader, base *url.URL, emit func(Event) bool) error
}

// New returns a parser for the given format. id selects the DASH
// representation and is ignored for HLS.
func New(format, id string) (Parser, error) {
	switch format {
	case FormatM3U8:
		return &M3U8Parser{}, nil
	case FormatDASH:
		if id == "" {
			return nil, fmt.Errorf("%s parser requires a representation id", FormatDASH)
		}
		return &DASHParser{ID: id, Now: time.Now}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Detect guesses the manifest format from the URL path.
func Detect(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if strings.EqualFold(path.Ext(p), ".mpd") {
		return FormatDASH
	}
	return FormatM3U8
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid relative URL %q: %w", ref, err)
	}
	if base == nil {
		return rel.String(), nil
	}
	return base.ResolveReference(rel).String(), nil
}
