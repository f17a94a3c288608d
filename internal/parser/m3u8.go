package parser

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/agleyzer/segstream/pkg/segment"
	"github.com/grafov/m3u8"
)

// M3U8Parser parses HLS media playlists.
type M3U8Parser struct{}

// Parse decodes an HLS media playlist and emits its segments. An EXT-X-MAP
// init segment is emitted once, before the first media segment.
func (p *M3U8Parser) Parse(r io.Reader, base *url.URL, emit func(Event) bool) error {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType == m3u8.MASTER {
		return ErrMasterPlaylist
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return fmt.Errorf("unexpected playlist type %T", playlist)
	}

	var segments []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		segments = append(segments, seg)
	}

	if len(segments) > 0 && !segments[0].ProgramDateTime.IsZero() {
		if !emit(Event{Kind: EventStartTime, StartTime: segments[0].ProgramDateTime}) {
			return nil
		}
	}

	initMap := media.Map
	if initMap == nil && len(segments) > 0 {
		initMap = segments[0].Map
	}
	if initMap != nil && initMap.URI != "" {
		initURL, err := resolveURL(base, initMap.URI)
		if err != nil {
			return fmt.Errorf("failed to resolve init segment URL: %w", err)
		}
		init := segment.Descriptor{
			URL:      initURL,
			Sequence: int64(media.SeqNo),
			Init:     true,
			Range:    byteRange(initMap.Offset, initMap.Limit),
		}
		if !emit(Event{Kind: EventSegment, Segment: init}) {
			return nil
		}
	}

	// EXT-X-BYTERANGE without an offset continues where the previous
	// sub-range of the same resource ended.
	var prevURI string
	var prevEnd int64 = -1
	for i, seg := range segments {
		segURL, err := resolveURL(base, seg.URI)
		if err != nil {
			return fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		offset := seg.Offset
		if seg.Limit > 0 && offset == 0 && seg.URI == prevURI && prevEnd >= 0 {
			offset = prevEnd + 1
		}
		rng := byteRange(offset, seg.Limit)
		if rng != nil {
			prevURI, prevEnd = seg.URI, rng.End
		} else {
			prevURI, prevEnd = "", -1
		}

		d := segment.Descriptor{
			URL:      segURL,
			Sequence: int64(media.SeqNo) + int64(i),
			Duration: time.Duration(seg.Duration * float64(time.Second)),
			Range:    rng,
		}
		if !emit(Event{Kind: EventSegment, Segment: d}) {
			return nil
		}
	}

	emit(Event{Kind: EventEnd, Static: media.Closed || media.MediaType == m3u8.VOD})
	return nil
}

func byteRange(offset, limit int64) *segment.ByteRange {
	if limit <= 0 {
		return nil
	}
	return &segment.ByteRange{Start: offset, End: offset + limit - 1}
}
