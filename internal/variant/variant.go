// Package variant picks one media playlist out of an HLS master playlist.
package variant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/segstream/internal/fetch"
)

// ErrNoVariants is returned for a master playlist without any variant.
var ErrNoVariants = errors.New("master playlist contains no variants")

// Variant represents a single variant stream in an HLS master playlist.
type Variant struct {
	// Index is the position of the variant in the master playlist.
	Index int

	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080").
	// Empty string if not specified in master playlist
	Resolution string

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	Codecs string

	// PlaylistURL is the absolute URL of the variant's media playlist
	PlaylistURL string
}

// Parse decodes a playlist. For a master playlist it returns its variants
// with absolute URLs; for a media playlist it returns master == false.
func Parse(r io.Reader, base *url.URL) (variants []Variant, master bool, err error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, false, nil
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, false, fmt.Errorf("unexpected playlist type %T", playlist)
	}

	for i, v := range masterPlaylist.Variants {
		if v == nil {
			continue
		}
		rel, err := url.Parse(strings.TrimSpace(v.URI))
		if err != nil {
			return nil, true, fmt.Errorf("failed to resolve variant %d URL: %w", i, err)
		}
		variants = append(variants, Variant{
			Index:       i,
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
			PlaylistURL: base.ResolveReference(rel).String(),
		})
	}
	if len(variants) == 0 {
		return nil, true, ErrNoVariants
	}
	return variants, true, nil
}

// Select returns the variant at index, or the highest bandwidth one when
// index is negative.
func Select(variants []Variant, index int) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}
	if index >= 0 {
		for _, v := range variants {
			if v.Index == index {
				return v, nil
			}
		}
		return Variant{}, fmt.Errorf("variant %d not found, playlist has %d variants", index, len(variants))
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	return best, nil
}

// Resolve fetches manifestURL and, if it is a master playlist, returns the
// media playlist URL of the selected variant. A media playlist URL is
// returned unchanged with a nil Variant.
func Resolve(ctx context.Context, client *fetch.Client, manifestURL string, index int) (string, *Variant, error) {
	resp, err := client.Fetch(ctx, manifestURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Close()

	base, err := url.Parse(resp.URL())
	if err != nil {
		return "", nil, fmt.Errorf("invalid playlist URL: %w", err)
	}

	variants, master, err := Parse(resp, base)
	if err != nil {
		return "", nil, err
	}
	if !master {
		return manifestURL, nil, nil
	}

	v, err := Select(variants, index)
	if err != nil {
		return "", nil, err
	}
	return v.PlaylistURL, &v, nil
}
