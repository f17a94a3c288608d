// Package segment defines data structures for media segments listed in a manifest.
package segment

import (
	"fmt"
	"time"
)

// Descriptor describes one independently fetchable segment of a stream.
// Descriptors are produced by a manifest parser and never modified afterwards.
type Descriptor struct {
	// URL is the absolute segment URL, resolved against the manifest location
	URL string

	// Sequence is the segment's media sequence number
	Sequence int64

	// Duration is the nominal segment duration, zero when unknown
	Duration time.Duration

	// Init marks an initialization segment (EXT-X-MAP, DASH Initialization).
	// Init segments are not subject to sequence deduplication.
	Init bool

	// Range restricts the request to part of the resource, nil for the whole resource
	Range *ByteRange
}

// ByteRange is an inclusive byte range. End < 0 means "to the end of the resource".
type ByteRange struct {
	Start int64
	End   int64
}

// Header returns the value for an HTTP Range request header.
func (r ByteRange) Header() string {
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Len returns the number of bytes covered by the range, or -1 if it is open-ended.
func (r ByteRange) Len() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start + 1
}

// String returns a short human readable form used in logs.
func (d Descriptor) String() string {
	if d.Init {
		return "init:" + d.URL
	}
	return fmt.Sprintf("%d:%s", d.Sequence, d.URL)
}

// Key identifies the bytes a descriptor refers to: its URL plus range.
func (d Descriptor) Key() string {
	if d.Range == nil {
		return d.URL
	}
	return d.URL + " " + d.Range.Header()
}
