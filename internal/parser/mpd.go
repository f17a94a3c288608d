package parser

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MPD is the root element of a Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	AvailabilityStartTime     string   `xml:"availabilityStartTime,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	TimeShiftBufferDepth      string   `xml:"timeShiftBufferDepth,attr"`
	BaseURL                   string   `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// Static reports whether the presentation will not change on refresh.
func (m *MPD) Static() bool {
	return m.Type != "dynamic"
}

// Period represents a media content period.
type Period struct {
	ID       string          `xml:"id,attr"`
	Start    string          `xml:"start,attr"`
	Duration string          `xml:"duration,attr"`
	BaseURL  string          `xml:"BaseURL"`
	Sets     []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet represents a set of interchangeable representations.
type AdaptationSet struct {
	ID              string           `xml:"id,attr"`
	ContentType     string           `xml:"contentType,attr"`
	MimeType        string           `xml:"mimeType,attr"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *SegmentList     `xml:"SegmentList"`
	Representations []Representation `xml:"Representation"`
}

// Representation represents a specific media stream.
type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       int              `xml:"bandwidth,attr"`
	Codecs          string           `xml:"codecs,attr"`
	BaseURL         string           `xml:"BaseURL"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	SegmentList     *SegmentList     `xml:"SegmentList"`
}

// SegmentTemplate defines the URL structure for segments.
type SegmentTemplate struct {
	Timescale              uint64           `xml:"timescale,attr"`
	Duration               uint64           `xml:"duration,attr"`
	StartNumber            *uint64          `xml:"startNumber,attr"`
	PresentationTimeOffset uint64           `xml:"presentationTimeOffset,attr"`
	Initialization         string           `xml:"initialization,attr"`
	Media                  string           `xml:"media,attr"`
	Timeline               *SegmentTimeline `xml:"SegmentTimeline"`
}

// SegmentTimeline defines the timeline of segments.
type SegmentTimeline struct {
	Segments []S `xml:"S"`
}

// S represents a single segment or a run of equal-duration segments.
type S struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

// SegmentList enumerates segment URLs explicitly.
type SegmentList struct {
	Timescale      uint64          `xml:"timescale,attr"`
	Duration       uint64          `xml:"duration,attr"`
	StartNumber    *uint64         `xml:"startNumber,attr"`
	Initialization *Initialization `xml:"Initialization"`
	SegmentURLs    []SegmentURL    `xml:"SegmentURL"`
}

// Initialization locates an init segment in a SegmentList.
type Initialization struct {
	SourceURL string `xml:"sourceURL,attr"`
	Range     string `xml:"range,attr"`
}

// SegmentURL is one entry of a SegmentList.
type SegmentURL struct {
	Media      string `xml:"media,attr"`
	MediaRange string `xml:"mediaRange,attr"`
}

var isoDurationRe = regexp.MustCompile(`^P(?:(\d+(?:\.\d+)?)D)?(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// parseDuration parses an ISO 8601 duration such as "PT8S" or "P1DT2H".
// Years and months are not accepted since their length is ambiguous.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid ISO 8601 duration %q", s)
	}

	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ISO 8601 duration %q: %w", s, err)
		}
		total += time.Duration(v * float64(unit))
	}
	return total, nil
}

var templateRe = regexp.MustCompile(`\$(RepresentationID|Number|Time|Bandwidth)?(%0(\d+)d)?\$`)

// expandTemplate substitutes DASH template identifiers. "$$" is an escaped
// dollar sign.
func expandTemplate(tmpl string, rep *Representation, number, t uint64) string {
	return templateRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := templateRe.FindStringSubmatch(match)
		var v string
		switch sub[1] {
		case "":
			return "$"
		case "RepresentationID":
			return rep.ID
		case "Number":
			v = strconv.FormatUint(number, 10)
		case "Time":
			v = strconv.FormatUint(t, 10)
		case "Bandwidth":
			v = strconv.Itoa(rep.Bandwidth)
		}
		if sub[3] != "" {
			width, _ := strconv.Atoi(sub[3])
			for len(v) < width {
				v = "0" + v
			}
		}
		return v
	})
}

// parseByteRange parses the "a-b" form used by mediaRange and range attributes.
func parseByteRange(s string) (start, end int64, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid byte range %q", s)
	}
	start, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid byte range %q: %w", s, err)
	}
	if b == "" {
		return start, -1, nil
	}
	end, err = strconv.ParseInt(b, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("invalid byte range %q", s)
	}
	return start, end, nil
}
