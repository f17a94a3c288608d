package parser

import (
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/agleyzer/segstream/pkg/segment"
)

// defaultTimeShiftBuffer bounds the number of segments listed for dynamic
// templates without a timeline when the MPD carries no timeShiftBufferDepth.
const defaultTimeShiftBuffer = 30 * time.Second

// DASHParser parses DASH MPDs, emitting the segments of one representation.
type DASHParser struct {
	// ID selects the representation.
	ID string
	// Now is the wall clock used for dynamic templates without a timeline.
	Now func() time.Time

	// deltas holds the sequence shift of every period seen so far, keyed by
	// periodKey, so a period keeps its numbering when earlier periods drop
	// out of a live MPD. highest is the largest sequence ever emitted.
	deltas  map[string]int64
	highest int64
}

// dashSegment is a media segment before sequence numbering.
type dashSegment struct {
	url      string
	number   uint64
	duration time.Duration
	rng      *segment.ByteRange
}

// representationSegments is the expanded segment list of one representation
// within one period.
type representationSegments struct {
	init     *segment.Descriptor
	segments []dashSegment
	// offset is the presentation time of the first segment relative to the
	// period start.
	offset time.Duration
}

// Parse decodes the MPD and emits the segments of the selected representation
// across all periods.
func (p *DASHParser) Parse(r io.Reader, base *url.URL, emit func(Event) bool) error {
	var mpd MPD
	if err := xml.NewDecoder(r).Decode(&mpd); err != nil {
		return fmt.Errorf("failed to parse MPD: %w", err)
	}

	var availabilityStart time.Time
	if mpd.AvailabilityStartTime != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(mpd.AvailabilityStartTime))
		if err != nil {
			return fmt.Errorf("invalid availabilityStartTime %q: %w", mpd.AvailabilityStartTime, err)
		}
		availabilityStart = t
	}
	presentation, err := parseDuration(mpd.MediaPresentationDuration)
	if err != nil {
		return err
	}
	depth, err := parseDuration(mpd.TimeShiftBufferDepth)
	if err != nil {
		return err
	}
	if depth <= 0 {
		depth = defaultTimeShiftBuffer
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	mpdBase, err := resolveBase(base, mpd.BaseURL)
	if err != nil {
		return err
	}

	if p.deltas == nil {
		p.deltas = make(map[string]int64)
		p.highest = -1
	}

	found := false
	startSent := false
	lastInit := ""
	var nextPeriodStart time.Duration

	for i := range mpd.Periods {
		period := &mpd.Periods[i]
		start := nextPeriodStart
		if period.Start != "" {
			if start, err = parseDuration(period.Start); err != nil {
				return err
			}
		}
		length, err := parseDuration(period.Duration)
		if err != nil {
			return err
		}
		if length == 0 && presentation > start && i == len(mpd.Periods)-1 {
			length = presentation - start
		}
		nextPeriodStart = start + length

		periodBase, err := resolveBase(mpdBase, period.BaseURL)
		if err != nil {
			return err
		}

		for j := range period.Sets {
			set := &period.Sets[j]
			for k := range set.Representations {
				rep := &set.Representations[k]
				if rep.ID != p.ID {
					continue
				}
				found = true

				setBase, err := resolveBase(periodBase, set.BaseURL)
				if err != nil {
					return err
				}
				repBase, err := resolveBase(setBase, rep.BaseURL)
				if err != nil {
					return err
				}

				w := window{
					static:            mpd.Static(),
					availabilityStart: availabilityStart,
					periodStart:       start,
					periodLength:      length,
					depth:             depth,
					now:               now(),
				}
				rs, err := expandRepresentation(rep, set, repBase, w)
				if err != nil {
					return err
				}
				if len(rs.segments) == 0 && rs.init == nil {
					continue
				}

				if !startSent && !availabilityStart.IsZero() && len(rs.segments) > 0 {
					startSent = true
					hint := availabilityStart.Add(start + rs.offset)
					if !emit(Event{Kind: EventStartTime, StartTime: hint}) {
						return nil
					}
				}

				key := periodKey(period, start)
				delta, known := p.deltas[key]
				if !known && len(rs.segments) > 0 {
					if first := int64(rs.segments[0].number); first <= p.highest {
						delta = p.highest + 1 - first
					}
					p.deltas[key] = delta
				}

				if rs.init != nil && rs.init.Key() != lastInit {
					lastInit = rs.init.Key()
					init := *rs.init
					if len(rs.segments) > 0 {
						init.Sequence = int64(rs.segments[0].number) + delta
					}
					if !emit(Event{Kind: EventSegment, Segment: init}) {
						return nil
					}
				}

				for _, s := range rs.segments {
					seq := int64(s.number) + delta
					if seq > p.highest {
						p.highest = seq
					}
					d := segment.Descriptor{
						URL:      s.url,
						Sequence: seq,
						Duration: s.duration,
						Range:    s.rng,
					}
					if !emit(Event{Kind: EventSegment, Segment: d}) {
						return nil
					}
				}
			}
		}
	}

	if !found {
		return fmt.Errorf("%w: %q", ErrTargetNotFound, p.ID)
	}
	emit(Event{Kind: EventEnd, Static: mpd.Static()})
	return nil
}

// periodKey identifies a period across refreshes of the same MPD.
func periodKey(period *Period, start time.Duration) string {
	if period.ID != "" {
		return "id:" + period.ID
	}
	return "start:" + start.String()
}

// window carries the timing context needed to expand templates.
type window struct {
	static            bool
	availabilityStart time.Time
	periodStart       time.Duration
	periodLength      time.Duration
	depth             time.Duration
	now               time.Time
}

func expandRepresentation(rep *Representation, set *AdaptationSet, base *url.URL, w window) (*representationSegments, error) {
	if tmpl := mergeTemplate(set.SegmentTemplate, rep.SegmentTemplate); tmpl != nil {
		return expandTemplateSegments(tmpl, rep, base, w)
	}
	list := rep.SegmentList
	if list == nil {
		list = set.SegmentList
	}
	if list != nil {
		return expandList(list, base)
	}
	// A single-segment representation addressed by its BaseURL.
	return &representationSegments{
		segments: []dashSegment{{url: base.String(), number: 1, duration: w.periodLength}},
	}, nil
}

// mergeTemplate overlays the representation-level template on the
// adaptation-set one.
func mergeTemplate(set, rep *SegmentTemplate) *SegmentTemplate {
	if set == nil && rep == nil {
		return nil
	}
	var out SegmentTemplate
	if set != nil {
		out = *set
	}
	if rep == nil {
		return &out
	}
	if rep.Timescale != 0 {
		out.Timescale = rep.Timescale
	}
	if rep.Duration != 0 {
		out.Duration = rep.Duration
	}
	if rep.StartNumber != nil {
		out.StartNumber = rep.StartNumber
	}
	if rep.PresentationTimeOffset != 0 {
		out.PresentationTimeOffset = rep.PresentationTimeOffset
	}
	if rep.Initialization != "" {
		out.Initialization = rep.Initialization
	}
	if rep.Media != "" {
		out.Media = rep.Media
	}
	if rep.Timeline != nil {
		out.Timeline = rep.Timeline
	}
	return &out
}

func expandTemplateSegments(tmpl *SegmentTemplate, rep *Representation, base *url.URL, w window) (*representationSegments, error) {
	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}
	startNumber := uint64(1)
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}
	toDuration := func(units uint64) time.Duration {
		return time.Duration(float64(units) / float64(timescale) * float64(time.Second))
	}

	rs := &representationSegments{}
	if tmpl.Initialization != "" {
		u, err := resolveURL(base, expandTemplate(tmpl.Initialization, rep, startNumber, 0))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve init segment URL: %w", err)
		}
		rs.init = &segment.Descriptor{URL: u, Sequence: int64(startNumber), Init: true}
	}

	// Time-addressed live timelines drop old entries without bumping
	// startNumber, so the media time is the stable sequence key.
	byTime := strings.Contains(tmpl.Media, "$Time") && !strings.Contains(tmpl.Media, "$Number")
	add := func(number, t, d uint64) error {
		u, err := resolveURL(base, expandTemplate(tmpl.Media, rep, number, t))
		if err != nil {
			return fmt.Errorf("failed to resolve segment URL: %w", err)
		}
		seq := number
		if byTime {
			seq = t
		}
		rs.segments = append(rs.segments, dashSegment{url: u, number: seq, duration: toDuration(d)})
		return nil
	}

	switch {
	case tmpl.Timeline != nil:
		var t uint64
		number := startNumber
		entries := tmpl.Timeline.Segments
		for i, s := range entries {
			if s.T != nil {
				t = *s.T
			}
			if s.D == 0 {
				return nil, fmt.Errorf("segment timeline entry %d has zero duration", i)
			}
			repeat := s.R
			if repeat < 0 {
				repeat = openRepeat(entries, i, t, s.D, tmpl, timescale, w)
			}
			if i == 0 || len(rs.segments) == 0 {
				rs.offset = toDuration(sub(t, tmpl.PresentationTimeOffset))
			}
			for k := 0; k <= repeat; k++ {
				if err := add(number, t, s.D); err != nil {
					return nil, err
				}
				t += s.D
				number++
			}
		}

	case tmpl.Duration > 0:
		segDur := toDuration(tmpl.Duration)
		if segDur <= 0 {
			return rs, nil
		}
		var first, count uint64
		if w.static || w.availabilityStart.IsZero() {
			if w.periodLength <= 0 {
				return nil, fmt.Errorf("representation %q: template duration without period length", rep.ID)
			}
			count = uint64(math.Ceil(float64(w.periodLength) / float64(segDur)))
		} else {
			elapsed := w.now.Sub(w.availabilityStart) - w.periodStart
			if elapsed < segDur {
				return rs, nil
			}
			available := uint64(elapsed / segDur)
			keep := uint64(math.Ceil(float64(w.depth) / float64(segDur)))
			if keep == 0 {
				keep = 1
			}
			if available > keep {
				first = available - keep
			}
			count = available - first
		}
		rs.offset = time.Duration(first) * segDur
		for i := first; i < first+count; i++ {
			t := tmpl.PresentationTimeOffset + i*tmpl.Duration
			if err := add(startNumber+i, t, tmpl.Duration); err != nil {
				return nil, err
			}
		}
	}

	return rs, nil
}

// openRepeat resolves r="-1": the run lasts until the next entry's start, the
// period end, or the live edge.
func openRepeat(entries []S, i int, t, d uint64, tmpl *SegmentTemplate, timescale uint64, w window) int {
	var end uint64
	switch {
	case i+1 < len(entries) && entries[i+1].T != nil:
		end = *entries[i+1].T
	case w.periodLength > 0:
		end = tmpl.PresentationTimeOffset + uint64(w.periodLength.Seconds()*float64(timescale))
	case !w.availabilityStart.IsZero():
		elapsed := w.now.Sub(w.availabilityStart) - w.periodStart
		if elapsed <= 0 {
			return 0
		}
		end = tmpl.PresentationTimeOffset + uint64(elapsed.Seconds()*float64(timescale))
	default:
		return 0
	}
	if end <= t {
		return 0
	}
	return int(math.Ceil(float64(end-t)/float64(d))) - 1
}

func expandList(list *SegmentList, base *url.URL) (*representationSegments, error) {
	timescale := list.Timescale
	if timescale == 0 {
		timescale = 1
	}
	number := uint64(1)
	if list.StartNumber != nil {
		number = *list.StartNumber
	}
	dur := time.Duration(float64(list.Duration) / float64(timescale) * float64(time.Second))

	rs := &representationSegments{}
	if in := list.Initialization; in != nil {
		u := base.String()
		if in.SourceURL != "" {
			var err error
			if u, err = resolveURL(base, in.SourceURL); err != nil {
				return nil, fmt.Errorf("failed to resolve init segment URL: %w", err)
			}
		}
		rng, err := optionalRange(in.Range)
		if err != nil {
			return nil, err
		}
		rs.init = &segment.Descriptor{URL: u, Sequence: int64(number), Init: true, Range: rng}
	}

	for _, su := range list.SegmentURLs {
		u := base.String()
		if su.Media != "" {
			var err error
			if u, err = resolveURL(base, su.Media); err != nil {
				return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
			}
		}
		rng, err := optionalRange(su.MediaRange)
		if err != nil {
			return nil, err
		}
		rs.segments = append(rs.segments, dashSegment{url: u, number: number, duration: dur, rng: rng})
		number++
	}
	return rs, nil
}

func optionalRange(s string) (*segment.ByteRange, error) {
	if s == "" {
		return nil, nil
	}
	start, end, err := parseByteRange(s)
	if err != nil {
		return nil, err
	}
	return &segment.ByteRange{Start: start, End: end}, nil
}

func resolveBase(base *url.URL, ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base, nil
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL %q: %w", ref, err)
	}
	if base == nil {
		return rel, nil
	}
	return base.ResolveReference(rel), nil
}

func sub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
