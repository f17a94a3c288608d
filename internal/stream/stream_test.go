package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/segstream/internal/fetch"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStream(t *testing.T, ctx context.Context, url string, opts Options) *Stream {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	s, err := Open(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// readAll reads s to the end, failing the test if that takes too long.
func readAll(t *testing.T, s *Stream) ([]byte, error) {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(s)
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out reading stream")
		return nil, nil
	}
}

// livePlaylist renders a sliding window of count segments starting at first.
func livePlaylist(first, count int, ended bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i < first+count; i++ {
		fmt.Fprintf(&b, "#EXTINF:0.010,\nseg%d.ts\n", i)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// segmentHandler serves "seg<N>|" for every /seg<N>.ts path.
func segmentHandler(w http.ResponseWriter, r *http.Request) {
	var n int
	if _, err := fmt.Sscanf(r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:], "seg%d.ts", &n); err != nil {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "seg%d|", n)
}

func TestStream_OrderedOutputWithReorderedDownloads(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:1
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-MAP:URI="init.mp4"
#EXTINF:4.0,
seg1.m4s
#EXTINF:4.0,
seg2.m4s
#EXT-X-ENDLIST
`)
	})
	mux.HandleFunc("/vod/init.mp4", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "INIT")
	})
	mux.HandleFunc("/vod/seg1.m4s", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "FIRST-SEGMENT")
	})
	mux.HandleFunc("/vod/seg2.m4s", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "SECOND")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var (
		mu       sync.Mutex
		progress []Progress
	)
	s := openStream(t, context.Background(), server.URL+"/vod/index.m3u8", Options{
		ChunkReadahead: 2,
		OnProgress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, p)
		},
	})

	data, err := readAll(t, s)
	require.NoError(t, err)
	assert.Equal(t, "INITFIRST-SEGMENTSECOND", string(data))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 3)
	assert.True(t, progress[0].Init)
	assert.Equal(t, int64(1), progress[1].Sequence)
	assert.Equal(t, int64(2), progress[2].Sequence)
	for i, p := range progress {
		assert.Equal(t, i, p.Index)
		if i > 0 {
			assert.Greater(t, p.TotalBytes, progress[i-1].TotalBytes)
		}
	}
	assert.Equal(t, 3, progress[2].TotalSegments)
	assert.Equal(t, int64(len(data)), progress[2].TotalBytes)

	<-s.Done()
	st := s.Stats()
	assert.True(t, st.Done)
	assert.True(t, st.Static)
	assert.Equal(t, 3, st.Segments)
	assert.Equal(t, int64(2), st.LastSequence)
	assert.Empty(t, st.Err)
}

func TestStream_LiveRefreshDeduplicates(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		fmt.Fprint(w, livePlaylist(n-1, 3, n >= 3))
	})
	mux.HandleFunc("/live/", segmentHandler)
	server := httptest.NewServer(mux)
	defer server.Close()

	s := openStream(t, context.Background(), server.URL+"/live/index.m3u8", Options{
		MinRefreshInterval: 5 * time.Millisecond,
	})

	data, err := readAll(t, s)
	require.NoError(t, err)
	assert.Equal(t, "seg0|seg1|seg2|seg3|seg4|", string(data))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))

	<-s.Done()
	assert.Equal(t, 3, s.Stats().Refreshes)
}

func TestStream_ResumeAfterSequence(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, livePlaylist(0, 5, true))
	})
	mux.HandleFunc("/vod/", segmentHandler)
	server := httptest.NewServer(mux)
	defer server.Close()

	after := int64(2)
	s := openStream(t, context.Background(), server.URL+"/vod/index.m3u8", Options{AfterSequence: &after})

	data, err := readAll(t, s)
	require.NoError(t, err)
	assert.Equal(t, "seg3|seg4|", string(data))
}

func TestStream_FatalSegmentErrorAfterEarlierBytes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, livePlaylist(0, 2, true))
	})
	mux.HandleFunc("/vod/seg0.ts", func(w http.ResponseWriter, r *http.Request) {
		// Give the second download time to fail first
		time.Sleep(50 * time.Millisecond)
		fmt.Fprint(w, "seg0|")
	})
	mux.HandleFunc("/vod/seg1.ts", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var (
		mu     sync.Mutex
		failed []error
	)
	s := openStream(t, context.Background(), server.URL+"/vod/index.m3u8", Options{
		OnEvent: func(e Event) {
			if e.Kind == EventError {
				mu.Lock()
				failed = append(failed, e.Err)
				mu.Unlock()
			}
		},
	})

	data, err := readAll(t, s)
	assert.Equal(t, "seg0|", string(data))

	var se *fetch.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)

	<-s.Done()
	assert.NotEmpty(t, s.Stats().Err)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, failed, 1)
}

func TestStream_ManifestErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	s := openStream(t, context.Background(), server.URL+"/index.m3u8", Options{})

	_, err := readAll(t, s)
	var se *fetch.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestStream_CloseStopsLiveStream(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1))
		fmt.Fprint(w, livePlaylist(n-1, 3, false))
	})
	mux.HandleFunc("/live/", segmentHandler)
	server := httptest.NewServer(mux)
	defer server.Close()

	s := openStream(t, context.Background(), server.URL+"/live/index.m3u8", Options{
		MinRefreshInterval: 5 * time.Millisecond,
	})

	buf := make([]byte, len("seg0|"))
	_, err := io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "seg0|", string(buf))

	require.NoError(t, s.Close())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected pipeline to stop after Close")
	}

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStream_ContextCancel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, livePlaylist(0, 3, false))
	})
	mux.HandleFunc("/live/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s := openStream(t, ctx, server.URL+"/live/index.m3u8", Options{})

	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := readAll(t, s)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStream_DASH(t *testing.T) {
	const mpd = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT6S">
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate timescale="1000" startNumber="1" duration="2000"
          initialization="$RepresentationID$/init.mp4"
          media="$RepresentationID$/$Number$.m4s"/>
      <Representation id="v1" bandwidth="1000000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/manifest.mpd", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dash+xml")
		fmt.Fprint(w, mpd)
	})
	mux.HandleFunc("/vod/v1/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", strings.TrimPrefix(r.URL.Path, "/vod/v1/"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := openStream(t, context.Background(), server.URL+"/vod/manifest.mpd", Options{ID: "v1"})

	data, err := readAll(t, s)
	require.NoError(t, err)
	assert.Equal(t, "[init.mp4][1.m4s][2.m4s][3.m4s]", string(data))
}

func TestStream_EventsEndWithEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, livePlaylist(0, 2, true))
	})
	mux.HandleFunc("/vod/", segmentHandler)
	server := httptest.NewServer(mux)
	defer server.Close()

	var (
		mu    sync.Mutex
		kinds []EventKind
	)
	s := openStream(t, context.Background(), server.URL+"/vod/index.m3u8", Options{
		OnEvent: func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			kinds = append(kinds, e.Kind)
		},
	})

	_, err := readAll(t, s)
	require.NoError(t, err)
	<-s.Done()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, kinds)
	assert.Equal(t, EventEnd, kinds[len(kinds)-1])
	assert.Contains(t, kinds, EventRequest)
	assert.Contains(t, kinds, EventResponse)
	assert.Contains(t, kinds, EventRefresh)
	assert.Contains(t, kinds, EventProgress)
	assert.NotContains(t, kinds, EventError)
}

func TestOpen_InvalidOptions(t *testing.T) {
	_, err := Open(context.Background(), "http://example.com/index.m3u8", Options{ChunkReadahead: -1})
	assert.Error(t, err)

	_, err = Open(context.Background(), "http://example.com/index.m3u8", Options{Begin: "soon"})
	assert.Error(t, err)

	_, err = Open(context.Background(), "http://example.com/manifest.mpd", Options{})
	assert.Error(t, err, "DASH needs a representation id")

	_, err = Open(context.Background(), "http://example.com/index.m3u8", Options{Parser: "smooth"})
	assert.True(t, err != nil && !errors.Is(err, ErrClosed))
}

func TestStream_HighWaterMarkBoundsBufferedOutput(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	mux := http.NewServeMux()
	mux.HandleFunc("/vod/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, livePlaylist(0, 5, true))
	})
	mux.HandleFunc("/vod/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := openStream(t, context.Background(), server.URL+"/vod/index.m3u8", Options{
		HighWaterMark:  256,
		ChunkReadahead: 5,
	})

	// Nobody reads yet: the writer stops at the high water mark.
	require.Eventually(t, func() bool { return s.Stats().Buffered == 256 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	st := s.Stats()
	assert.Equal(t, 256, st.Buffered)
	assert.Equal(t, 0, st.Segments)

	var total int
	buf := make([]byte, 100)
	for {
		n, err := s.Read(buf)
		total += n
		assert.LessOrEqual(t, s.Stats().Buffered, 256)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, 5*len(payload), total)
}
