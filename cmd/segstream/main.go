// The segstream command records an HLS or DASH stream into a single file.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agleyzer/segstream/internal/cluster"
	"github.com/agleyzer/segstream/internal/fetch"
	"github.com/agleyzer/segstream/internal/parser"
	"github.com/agleyzer/segstream/internal/server"
	"github.com/agleyzer/segstream/internal/stream"
	"github.com/agleyzer/segstream/internal/variant"
)

const (
	version = "1.0.0"
)

var errLostLeadership = errors.New("lost cluster leadership")

type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ", ")
}

func (l *listFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

// config holds the parsed command line.
type config struct {
	url        string
	output     string
	readahead  int
	liveBuffer time.Duration
	begin      string
	id         string
	parser     string
	variant    int
	duration   time.Duration
	header     http.Header
	proxy      *url.URL

	timeout       time.Duration
	maxRetries    int
	maxReconnects int
	maxRedirects  int

	statusPort int
	verbose    bool

	raftID       string
	raftBind     string
	peers        []string
	raftLogLevel string
}

func (c *config) clustered() bool {
	return c.raftID != ""
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		w := fs.Output()
		fmt.Fprintf(w, "segstream - HLS/DASH stream recorder v%s\n\n", version)
		fmt.Fprintf(w, "Usage: %s [options] <manifest-url>\n\n", fs.Name())
		fmt.Fprintf(w, "Arguments:\n")
		fmt.Fprintf(w, "  <manifest-url>    URL of an HLS playlist (media or master) or DASH MPD\n\n")
		fmt.Fprintf(w, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(w, "\nExamples:\n")
		fmt.Fprintf(w, "  %s -o out.ts https://example.com/live/index.m3u8\n", fs.Name())
		fmt.Fprintf(w, "  %s -begin now -live-buffer 30s https://example.com/live/master.m3u8 > out.ts\n", fs.Name())
		fmt.Fprintf(w, "  %s -id video-1080p -o out.mp4 https://example.com/vod/manifest.mpd\n", fs.Name())
		fmt.Fprintf(w, "  %s -raft-id a -raft-bind 127.0.0.1:7000 -peers 127.0.0.1:7000,127.0.0.1:7001 -o a.ts <url>\n", fs.Name())
	}
}

// parseFlags parses args (without the program name) into a config.
func parseFlags(args []string, output io.Writer) (*config, bool, error) {
	fs := flag.NewFlagSet("segstream", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		cfg         config
		headers     listFlag
		proxy       string
		peers       string
		showVersion bool
	)
	def := fetch.DefaultPolicy()

	fs.StringVar(&cfg.output, "o", "-", "Output file, - for stdout")
	fs.IntVar(&cfg.readahead, "readahead", stream.DefaultChunkReadahead, "Number of segments downloaded in parallel")
	fs.DurationVar(&cfg.liveBuffer, "live-buffer", 20*time.Second, "Amount of live stream kept behind the starting point")
	fs.StringVar(&cfg.begin, "begin", "", "Where to start: now, RFC 3339 time, unix ms, or an offset like 1:30 or 90s")
	fs.StringVar(&cfg.id, "id", "", "DASH representation id")
	fs.StringVar(&cfg.parser, "parser", "", "Manifest format: m3u8 or dash-mpd (detected from the URL if not set)")
	fs.IntVar(&cfg.variant, "variant", -1, "HLS master playlist variant index (highest bandwidth if not set)")
	fs.DurationVar(&cfg.duration, "duration", 0, "Stop after recording this much media (e.g. '10m'); 0 records until the end")
	fs.Var(&headers, "header", "Additional HTTP header 'Name: value' (repeatable)")
	fs.StringVar(&proxy, "proxy", "", "HTTP proxy URL")
	fs.DurationVar(&cfg.timeout, "timeout", 0, "Fail a request that receives no data for this long")
	fs.IntVar(&cfg.maxRetries, "max-retries", def.MaxRetries, "Retries of a request before any data was received")
	fs.IntVar(&cfg.maxReconnects, "max-reconnects", def.MaxReconnects, "Ranged resumes of an interrupted download")
	fs.IntVar(&cfg.maxRedirects, "max-redirects", def.MaxRedirects, "Redirects followed per request")
	fs.IntVar(&cfg.statusPort, "status-port", 0, "Port of the HTTP status server (disabled if 0)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&showVersion, "version", false, "Show version and exit")
	fs.StringVar(&cfg.raftID, "raft-id", "", "Raft node ID; enables hot-standby recording")
	fs.StringVar(&cfg.raftBind, "raft-bind", "", "Raft bind address (host:port)")
	fs.StringVar(&peers, "peers", "", "Comma-separated Raft peer addresses, this node included")
	fs.StringVar(&cfg.raftLogLevel, "raft-log-level", "", "Raft log level (off if not set)")
	fs.Usage = usage(fs)

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return nil, true, nil
	}

	if fs.NArg() < 1 {
		return nil, false, fmt.Errorf("manifest URL is required")
	}
	cfg.url = fs.Arg(0)

	if cfg.readahead < 1 {
		return nil, false, fmt.Errorf("readahead must be at least 1")
	}
	if cfg.liveBuffer <= 0 {
		return nil, false, fmt.Errorf("live buffer must be positive")
	}
	if cfg.duration < 0 {
		return nil, false, fmt.Errorf("duration must not be negative")
	}
	if cfg.statusPort < 0 || cfg.statusPort > 65535 {
		return nil, false, fmt.Errorf("status port must be between 0 and 65535")
	}
	if cfg.parser != "" && cfg.parser != parser.FormatM3U8 && cfg.parser != parser.FormatDASH {
		return nil, false, fmt.Errorf("unknown parser %q", cfg.parser)
	}
	if cfg.format() == parser.FormatDASH && cfg.id == "" {
		return nil, false, fmt.Errorf("-id is required for DASH manifests")
	}

	h, err := parseHeaders(headers)
	if err != nil {
		return nil, false, fmt.Errorf("invalid header: %w", err)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", "segstream/"+version)
	}
	cfg.header = h

	if proxy != "" {
		if cfg.proxy, err = url.Parse(proxy); err != nil {
			return nil, false, fmt.Errorf("invalid proxy: %w", err)
		}
	}

	if peers != "" {
		for _, p := range strings.Split(peers, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.peers = append(cfg.peers, p)
			}
		}
	}
	if cfg.clustered() && cfg.output == "-" {
		return nil, false, fmt.Errorf("hot-standby recording needs an output file")
	}

	return &cfg, false, nil
}

func (c *config) format() string {
	if c.parser != "" {
		return c.parser
	}
	return parser.Detect(c.url)
}

func (c *config) policy() fetch.Policy {
	p := fetch.DefaultPolicy()
	p.MaxRetries = c.maxRetries
	p.MaxReconnects = c.maxReconnects
	p.MaxRedirects = c.maxRedirects
	p.Timeout = c.timeout
	return p
}

// parseHeaders parses "Name: value" lines the way a MIME header is parsed.
func parseHeaders(headers []string) (http.Header, error) {
	if len(headers) == 0 {
		return http.Header{}, nil
	}

	s := strings.Join(headers, "\r\n") + "\r\n\r\n"
	tp := textproto.NewReader(bufio.NewReader(strings.NewReader(s)))
	h, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(h), nil
}

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("segstream v%s\n", version)
		os.Exit(0)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if cfg.verbose {
		logLevel = slog.LevelDebug
	}

	// stdout may carry the recording
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("segstream starting", "version", version)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("segstream stopped")
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	out, closeOut, err := openOutput(cfg)
	if err != nil {
		return err
	}
	defer closeOut()

	var manager *cluster.Manager
	if cfg.clustered() {
		manager, err = cluster.NewManager(cluster.Config{
			RaftID:       cfg.raftID,
			BindAddr:     cfg.raftBind,
			Peers:        cfg.peers,
			RaftLogLevel: cfg.raftLogLevel,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer manager.Shutdown()
	}

	var srv *server.Server
	if cfg.statusPort > 0 {
		var c server.Cluster
		if manager != nil {
			c = manager
		}
		srv = server.New(cfg.statusPort, c, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
		logger.Info("status server ready",
			"status", fmt.Sprintf("http://localhost:%d/status", cfg.statusPort),
			"health", fmt.Sprintf("http://localhost:%d/health", cfg.statusPort))
	}

	rec := &recorder{cfg: cfg, out: out, manager: manager, srv: srv, logger: logger}
	if manager == nil {
		return rec.record(ctx)
	}

	for {
		logger.Info("waiting for leadership", "node_id", manager.NodeID())
		if err := manager.WaitForLeadership(ctx); err != nil {
			return nil
		}
		logger.Info("acquired leadership, recording", "node_id", manager.NodeID())

		err := rec.record(ctx)
		if errors.Is(err, errLostLeadership) {
			logger.Warn("lost leadership, standing by")
			continue
		}
		return err
	}
}

func openOutput(cfg *config) (io.Writer, func(), error) {
	if cfg.output == "-" {
		return os.Stdout, func() {}, nil
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if cfg.clustered() {
		// A standby continues the recording where the previous leader stopped
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(cfg.output, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// recorder runs one stream into the output.
type recorder struct {
	cfg     *config
	out     io.Writer
	manager *cluster.Manager
	srv     *server.Server
	logger  *slog.Logger
}

func (r *recorder) record(ctx context.Context) error {
	cfg := r.cfg
	policy := cfg.policy()

	manifestURL := cfg.url
	if cfg.format() == parser.FormatM3U8 {
		client, err := fetch.NewClient(policy, fetch.WithLogger(r.logger), fetch.WithHeader(cfg.header), fetch.WithProxy(cfg.proxy))
		if err != nil {
			return err
		}
		u, v, err := variant.Resolve(ctx, client, cfg.url, cfg.variant)
		if err != nil {
			return fmt.Errorf("failed to resolve playlist: %w", err)
		}
		if v != nil {
			r.logger.Info("selected variant",
				"index", v.Index,
				"bandwidth", v.Bandwidth,
				"resolution", v.Resolution,
				"url", v.PlaylistURL)
		}
		manifestURL = u
	}

	resume := r.resumePoint()

	out := r.out
	var ck *checkpointer
	if r.manager != nil {
		ck = newCheckpointer(r.checkpoint)
		out = ck.Writer(r.out)
	}

	var (
		lastSeq  = resume.LastSequence
		recorded time.Duration
		stopped  atomic.Bool
		stop     = make(chan struct{})
	)
	opts := stream.Options{
		ChunkReadahead: cfg.readahead,
		LiveBuffer:     cfg.liveBuffer,
		Begin:          cfg.begin,
		Parser:         cfg.format(),
		ID:             cfg.id,
		Logger:         r.logger,
		Request: stream.RequestOptions{
			Policy: &policy,
			Header: cfg.header,
			Proxy:  cfg.proxy,
		},
		OnProgress: func(p stream.Progress) {
			if !p.Init {
				lastSeq = p.Sequence
			}
			r.logger.Debug("segment recorded", "sequence", p.Sequence, "size", p.Size, "total_bytes", p.TotalBytes)
			if ck != nil {
				ck.Add(p.TotalBytes, cluster.Checkpoint{
					URL:          cfg.url,
					LastSequence: lastSeq,
					Segments:     resume.Segments + p.Index + 1,
					Bytes:        resume.Bytes + p.TotalBytes,
				})
			}

			recorded += p.Duration
			if durationReached(recorded, cfg.duration) && stopped.CompareAndSwap(false, true) {
				r.logger.Info("recorded requested duration", "duration", recorded)
				close(stop)
			}
		},
	}
	if resume.LastSequence >= 0 {
		after := resume.LastSequence
		opts.AfterSequence = &after
		// Continue from the checkpoint, wherever the live edge is now
		opts.Begin = ""
		r.logger.Info("resuming recording", "after_sequence", after, "segments", resume.Segments)
	}

	s, err := stream.Open(ctx, manifestURL, opts)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer s.Close()
	if r.srv != nil {
		r.srv.SetSource(s)
	}

	go func() {
		select {
		case <-stop:
			s.Close()
		case <-s.Done():
		}
	}()

	var lostLeadership atomic.Bool
	if r.manager != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		lost := r.manager.LostLeadership(watchCtx)
		go func() {
			select {
			case <-lost:
				if watchCtx.Err() == nil {
					lostLeadership.Store(true)
					s.Close()
				}
			case <-s.Done():
			}
		}()
	}

	if ck != nil {
		ckCtx, stopCk := context.WithCancel(context.Background())
		ckDone := make(chan struct{})
		go func() {
			defer close(ckDone)
			ck.Run(ckCtx)
		}()
		defer func() {
			stopCk()
			<-ckDone
		}()
	}

	n, err := io.Copy(out, s)
	st := s.Stats()
	r.logger.Info("recording finished",
		"bytes", n,
		"segments", st.Segments,
		"last_sequence", st.LastSequence,
		"refreshes", st.Refreshes)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, stream.ErrClosed) && stopped.Load():
		return nil
	case errors.Is(err, stream.ErrClosed) && lostLeadership.Load():
		return errLostLeadership
	case errors.Is(err, stream.ErrClosed) && ctx.Err() != nil:
		return nil
	}
	return fmt.Errorf("recording failed: %w", err)
}

// resumePoint returns the replicated checkpoint of this recording, or a
// fresh one.
func (r *recorder) resumePoint() cluster.Checkpoint {
	fresh := cluster.Checkpoint{URL: r.cfg.url, LastSequence: -1}
	if r.manager == nil {
		return fresh
	}

	cp := r.manager.GetState()
	if cp.URL == r.cfg.url {
		return cp
	}
	if err := r.manager.Reset(r.cfg.url); err != nil {
		r.logger.Warn("failed to reset checkpoint", "error", err)
	}
	return fresh
}

func (r *recorder) checkpoint(cp cluster.Checkpoint) {
	if r.manager == nil {
		return
	}
	if err := r.manager.Checkpoint(cp); err != nil {
		r.logger.Warn("failed to replicate checkpoint", "sequence", cp.LastSequence, "error", err)
	}
}

// durationReached reports whether recorded media reached limit. A zero
// limit never stops.
func durationReached(recorded, limit time.Duration) bool {
	return limit > 0 && recorded >= limit
}
