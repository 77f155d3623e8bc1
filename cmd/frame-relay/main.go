// Command frame-relay accepts image frames from producers over WebSocket and
// serves the latest one over HTTP in PNG, WebP or JPEG.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/frame-relay/internal/config"
	"github.com/dj-oyu/frame-relay/internal/ingest"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/metrics"
	"github.com/dj-oyu/frame-relay/internal/server"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/internal/transcode"
)

func main() {
	cfg, err := config.Load(os.Args[1:], ".env", os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "frame-relay: %v\n", err)
		os.Exit(2)
	}
	logger.Init(cfg.LoggerOptions(os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		logger.Error("Main", "Failed to listen on %s: %v", cfg.Addr, err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, ln); err != nil {
		logger.Error("Main", "Relay stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Main", "Relay stopped")
}

// Relay is the wired process: shared state, the ingest pipeline, producer
// sessions and the HTTP surface.
type Relay struct {
	cfg      config.Config
	st       *state.State
	pipeline *ingest.Pipeline
	hub      *ingest.Hub
	server   *server.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelay builds every component from cfg.
func NewRelay(cfg config.Config) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	st := state.New(cfg.Settings(), cfg.TransportReadLimit)
	m := metrics.New(st)
	tc := transcode.New(transcode.Options{MaxDimension: cfg.MaxDimension})
	pipeline := ingest.NewPipeline(ctx, st, tc, m, cfg.MaxConcurrentTranscodes)

	hub := ingest.NewHub()
	router := ingest.NewRouter(ctx, hub, pipeline, st.Stats, ingest.RouterOptions{
		ReadLimit:        cfg.TransportReadLimit,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	srv := server.New(ctx, server.Options{
		CORSOrigin:       cfg.CORSOrigin,
		MJPEGKeepalive:   cfg.MJPEGKeepalive,
		BodyLimit:        cfg.TransportReadLimit,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, server.Components{State: st, Pipeline: pipeline, Router: router, Metrics: m})

	return &Relay{
		cfg:      cfg,
		st:       st,
		pipeline: pipeline,
		hub:      hub,
		server:   srv,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handler is the relay's HTTP entry point.
func (r *Relay) Handler() http.Handler {
	return r.server.Handler()
}

// Shutdown stops push streams, drains HTTP, closes producer sessions and
// waits for queued transcodes. httpServer may be nil.
func (r *Relay) Shutdown(httpServer *http.Server) error {
	r.server.Close()

	var err error
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()
		if err = httpServer.Shutdown(ctx); err != nil {
			logger.Warn("Main", "HTTP shutdown incomplete: %v", err)
		}
	}

	r.hub.CloseAll(ingest.ErrSessionShutdown)
	r.cancel()
	r.pipeline.Wait()
	return err
}

// run serves on ln until ctx is done or the listener fails.
func run(ctx context.Context, cfg config.Config, ln net.Listener) error {
	relay := NewRelay(cfg)
	httpServer := &http.Server{
		Handler:           relay.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger("HTTP", logger.WARN),
	}

	logger.Info("Main", "Frame relay listening on %s", ln.Addr())
	logger.Info("Main", "Output %s quality %d, payload limit %d bytes, %d transcoders",
		cfg.OutputFormat, cfg.Quality, cfg.MaxPayloadBytes, cfg.MaxConcurrentTranscodes)
	logger.Info("Main", "  Producers:  ws://%s/ws", ln.Addr())
	logger.Info("Main", "  Frames:     http://%s/frame.{png,webp,jpeg}", ln.Addr())
	logger.Info("Main", "  Stats:      http://%s/stats", ln.Addr())
	logger.Info("Main", "  Metrics:    http://%s/metrics", ln.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Main", "Shutting down: %v", context.Cause(groupCtx))
		return relay.Shutdown(httpServer)
	})

	return group.Wait()
}
