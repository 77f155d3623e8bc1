// Package server exposes the relay over HTTP: pull endpoints for the current
// frame, push streams, stats, runtime config and the producer socket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"

	"github.com/dj-oyu/frame-relay/internal/ingest"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/metrics"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Options holds the HTTP-facing settings.
type Options struct {
	CORSOrigin       string        // Access-Control-Allow-Origin; empty disables CORS headers
	MJPEGKeepalive   time.Duration // Resend interval when no new frame arrives
	StatusInterval   time.Duration // /stats/stream push interval
	BodyLimit        int64         // Max /ingest body size
	HandshakeTimeout time.Duration // Viewer socket upgrade timeout
}

// Components are the collaborators a Server routes to.
type Components struct {
	State    *state.State
	Pipeline *ingest.Pipeline
	Router   *ingest.Router // nil disables /ws
	Metrics  *metrics.Metrics
}

// Server serves the relay endpoints.
type Server struct {
	opts     Options
	st       *state.State
	pipeline *ingest.Pipeline
	router   *ingest.Router
	metrics  *metrics.Metrics

	variants singleflight.Group
	viewers  *websocket.Upgrader
	proc     *process.Process

	root   context.Context // bounds pull conversions, outlives Close
	ctx    context.Context // bounds push streams
	cancel context.CancelFunc
}

// New returns a configured server. Canceling ctx, or calling Close, ends
// every push stream.
func New(ctx context.Context, opts Options, c Components) *Server {
	if opts.MJPEGKeepalive <= 0 {
		opts.MJPEGKeepalive = 2 * time.Second
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("Server", "Process stats unavailable: %v", err)
		proc = nil
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Server{
		opts:     opts,
		st:       c.State,
		pipeline: c.Pipeline,
		router:   c.Router,
		metrics:  c.Metrics,
		viewers: &websocket.Upgrader{
			HandshakeTimeout: opts.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		proc:   proc,
		root:   ctx,
		ctx:    sctx,
		cancel: cancel,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	for _, f := range types.Formats {
		mux.HandleFunc("/frame."+string(f), s.frameHandler(f))
	}
	mux.HandleFunc("/frame.jpg", s.frameHandler(types.FormatJPEG))

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/stream", s.handleStatsStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/clear", s.handleClear)
	mux.HandleFunc("/ingest", s.handleIngest)

	mux.HandleFunc("/stream.mjpeg", s.handleMJPEG)
	mux.HandleFunc("/ws/frames", s.handleViewer)
	if s.router != nil {
		mux.HandleFunc("/ws", s.router.Handle)
	}
	mux.Handle("/metrics", s.metrics.Handler())

	return s.cors(mux)
}

// Close ends push streams. Pull endpoints keep working.
func (s *Server) Close() {
	s.cancel()
	s.st.Store.Close()
}

func (s *Server) cors(next http.Handler) http.Handler {
	if s.opts.CORSOrigin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
