package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/state"
)

// RouterOptions configures the producer socket endpoint.
type RouterOptions struct {
	// ReadLimit caps one socket message. Exceeding it ends the session.
	ReadLimit        int64
	HandshakeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

// Router upgrades producer connections and runs a Session for each.
type Router struct {
	ctx      context.Context
	hub      *Hub
	pipeline *Pipeline
	stats    *state.Statistics
	upgrader *websocket.Upgrader
	limit    int64
}

// NewRouter constructs a router. Sessions are children of ctx.
func NewRouter(ctx context.Context, hub *Hub, pipeline *Pipeline, stats *state.Statistics, opts RouterOptions) *Router {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin:      opts.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if upgrader.HandshakeTimeout <= 0 {
		upgrader.HandshakeTimeout = 10 * time.Second
	}

	return &Router{
		ctx:      ctx,
		hub:      hub,
		pipeline: pipeline,
		stats:    stats,
		upgrader: upgrader,
		limit:    opts.ReadLimit,
	}
}

// Handle upgrades the HTTP connection and launches a new session.
func (r *Router) Handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		r.stats.CountError(apperr.KindTransport)
		logger.Warn("Router", "Handshake failed from %s: %v", req.RemoteAddr, err)
		return
	}
	if r.limit > 0 {
		conn.SetReadLimit(r.limit)
	}

	session := NewSession(r.ctx, conn, r.pipeline, r.stats)
	r.hub.Register(session)

	go func() {
		defer r.hub.Unregister(session.ID())
		_ = session.Run()
	}()
}
