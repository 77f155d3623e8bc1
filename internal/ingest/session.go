package ingest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

const closeWriteTimeout = time.Second

var (
	// ErrSessionShutdown is the close reason used when the relay stops.
	ErrSessionShutdown = errors.New("ingest session shutdown")

	errPeerClosed = errors.New("producer closed the connection")
)

// SessionState is the lifecycle of one producer connection.
type SessionState int32

const (
	StateConnected SessionState = iota
	StateReceiving
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session reads frames from one producer socket. Frame errors never end the
// session; only transport errors or Close do.
type Session struct {
	id       string
	remote   string
	conn     *websocket.Conn
	pipeline *Pipeline
	stats    *state.Statistics

	ctx    context.Context
	cancel context.CancelCauseFunc

	state    atomic.Int32
	closed   atomic.Bool
	messages atomic.Uint64
}

// NewSession wraps an upgraded connection.
func NewSession(parent context.Context, conn *websocket.Conn, pipeline *Pipeline, stats *state.Statistics) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:       uuid.NewString(),
		remote:   conn.RemoteAddr().String(),
		conn:     conn,
		pipeline: pipeline,
		stats:    stats,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Messages returns how many messages this session has read.
func (s *Session) Messages() uint64 {
	return s.messages.Load()
}

// Context is canceled when the session closes; its cause is the close reason.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Run reads until the connection fails or the session is closed. The
// returned error is nil for a normal close.
func (s *Session) Run() error {
	s.stats.ClientConnected()
	logger.Info("Session", "Producer %s connected from %s", s.id, s.remote)

	// Canceling the parent context closes the socket, which ends readLoop.
	stop := context.AfterFunc(s.ctx, func() {
		s.Close(context.Cause(s.ctx))
	})
	defer stop()

	err := s.readLoop()

	s.stats.ClientDisconnected()
	reason := err
	if reason == nil {
		reason = errPeerClosed
	}
	s.Close(reason)
	s.state.Store(int32(StateClosed))

	if err != nil {
		s.stats.CountError(apperr.KindTransport)
		logger.Warn("Session", "Producer %s dropped after %d messages: %v", s.id, s.Messages(), err)
		return err
	}
	logger.Info("Session", "Producer %s disconnected after %d messages", s.id, s.Messages())
	return nil
}

func (s *Session) readLoop() error {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return apperr.Wrap(apperr.KindTransport, "session.read", "read failed", err)
		}

		if s.messages.Add(1) == 1 {
			s.state.CompareAndSwap(int32(StateConnected), int32(StateReceiving))
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			// Frame errors are recorded by the pipeline and otherwise ignored.
			_ = s.pipeline.Dispatch(types.RawMessage{
				Text: messageType == websocket.TextMessage,
				Data: data,
			})
		}
	}
}

// Close terminates the session. Only the first call has an effect.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = ErrSessionShutdown
	}
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.cancel(reason)

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	if !errors.Is(reason, ErrSessionShutdown) && !errors.Is(reason, context.Canceled) {
		msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))

	if err := s.conn.Close(); err != nil {
		logger.Debug("Session", "Session %s close: %v", s.id, err)
	}
}
