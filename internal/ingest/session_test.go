package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/internal/transcode"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type relay struct {
	st       *state.State
	pipeline *Pipeline
	hub      *Hub
	url      string
}

func newRelay(t *testing.T, cfg state.ServerConfig, readLimit int64) *relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st := state.New(cfg, readLimit)
	p := NewPipeline(ctx, st, transcode.New(transcode.Options{}), nil, 4)
	hub := NewHub()
	router := NewRouter(ctx, hub, p, st.Stats, RouterOptions{ReadLimit: readLimit})

	srv := httptest.NewServer(http.HandlerFunc(router.Handle))
	t.Cleanup(func() {
		hub.CloseAll(nil)
		srv.Close()
		cancel()
		p.Wait()
	})

	return &relay{
		st:       st,
		pipeline: p,
		hub:      hub,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (r *relay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func closeNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
}

func TestSessionIngestsTextAndBinary(t *testing.T) {
	r := newRelay(t, pngDefaults, 0)
	conn := r.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(dataURI(solidPNG(t, 5, 5, red)))))
	require.Eventually(t, func() bool { return r.st.Store.Seq() == 1 }, waitFor, tick)

	// A bad frame is counted and the connection stays usable.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")))
	require.Eventually(t, func() bool {
		return r.st.Stats.Snapshot().ErrorCounts[apperr.KindDecode] == 1
	}, waitFor, tick)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, solidPNG(t, 7, 7, red)))
	require.Eventually(t, func() bool { return r.st.Store.Seq() == 2 }, waitFor, tick)
	assert.Equal(t, 7, r.st.Store.Get().Width)
	assert.Equal(t, int64(1), r.st.Stats.ConnectedClients())

	closeNormally(t, conn)
	require.Eventually(t, func() bool { return r.st.Stats.ConnectedClients() == 0 }, waitFor, tick)

	snap := r.st.Stats.Snapshot()
	assert.Equal(t, uint64(3), snap.FramesReceived)
	assert.Zero(t, snap.ConnectionErrors)
	assert.Eventually(t, func() bool { return r.hub.Count() == 0 }, waitFor, tick)
}

func TestConcurrentProducersLeaveOneFrame(t *testing.T) {
	const producers = 8
	r := newRelay(t, pngDefaults, 0)
	src := solidPNG(t, 4, 4, red)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		conn := r.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, src))
		}()
	}
	wg.Wait()

	// Every message is either stored or superseded by a newer one.
	require.Eventually(t, func() bool {
		snap := r.st.Stats.Snapshot()
		return snap.FramesReceived == producers && snap.FramesStored+snap.FramesDropped == producers
	}, waitFor, tick)

	snap := r.st.Stats.Snapshot()
	assert.GreaterOrEqual(t, snap.FramesStored, uint64(1))
	assert.Equal(t, snap.FramesStored, r.st.Store.Seq())
	assert.NotNil(t, r.st.Store.Get())
}

func TestOversizedMessageKeepsSession(t *testing.T) {
	r := newRelay(t, state.ServerConfig{OutputFormat: types.FormatPNG, Quality: 90, MaxPayloadBytes: 512}, 4096)
	conn := r.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 600)))
	require.Eventually(t, func() bool {
		return r.st.Stats.Snapshot().ErrorCounts[apperr.KindTooLarge] == 1
	}, waitFor, tick)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, solidPNG(t, 2, 2, red)))
	require.Eventually(t, func() bool { return r.st.Store.Get() != nil }, waitFor, tick)

	snap := r.st.Stats.Snapshot()
	assert.Equal(t, uint64(2), snap.FramesReceived)
	assert.Zero(t, snap.ConnectionErrors)
}

func TestReadLimitEndsSession(t *testing.T) {
	r := newRelay(t, state.ServerConfig{OutputFormat: types.FormatPNG, Quality: 90, MaxPayloadBytes: 512}, 1024)
	conn := r.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return r.st.Stats.Snapshot().ConnectionErrors == 1 && r.st.Stats.ConnectedClients() == 0
	}, waitFor, tick)
}

func TestHubCloseAll(t *testing.T) {
	r := newRelay(t, pngDefaults, 0)
	conn := r.dial(t)
	require.Eventually(t, func() bool { return r.hub.Count() == 1 }, waitFor, tick)

	r.hub.CloseAll(nil)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	require.Eventually(t, func() bool { return r.st.Stats.ConnectedClients() == 0 }, waitFor, tick)
	assert.Zero(t, r.st.Stats.Snapshot().ConnectionErrors)
	assert.Zero(t, r.hub.Count())
}

func TestSessionStates(t *testing.T) {
	r := newRelay(t, pngDefaults, 0)
	conn := r.dial(t)

	var session *Session
	require.Eventually(t, func() bool {
		r.hub.sessions.Range(func(_, v any) bool {
			session = v.(*Session)
			return false
		})
		return session != nil
	}, waitFor, tick)
	assert.Equal(t, StateConnected, session.State())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, solidPNG(t, 2, 2, red)))
	require.Eventually(t, func() bool { return session.State() == StateReceiving }, waitFor, tick)

	closeNormally(t, conn)
	require.Eventually(t, func() bool { return session.State() == StateClosed }, waitFor, tick)
	assert.Equal(t, "closed", session.State().String())
	assert.Error(t, context.Cause(session.Context()))
}
