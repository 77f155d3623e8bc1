package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMJPEGStream(t *testing.T) {
	r := newTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ts.URL+"/stream.mjpeg", nil)
	require.NoError(t, err)

	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)

	require.Eventually(t, func() bool { return r.st.Store.Subscribers() == 1 }, waitFor, tick)
}

func TestMJPEGEndsOnClose(t *testing.T) {
	r := newTestRelay(t)

	resp, err := r.ts.Client().Get(r.ts.URL + "/stream.mjpeg")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return r.st.Store.Subscribers() == 1 }, waitFor, tick)

	r.srv.Close()
	require.Eventually(t, func() bool { return r.st.Store.Subscribers() == 0 }, waitFor, tick)
}

func TestViewerSocket(t *testing.T) {
	r := newTestRelay(t)

	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL("/ws/frames?format=jpg"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.st.Store.Subscribers() == 1 }, waitFor, tick)

	resp, _ := r.post(t, "/ingest", "image/png", solidPNG(t, 8, 8, red))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)

	img, name := decodeConfig(t, data)
	assert.Equal(t, "jpeg", name)
	assert.Equal(t, 8, img.Width)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool { return r.st.Store.Subscribers() == 0 }, waitFor, tick)
}

func TestViewerSocketBadFormat(t *testing.T) {
	r := newTestRelay(t)

	_, resp, err := websocket.DefaultDialer.Dial(r.wsURL("/ws/frames?format=gif"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsStream(t *testing.T) {
	r := newTestRelay(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ts.URL+"/stats/stream", nil)
	require.NoError(t, err)

	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &stats))
	assert.Equal(t, "png", stats["type"])
}
