package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/frame-relay/internal/ingest"
	"github.com/dj-oyu/frame-relay/internal/metrics"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/internal/transcode"
	"github.com/dj-oyu/frame-relay/pkg/types"

	_ "golang.org/x/image/webp" // Register WebP decoder for DecodeConfig
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type testRelay struct {
	st      *state.State
	metrics *metrics.Metrics
	srv     *Server
	ts      *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	st := state.New(state.ServerConfig{
		OutputFormat:    types.FormatPNG,
		Quality:         90,
		MaxPayloadBytes: 50 << 20,
	}, 100<<20)
	m := metrics.New(st)
	p := ingest.NewPipeline(ctx, st, transcode.New(transcode.Options{}), m, 4)
	hub := ingest.NewHub()
	router := ingest.NewRouter(ctx, hub, p, st.Stats, ingest.RouterOptions{ReadLimit: 100 << 20})

	srv := New(ctx, Options{
		CORSOrigin:     "*",
		MJPEGKeepalive: 50 * time.Millisecond,
		StatusInterval: 20 * time.Millisecond,
		BodyLimit:      100 << 20,
	}, Components{State: st, Pipeline: p, Router: router, Metrics: m})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Close()
		hub.CloseAll(nil)
		ts.Close()
		cancel()
		p.Wait()
	})

	return &testRelay{st: st, metrics: m, srv: srv, ts: ts}
}

func (r *testRelay) get(t *testing.T, path string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, r.ts.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	return r.do(t, req)
}

func (r *testRelay) post(t *testing.T, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, r.ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return r.do(t, req)
}

func (r *testRelay) postJSON(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, body := r.post(t, path, "application/json", data)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return resp, out
}

func (r *testRelay) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := r.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (r *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(r.ts.URL, "http") + path
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURI(data []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)
}

func decodeConfig(t *testing.T, data []byte) (image.Config, string) {
	t.Helper()
	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg, name
}

var red = color.RGBA{R: 255, A: 255}
