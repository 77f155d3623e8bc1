package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/frame-relay/internal/apperr"
)

func TestConfigQualityValidation(t *testing.T) {
	r := newTestRelay(t)

	resp, cfg := r.postJSON(t, "/config", map[string]any{"quality": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(90), cfg["quality"], "out of range quality is ignored")

	_, cfg = r.postJSON(t, "/config", map[string]any{"quality": 50})
	assert.Equal(t, float64(50), cfg["quality"])

	resp, body := r.get(t, "/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var current map[string]any
	require.NoError(t, json.Unmarshal(body, &current))
	assert.Equal(t, float64(50), current["quality"])
	assert.Equal(t, "png", current["outputFormat"])

	assert.Equal(t, uint64(1), r.st.Stats.Snapshot().ErrorCounts[apperr.KindConfig])
}

func TestConfigMalformedJSON(t *testing.T) {
	r := newTestRelay(t)

	resp, _ := r.post(t, "/config", "application/json", []byte(`{"quality":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = r.post(t, "/config", "application/json", []byte(`[1,2]`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, 90, r.st.Settings.Quality())
}

func TestDoubleClear(t *testing.T) {
	r := newTestRelay(t)
	resp, _ := r.post(t, "/ingest", "image/png", solidPNG(t, 4, 4, red))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r.st.Stats.CountError(apperr.KindDecode)

	for i := 0; i < 2; i++ {
		resp, body := r.post(t, "/clear", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"status":"cleared"}`, string(body))
	}

	snap := r.st.Stats.Snapshot()
	assert.Zero(t, snap.FramesReceived)
	assert.Zero(t, snap.BytesReceived)
	assert.Equal(t, uint64(1), snap.ErrorCounts[apperr.KindDecode])

	_, body := r.get(t, "/frame.png")
	img, _ := decodeConfig(t, body)
	assert.Equal(t, 1, img.Width, "placeholder after clear")

	resp, _ = r.get(t, "/clear")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatsJSON(t *testing.T) {
	r := newTestRelay(t)
	src := solidPNG(t, 4, 4, red)
	resp, _ := r.post(t, "/ingest", "image/png", src)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := r.get(t, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats map[string]any
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, float64(1), stats["frames"])
	assert.Equal(t, float64(0), stats["clients"])
	assert.Equal(t, "png", stats["type"])
	assert.Equal(t, float64(0), stats["errors"])
	assert.Equal(t, true, stats["hasFrame"])
	assert.Equal(t, float64(0), stats["framesDropped"])
	assert.Contains(t, stats, "dataMB")
	assert.Contains(t, stats, "uptime")
	assert.Contains(t, stats["lastFrameStatus"], "ok: png")
}

func TestStatsProtobuf(t *testing.T) {
	r := newTestRelay(t)
	resp, _ := r.post(t, "/ingest", "image/png", solidPNG(t, 4, 4, red))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = r.post(t, "/ingest", "", []byte("nonsense"))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := r.get(t, "/stats", "Accept", "application/x-protobuf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(body, &msg))
	fields := msg.GetFields()
	assert.Equal(t, float64(2), fields["frames"].GetNumberValue())
	assert.Equal(t, "png", fields["type"].GetStringValue())
	assert.Equal(t, float64(1), fields["errors"].GetNumberValue())
	assert.Equal(t, float64(1), fields["errorCounts"].GetStructValue().GetFields()["decode"].GetNumberValue())
}

func TestHealth(t *testing.T) {
	r := newTestRelay(t)

	resp, body := r.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["hasFrame"])
	for _, key := range []string{"uptime", "clients", "frames", "memoryMB"} {
		assert.Contains(t, health, key)
	}
	assert.Greater(t, health["memoryMB"], float64(0))

	resp, _ = r.post(t, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestIngestErrors(t *testing.T) {
	r := newTestRelay(t)

	resp, body := r.post(t, "/ingest", "application/octet-stream", []byte{1, 2, 3})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "decode", out["kind"])

	resp, _ = r.post(t, "/ingest", "text/plain", []byte("hello"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	_, _ = r.postJSON(t, "/config", map[string]any{"maxPayloadBytes": 8})
	resp, _ = r.post(t, "/ingest", "image/png", solidPNG(t, 4, 4, red))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp, _ = r.get(t, "/ingest")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	snap := r.st.Stats.Snapshot()
	assert.Equal(t, uint64(3), snap.FramesReceived)
	assert.Equal(t, uint64(1), snap.ErrorCounts[apperr.KindTooLarge])
}

func TestIngestDataURIBody(t *testing.T) {
	r := newTestRelay(t)

	resp, out := r.post(t, "/ingest", "text/plain", []byte(dataURI(solidPNG(t, 5, 3, red))))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))

	var frame map[string]any
	require.NoError(t, json.Unmarshal(out, &frame))
	assert.Equal(t, "png", frame["format"])
	assert.Equal(t, float64(5), frame["width"])
	assert.Equal(t, float64(1), frame["seq"])
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRelay(t)

	req, err := http.NewRequest(http.MethodOptions, r.ts.URL+"/config", nil)
	require.NoError(t, err)
	resp, _ := r.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIndexAndNotFound(t *testing.T) {
	r := newTestRelay(t)

	resp, body := r.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/stream.mjpeg")

	resp, _ = r.get(t, "/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRelay(t)
	r.get(t, "/frame.png")

	resp, body := r.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "frame_relay_frame_requests_total 1")
	assert.Contains(t, string(body), "frame_relay_placeholder_served_total 1")
}
