package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: INFO, Output: &buf})

	l.Debug("Session", "hidden %d", 1)
	l.Info("Session", "frame %d stored", 42)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] [Session] frame 42 stored")
}

func TestColorOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: DEBUG, Output: &buf, UseColor: true})

	l.Warn("", "slow")
	assert.Contains(t, buf.String(), levelColors[WARN]+"[WARN]"+resetColor+" slow")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: DEBUG, Output: &buf, Format: FormatJSON})

	l.Error("Transcoder", "encode failed: %s", "webp")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "Transcoder", entry["module"])
	assert.Equal(t, "encode failed: webp", entry["msg"])
}

func TestSilent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: SILENT, Output: &buf})
	l.Error("X", "nothing")
	assert.Empty(t, buf.String())
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: ERROR, Output: &buf})
	l.Info("X", "dropped")
	l.SetLevel(DEBUG)
	l.Debug("X", "kept")

	assert.Equal(t, DEBUG, l.GetLevel())
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestStdLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Options{Level: DEBUG, Output: &buf})

	l.StdLogger("HTTP", WARN).Println("http: TLS handshake error")
	out := buf.String()
	assert.Contains(t, out, "[WARN] [HTTP] http: TLS handshake error")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warning": WARN,
		"error":   ERROR,
		"none":    SILENT,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
