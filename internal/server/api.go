package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"runtime"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

const (
	protobufContentType = "application/x-protobuf"
	configBodyLimit     = 64 << 10
)

// statsPayload builds the /stats document. Values are limited to what
// structpb accepts so the same map serves JSON and protobuf.
func (s *Server) statsPayload() map[string]any {
	snap := s.st.Stats.Snapshot()
	cfg := s.st.Settings.Snapshot()

	errorCounts := make(map[string]any, len(snap.ErrorCounts))
	for kind, n := range snap.ErrorCounts {
		errorCounts[string(kind)] = n
	}

	var lastFrameAt any
	if !snap.LastFrameAt.IsZero() {
		lastFrameAt = snap.LastFrameAt.UTC().Format(time.RFC3339Nano)
	}

	frame := s.st.Store.Get()
	payload := map[string]any{
		"clients":          snap.ConnectedClients,
		"totalConnections": snap.TotalConnections,
		"frames":           snap.FramesReceived,
		"framesStored":     snap.FramesStored,
		"framesDropped":    snap.FramesDropped,
		"dataMB":           round(snap.DataMB(), 2),
		"type":             string(cfg.OutputFormat),
		"quality":          cfg.Quality,
		"uptime":           round(s.st.Uptime().Seconds(), 1),
		"errors":           snap.Errors(),
		"connectionErrors": snap.ConnectionErrors,
		"errorCounts":      errorCounts,
		"lastFrameStatus":  snap.LastFrameStatus,
		"lastFrameAt":      lastFrameAt,
		"hasFrame":         frame != nil,
		"viewers":          s.st.Store.Subscribers(),
	}
	if frame != nil {
		payload["frameSeq"] = frame.Seq
		payload["frameSize"] = frame.Size
		payload["frameWidth"] = frame.Width
		payload["frameHeight"] = frame.Height
	}
	return payload
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	payload := s.statsPayload()

	if !wantsProtobuf(r) {
		writeJSON(w, payload)
		return
	}

	msg, err := structpb.NewStruct(payload)
	if err == nil {
		var data []byte
		if data, err = proto.Marshal(msg); err == nil {
			w.Header().Set("Content-Type", protobufContentType)
			_, _ = w.Write(data)
			return
		}
	}
	logger.Error("Stats", "Protobuf encoding failed: %v", err)
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, protobufContentType) ||
		strings.Contains(accept, "application/protobuf")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	snap := s.st.Stats.Snapshot()
	writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime":   round(s.st.Uptime().Seconds(), 1),
		"clients":  snap.ConnectedClients,
		"frames":   snap.FramesReceived,
		"hasFrame": s.st.Store.Get() != nil,
		"memoryMB": round(s.memoryMB(), 1),
	})
}

// memoryMB is the process RSS, or the Go runtime's reservation when process
// stats are unavailable.
func (s *Server) memoryMB() float64 {
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			return float64(info.RSS) / (1024 * 1024)
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys) / (1024 * 1024)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, s.st.Settings.Snapshot())
		return
	}

	var fields map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, configBodyLimit)).Decode(&fields); err != nil {
		s.st.Stats.CountError(apperr.KindConfig)
		writeJSONWithStatus(w, map[string]any{"error": "invalid JSON: " + err.Error()}, http.StatusBadRequest)
		return
	}

	effective, rejected := s.st.Settings.Apply(fields)
	for _, reason := range rejected {
		s.st.Stats.CountError(apperr.KindConfig)
		logger.Warn("Config", "Ignored setting: %s", reason)
	}
	if len(rejected) < len(fields) {
		logger.Info("Config", "Settings now format=%s quality=%d maxPayload=%d",
			effective.OutputFormat, effective.Quality, effective.MaxPayloadBytes)
	}
	writeJSON(w, effective)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	s.st.Clear()
	logger.Info("Server", "Frame store cleared")
	writeJSON(w, map[string]any{"status": "cleared"})
}

// handleIngest accepts one frame per request body, for producers that cannot
// keep a socket open.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	body := io.Reader(r.Body)
	if s.opts.BodyLimit > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.BodyLimit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.st.Stats.MessageReceived()
			s.st.Stats.FrameFailed(apperr.New(apperr.KindTooLarge, "ingest", "request body too large"))
			writeJSONWithStatus(w, map[string]any{"error": "payload too large", "kind": apperr.KindTooLarge}, http.StatusRequestEntityTooLarge)
			return
		}
		s.st.Stats.CountError(apperr.KindTransport)
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "kind": apperr.KindTransport}, http.StatusBadRequest)
		return
	}

	raw := types.RawMessage{
		Text: strings.HasPrefix(r.Header.Get("Content-Type"), "text/"),
		Data: data,
	}
	frame, err := s.pipeline.Ingest(r.Context(), raw)
	if err != nil {
		kind := apperr.KindOf(err)
		status := http.StatusUnprocessableEntity
		switch kind {
		case apperr.KindTooLarge:
			status = http.StatusRequestEntityTooLarge
		case apperr.KindTransport:
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error(), "kind": kind}, status)
		return
	}

	writeJSON(w, map[string]any{
		"status": "ok",
		"seq":    frame.Seq,
		"format": frame.Format,
		"size":   frame.Size,
		"width":  frame.Width,
		"height": frame.Height,
	})
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
