package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

const viewerWriteTimeout = 5 * time.Second

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statsPayload()); err != nil {
			logger.Debug("SSE", "Client disconnected during status write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// handleMJPEG pushes every stored frame as a JPEG part. When no frame arrives
// for a keepalive interval the current one (or a placeholder) is resent.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, frameCh := s.st.Store.Subscribe()
	defer s.st.Store.Unsubscribe(id)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	keepalive := time.NewTimer(0)
	defer keepalive.Stop()

	for {
		select {
		case _, ok := <-frameCh:
			if !ok {
				// Store closed, relay is shutting down
				return
			}
		case <-keepalive.C:
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return
		}

		// Always send the newest frame; a stale one from the channel may
		// already have been replaced.
		frame, _ := s.frameFor(types.FormatJPEG)
		if err := writeMJPEGPart(w, frame); err != nil {
			// Client disconnected
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()
		s.metrics.ViewerFramesSent.Add(1)

		keepalive.Reset(s.opts.MJPEGKeepalive)
	}
}

func writeMJPEGPart(w http.ResponseWriter, frame *types.EncodedFrame) error {
	header := fmt.Sprintf("--frame\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		frame.Format.MIMEType(), len(frame.Data))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// handleViewer pushes each new frame as one binary socket message. The
// format comes from ?format= and defaults to the configured output format.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	format := s.st.Settings.OutputFormat()
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := types.ParseFormat(q)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
			return
		}
		format = f
	}

	conn, err := s.viewers.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Viewer", "Handshake failed from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	id, frameCh := s.st.Store.Subscribe()
	defer s.st.Store.Unsubscribe(id)
	logger.Info("Viewer", "Viewer #%d connected from %s (%s)", id, r.RemoteAddr, format)

	// Viewers send nothing; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func() error {
		frame, _ := s.frameFor(format)
		_ = conn.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
			return err
		}
		s.metrics.ViewerFramesSent.Add(1)
		return nil
	}

	if s.st.Store.Get() != nil {
		if err := send(); err != nil {
			return
		}
	}

	for {
		select {
		case _, ok := <-frameCh:
			if !ok {
				closeViewer(conn, websocket.CloseGoingAway, "relay shutting down")
				return
			}
			if err := send(); err != nil {
				logger.Debug("Viewer", "Viewer #%d write failed: %v", id, err)
				return
			}
		case <-gone:
			logger.Info("Viewer", "Viewer #%d disconnected", id)
			return
		case <-s.ctx.Done():
			closeViewer(conn, websocket.CloseGoingAway, "relay shutting down")
			return
		}
	}
}

func closeViewer(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
