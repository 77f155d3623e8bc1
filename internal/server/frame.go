package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// FallbackHeader marks a response that carries the stored frame in its own
// format because re-encoding to the requested one failed.
const FallbackHeader = "X-Frame-Fallback"

func (s *Server) frameHandler(format types.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
			return
		}
		s.metrics.FrameRequests.Add(1)

		frame, fallback := s.frameFor(format)
		writeFrame(w, r, frame, fallback)
	}
}

// frameFor returns the current frame in format. It never fails: an empty
// store yields a placeholder, and a failed re-encode yields the stored frame
// with fallback set.
func (s *Server) frameFor(format types.Format) (frame *types.EncodedFrame, fallback bool) {
	cur := s.st.Store.Get()
	if cur == nil {
		s.metrics.PlaceholderHits.Add(1)
		return s.pipeline.Placeholder(format), false
	}
	if cur.Format == format {
		return cur, false
	}
	if v := s.st.Store.Variant(format); v != nil {
		s.metrics.VariantHits.Add(1)
		return v, false
	}
	s.metrics.VariantMisses.Add(1)

	key := fmt.Sprintf("%d/%s", cur.Seq, format)
	v, err, _ := s.variants.Do(key, func() (any, error) {
		out, err := s.pipeline.Convert(s.root, cur, format)
		if err != nil {
			return nil, err
		}
		s.st.Store.AddVariant(out)
		return out, nil
	})
	if err != nil {
		s.st.Stats.CountError(apperr.KindOf(err))
		s.metrics.FallbackServed.Add(1)
		logger.Warn("Frames", "Serving frame #%d as %s, conversion to %s failed: %v", cur.Seq, cur.Format, format, err)
		return cur, true
	}
	return v.(*types.EncodedFrame), false
}

func writeFrame(w http.ResponseWriter, r *http.Request, frame *types.EncodedFrame, fallback bool) {
	etag := fmt.Sprintf(`"%d-%s"`, frame.Seq, frame.Format)

	h := w.Header()
	h.Set("Content-Type", frame.Format.MIMEType())
	h.Set("Cache-Control", "no-store")
	h.Set("ETag", etag)
	h.Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	if fallback {
		h.Set(FallbackHeader, "true")
	}

	if frame.Seq != 0 && r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(frame.Data)
}
