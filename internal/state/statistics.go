package state

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Frame status strings that are not derived from a frame.
const (
	StatusWaiting = "waiting for frames"
	StatusCleared = "cleared"
)

type frameStatus struct {
	text string
	at   time.Time
}

// Statistics tracks relay activity. Every counter is its own atomic.
type Statistics struct {
	framesReceived   atomic.Uint64
	bytesReceived    atomic.Uint64
	framesStored     atomic.Uint64
	framesDropped    atomic.Uint64
	connectedClients atomic.Int64
	totalConnections atomic.Uint64

	// Fixed at construction, values mutated atomically.
	errorCounts map[apperr.Kind]*atomic.Uint64

	status atomic.Pointer[frameStatus]
}

// NewStatistics returns zeroed statistics.
func NewStatistics() *Statistics {
	s := &Statistics{
		errorCounts: make(map[apperr.Kind]*atomic.Uint64, len(apperr.Kinds)+1),
	}
	for _, k := range apperr.Kinds {
		s.errorCounts[k] = new(atomic.Uint64)
	}
	s.errorCounts[apperr.KindUnknown] = new(atomic.Uint64)
	s.status.Store(&frameStatus{text: StatusWaiting})
	return s
}

// MessageReceived counts one producer message.
func (s *Statistics) MessageReceived() {
	s.framesReceived.Add(1)
}

// AddBytes counts accepted payload bytes.
func (s *Statistics) AddBytes(n int) {
	if n > 0 {
		s.bytesReceived.Add(uint64(n))
	}
}

// FrameStored records a successful ingest of frame.
func (s *Statistics) FrameStored(frame *types.EncodedFrame) {
	s.framesStored.Add(1)
	s.setStatus(fmt.Sprintf("ok: %s %dB -> %s %dB",
		frame.SourceFormat, frame.SourceSize, frame.Format, frame.Size))
}

// FrameDropped counts a job superseded by a newer frame before it reached
// the codec.
func (s *Statistics) FrameDropped() {
	s.framesDropped.Add(1)
}

// FrameFailed counts err under its kind and makes it the last frame status.
func (s *Statistics) FrameFailed(err error) {
	s.CountError(apperr.KindOf(err))
	s.setStatus("error: " + err.Error())
}

// CountError bumps a kind's counter without touching the frame status.
func (s *Statistics) CountError(kind apperr.Kind) {
	c, ok := s.errorCounts[kind]
	if !ok {
		c = s.errorCounts[apperr.KindUnknown]
	}
	c.Add(1)
}

func (s *Statistics) ClientConnected() {
	s.connectedClients.Add(1)
	s.totalConnections.Add(1)
}

func (s *Statistics) ClientDisconnected() {
	s.connectedClients.Add(-1)
}

// ConnectedClients returns the current producer count.
func (s *Statistics) ConnectedClients() int64 {
	return s.connectedClients.Load()
}

// FramesReceived returns the message count since the last clear.
func (s *Statistics) FramesReceived() uint64 {
	return s.framesReceived.Load()
}

// Clear resets the frame, drop and byte counters and the frame status. Error
// counters and connection gauges are kept.
func (s *Statistics) Clear() {
	s.framesReceived.Store(0)
	s.bytesReceived.Store(0)
	s.framesStored.Store(0)
	s.framesDropped.Store(0)
	s.status.Store(&frameStatus{text: StatusCleared, at: time.Now()})
}

// Reset zeroes everything, including error counters.
func (s *Statistics) Reset() {
	s.Clear()
	for _, c := range s.errorCounts {
		c.Store(0)
	}
	s.totalConnections.Store(0)
	s.status.Store(&frameStatus{text: StatusWaiting})
}

func (s *Statistics) setStatus(text string) {
	s.status.Store(&frameStatus{text: text, at: time.Now()})
}

// Snapshot is a point-in-time copy of Statistics. Fields are read one by
// one, so counters may be off by in-flight updates.
type Snapshot struct {
	FramesReceived   uint64
	BytesReceived    uint64
	FramesStored     uint64
	FramesDropped    uint64
	ConnectedClients int64
	TotalConnections uint64
	ConnectionErrors uint64
	ErrorCounts      map[apperr.Kind]uint64
	LastFrameStatus  string
	LastFrameAt      time.Time
}

// Errors sums every error kind.
func (s Snapshot) Errors() uint64 {
	var total uint64
	for _, n := range s.ErrorCounts {
		total += n
	}
	return total
}

// DataMB is BytesReceived in MiB.
func (s Snapshot) DataMB() float64 {
	return float64(s.BytesReceived) / (1024 * 1024)
}

func (s *Statistics) Snapshot() Snapshot {
	counts := make(map[apperr.Kind]uint64, len(s.errorCounts))
	for k, c := range s.errorCounts {
		counts[k] = c.Load()
	}
	st := s.status.Load()
	return Snapshot{
		FramesReceived:   s.framesReceived.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		FramesStored:     s.framesStored.Load(),
		FramesDropped:    s.framesDropped.Load(),
		ConnectedClients: s.connectedClients.Load(),
		TotalConnections: s.totalConnections.Load(),
		ConnectionErrors: counts[apperr.KindTransport],
		ErrorCounts:      counts,
		LastFrameStatus:  st.text,
		LastFrameAt:      st.at,
	}
}
