// Package store holds the most recent encoded frame.
//
// The slot is a single atomic pointer: readers see either no frame or a
// complete one, and writers replace it wholesale. Nothing is queued. A fast
// producer overwrites, a slow reader gets whatever is current.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// subscriberBuffer frames per push subscriber before frames are skipped.
const subscriberBuffer = 2

// FrameStore is a single-slot frame cache with push fan-out.
type FrameStore struct {
	current atomic.Pointer[types.EncodedFrame]
	seq     atomic.Uint64

	mu       sync.Mutex
	clients  map[int]chan *types.EncodedFrame
	nextID   int
	closed   bool
	variants map[types.Format]*types.EncodedFrame
	skipped  atomic.Uint64
}

// New returns an empty store.
func New() *FrameStore {
	return &FrameStore{
		clients:  make(map[int]chan *types.EncodedFrame),
		variants: make(map[types.Format]*types.EncodedFrame),
	}
}

// Put replaces the held frame and pushes it to subscribers. The returned
// frame carries the assigned sequence number.
func (s *FrameStore) Put(frame *types.EncodedFrame) *types.EncodedFrame {
	stored := frame.WithSeq(s.seq.Add(1))
	s.current.Store(stored)
	s.broadcast(stored)
	return stored
}

// Get returns the held frame, or nil before the first Put or after Clear.
func (s *FrameStore) Get() *types.EncodedFrame {
	return s.current.Load()
}

// Seq returns the last assigned sequence number (0 before the first Put).
func (s *FrameStore) Seq() uint64 {
	return s.seq.Load()
}

// Clear empties the slot and drops cached variants. Clearing an empty store
// is a no-op.
func (s *FrameStore) Clear() {
	s.current.Store(nil)

	s.mu.Lock()
	clear(s.variants)
	s.mu.Unlock()
}

// Variant returns a cached re-encoding of the current frame, if any.
func (s *FrameStore) Variant(format types.Format) *types.EncodedFrame {
	cur := s.current.Load()
	if cur == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.variants[format]
	if !ok || v.Seq != cur.Seq {
		return nil
	}
	return v
}

// AddVariant caches v if it was derived from the current frame. Variants of
// a frame that has since been replaced are discarded.
func (s *FrameStore) AddVariant(v *types.EncodedFrame) {
	cur := s.current.Load()
	if cur == nil || v == nil || v.Seq != cur.Seq || v.Format == cur.Format {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for f, old := range s.variants {
		if old.Seq != cur.Seq {
			delete(s.variants, f)
		}
	}
	s.variants[v.Format] = v
}

// Subscribe adds a push client and returns a channel for receiving frames.
// The channel is closed by Unsubscribe or Close.
func (s *FrameStore) Subscribe() (int, <-chan *types.EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan *types.EncodedFrame, subscriberBuffer)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.clients[id] = ch

	logger.Debug("FrameStore", "Client #%d subscribed (total clients: %d)", id, len(s.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (s *FrameStore) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.clients[id]; ok {
		close(ch)
		delete(s.clients, id)
		logger.Debug("FrameStore", "Client #%d unsubscribed (remaining clients: %d)", id, len(s.clients))
	}
}

// Subscribers returns the number of push clients.
func (s *FrameStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Skipped returns how many pushes were skipped because a client was behind.
func (s *FrameStore) Skipped() uint64 {
	return s.skipped.Load()
}

// Close disconnects every subscriber. Put keeps working for pull readers.
func (s *FrameStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.clients {
		close(ch)
		delete(s.clients, id)
	}
}

func (s *FrameStore) broadcast(frame *types.EncodedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client too slow, skip this frame for this client
			s.skipped.Add(1)
		}
	}
}
