// Package state owns the process-wide relay state: the frame store, the
// statistics and the runtime settings. One State is created at startup and
// handed to every session and handler.
package state

import (
	"time"

	"github.com/dj-oyu/frame-relay/internal/store"
)

type State struct {
	Store    *store.FrameStore
	Stats    *Statistics
	Settings *Settings

	defaults ServerConfig
	started  time.Time
}

// New creates state with the given startup settings. payloadCeiling bounds
// runtime changes to MaxPayloadBytes (0 = unbounded).
func New(defaults ServerConfig, payloadCeiling int64) *State {
	return &State{
		Store:    store.New(),
		Stats:    NewStatistics(),
		Settings: NewSettings(defaults, payloadCeiling),
		defaults: defaults,
		started:  time.Now(),
	}
}

// Uptime since New.
func (s *State) Uptime() time.Duration {
	return time.Since(s.started)
}

// Clear empties the store and resets frame counters. Calling it twice is the
// same as calling it once.
func (s *State) Clear() {
	s.Store.Clear()
	s.Stats.Clear()
}

// Reset returns everything to startup values, error counters included.
func (s *State) Reset() {
	s.Store.Clear()
	s.Stats.Reset()
	s.Settings.Set(s.defaults)
}
