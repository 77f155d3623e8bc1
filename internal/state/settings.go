package state

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/dj-oyu/frame-relay/internal/transcode"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Quality bounds accepted at runtime.
const (
	MinQuality = transcode.MinQuality
	MaxQuality = transcode.MaxQuality
)

// ServerConfig is the runtime-mutable part of the configuration.
type ServerConfig struct {
	OutputFormat    types.Format `json:"outputFormat"`
	Quality         int          `json:"quality"`
	MaxPayloadBytes int64        `json:"maxPayloadBytes"`
}

// Settings holds ServerConfig as independent atomics. Each field is read and
// written whole; there is no cross-field transaction.
type Settings struct {
	format     atomic.Value // types.Format
	quality    atomic.Int64
	maxPayload atomic.Int64

	// ceiling bounds maxPayloadBytes; 0 means unbounded.
	ceiling int64
}

// NewSettings returns settings initialised to cfg. ceiling is the largest
// accepted maxPayloadBytes (normally the transport read limit).
func NewSettings(cfg ServerConfig, ceiling int64) *Settings {
	s := &Settings{ceiling: ceiling}
	s.Set(cfg)
	return s
}

// Set stores cfg without validation.
func (s *Settings) Set(cfg ServerConfig) {
	s.format.Store(cfg.OutputFormat)
	s.quality.Store(int64(cfg.Quality))
	s.maxPayload.Store(cfg.MaxPayloadBytes)
}

func (s *Settings) OutputFormat() types.Format {
	return s.format.Load().(types.Format)
}

func (s *Settings) Quality() int {
	return int(s.quality.Load())
}

func (s *Settings) MaxPayloadBytes() int64 {
	return s.maxPayload.Load()
}

// Snapshot reads every field. Fields may come from different writers.
func (s *Settings) Snapshot() ServerConfig {
	return ServerConfig{
		OutputFormat:    s.OutputFormat(),
		Quality:         s.Quality(),
		MaxPayloadBytes: s.MaxPayloadBytes(),
	}
}

// Apply merges a decoded JSON object. Each recognised field is validated on
// its own: valid values are stored, invalid ones are skipped and reported in
// rejected. Unknown keys are ignored. The returned config is the effective
// one after the merge.
func (s *Settings) Apply(fields map[string]any) (effective ServerConfig, rejected []string) {
	if v, ok := fields["outputFormat"]; ok {
		if err := s.applyFormat(v); err != nil {
			rejected = append(rejected, err.Error())
		}
	}
	if v, ok := fields["quality"]; ok {
		if err := s.applyQuality(v); err != nil {
			rejected = append(rejected, err.Error())
		}
	}
	if v, ok := fields["maxPayloadBytes"]; ok {
		if err := s.applyMaxPayload(v); err != nil {
			rejected = append(rejected, err.Error())
		}
	}
	sort.Strings(rejected)
	return s.Snapshot(), rejected
}

func (s *Settings) applyFormat(v any) error {
	name, ok := v.(string)
	if !ok {
		return fmt.Errorf("outputFormat: expected string, got %T", v)
	}
	f, err := types.ParseFormat(name)
	if err != nil {
		return fmt.Errorf("outputFormat: %w", err)
	}
	s.format.Store(f)
	return nil
}

func (s *Settings) applyQuality(v any) error {
	n, ok := integral(v)
	if !ok {
		return fmt.Errorf("quality: expected integer, got %v", v)
	}
	if n < MinQuality || n > MaxQuality {
		return fmt.Errorf("quality: %d out of range [%d,%d]", n, MinQuality, MaxQuality)
	}
	s.quality.Store(n)
	return nil
}

func (s *Settings) applyMaxPayload(v any) error {
	n, ok := integral(v)
	if !ok {
		return fmt.Errorf("maxPayloadBytes: expected integer, got %v", v)
	}
	if n <= 0 {
		return fmt.Errorf("maxPayloadBytes: must be positive, got %d", n)
	}
	if s.ceiling > 0 && n > s.ceiling {
		return fmt.Errorf("maxPayloadBytes: %d exceeds limit %d", n, s.ceiling)
	}
	s.maxPayload.Store(n)
	return nil
}

// integral accepts JSON numbers (float64 from encoding/json) and Go ints
// that hold a whole value.
func integral(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}
