// Package ingest accepts producer frames and runs them through
// classify, normalize, transcode and store.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dj-oyu/frame-relay/internal/apperr"
	"github.com/dj-oyu/frame-relay/internal/logger"
	"github.com/dj-oyu/frame-relay/internal/metrics"
	"github.com/dj-oyu/frame-relay/internal/payload"
	"github.com/dj-oyu/frame-relay/internal/state"
	"github.com/dj-oyu/frame-relay/internal/transcode"
	"github.com/dj-oyu/frame-relay/pkg/types"
)

// Pipeline is shared by every producer. Classification and normalization run
// on the caller's goroutine; codec work is bounded by a weighted semaphore
// with at most one dispatched job waiting behind it.
type Pipeline struct {
	ctx        context.Context
	st         *state.State
	transcoder *transcode.Transcoder
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending *job // newest job waiting for a codec slot
	waiting bool // a drainPending goroutine is parked on sem
}

// NewPipeline creates a pipeline. ctx bounds waiting for a codec slot; a
// transcode that already holds one always runs to completion. m may be nil.
func NewPipeline(ctx context.Context, st *state.State, tc *transcode.Transcoder, m *metrics.Metrics, maxConcurrent int) *Pipeline {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pipeline{
		ctx:        ctx,
		st:         st,
		transcoder: tc,
		metrics:    m,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// job is a normalized frame plus the settings captured when it arrived.
type job struct {
	data    []byte
	format  types.Format
	quality int
}

// Ingest processes one message synchronously and returns the stored frame.
func (p *Pipeline) Ingest(ctx context.Context, raw types.RawMessage) (*types.EncodedFrame, error) {
	j, err := p.prepare(raw)
	if err != nil {
		return nil, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "ingest", "canceled waiting for transcoder", err)
	}
	defer p.sem.Release(1)

	return p.transcode(j)
}

// Dispatch validates raw on the caller's goroutine and transcodes it in the
// background. It returns the preparation error, if any; transcode outcomes
// are reported through statistics only.
//
// When every codec slot is busy the job goes to a single pending slot. A
// newer job replaces one that has not started, and the replaced job is
// counted as dropped. Running transcodes are never interrupted.
func (p *Pipeline) Dispatch(raw types.RawMessage) error {
	j, err := p.prepare(raw)
	if err != nil {
		return err
	}

	// Fails while a waiter is parked, so a fresh job cannot overtake it.
	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			_, _ = p.transcode(j)
		}()
		return nil
	}

	p.mu.Lock()
	if p.pending != nil {
		p.st.Stats.FrameDropped()
		logger.Debug("Pipeline", "Replaced pending frame (%dB) with a newer one", len(p.pending.data))
	}
	p.pending = &j
	start := !p.waiting
	p.waiting = true
	p.mu.Unlock()

	if start {
		p.wg.Add(1)
		go p.drainPending()
	}
	return nil
}

// drainPending waits for a codec slot and runs whatever job is pending at
// that moment.
func (p *Pipeline) drainPending() {
	defer p.wg.Done()

	err := p.sem.Acquire(p.ctx, 1)

	p.mu.Lock()
	j := p.pending
	p.pending = nil
	p.waiting = false
	p.mu.Unlock()

	if err != nil {
		if j != nil {
			p.st.Stats.FrameDropped()
		}
		logger.Debug("Pipeline", "Dropped pending frame on shutdown: %v", err)
		return
	}
	defer p.sem.Release(1)

	if j != nil {
		_, _ = p.transcode(*j)
	}
}

// Pending reports whether a job is waiting for a codec slot.
func (p *Pipeline) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// Convert re-encodes a stored frame for a reader at the current quality. It
// shares the codec bound with ingest.
func (p *Pipeline) Convert(ctx context.Context, frame *types.EncodedFrame, target types.Format) (*types.EncodedFrame, error) {
	if frame.Format == target {
		return frame, nil
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "convert", "canceled waiting for transcoder", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	out, err := p.transcoder.Convert(frame, target, p.st.Settings.Quality())
	if p.metrics != nil {
		p.metrics.ObserveTranscode(string(target), time.Since(start))
	}
	return out, err
}

// Placeholder returns the empty-store image for format.
func (p *Pipeline) Placeholder(format types.Format) *types.EncodedFrame {
	return p.transcoder.Placeholder(format)
}

// Wait blocks until every dispatched transcode has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) prepare(raw types.RawMessage) (job, error) {
	stats := p.st.Stats
	stats.MessageReceived()

	limit := p.st.Settings.MaxPayloadBytes()
	if int64(len(raw.Data)) > limit {
		err := apperr.New(apperr.KindTooLarge, "ingest",
			fmt.Sprintf("payload too large: %d bytes (limit %d)", len(raw.Data), limit))
		p.fail(err)
		return job{}, err
	}
	stats.AddBytes(len(raw.Data))

	classified := payload.Classify(raw)
	data, err := payload.Normalize(classified, int(limit))
	if err != nil {
		p.fail(err)
		return job{}, err
	}

	return job{
		data:    data,
		format:  p.st.Settings.OutputFormat(),
		quality: p.st.Settings.Quality(),
	}, nil
}

func (p *Pipeline) transcode(j job) (*types.EncodedFrame, error) {
	start := time.Now()
	frame, err := p.transcoder.Transcode(j.data, j.format, j.quality)
	if p.metrics != nil {
		p.metrics.ObserveTranscode(string(j.format), time.Since(start))
	}
	if err != nil {
		p.fail(err)
		return nil, err
	}

	stored := p.st.Store.Put(frame)
	p.st.Stats.FrameStored(stored)
	logger.Debug("Pipeline", "Stored frame #%d: %s %dB -> %s %dB (%dx%d) in %v",
		stored.Seq, stored.SourceFormat, stored.SourceSize, stored.Format, stored.Size,
		stored.Width, stored.Height, time.Since(start))
	return stored, nil
}

func (p *Pipeline) fail(err error) {
	p.st.Stats.FrameFailed(err)
	logger.Warn("Pipeline", "Frame rejected (%s): %v", apperr.KindOf(err), err)
}
