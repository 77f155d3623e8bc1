package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/frame-relay/internal/state"
)

// Metrics exposes relay state to Prometheus. Most values are read from
// state.Statistics at scrape time; the fields below are relay-only counters
// that have no place in the JSON stats.
type Metrics struct {
	// Pull-side counters
	FrameRequests   atomic.Uint64
	VariantHits     atomic.Uint64
	VariantMisses   atomic.Uint64
	FallbackServed  atomic.Uint64
	PlaceholderHits atomic.Uint64

	// Push-side counters
	ViewerFramesSent atomic.Uint64

	TranscodeSeconds *prometheus.HistogramVec

	st       *state.State
	registry *prometheus.Registry
}

// New creates a Metrics instance reading from st.
func New(st *state.State) *Metrics {
	m := &Metrics{
		st:       st,
		registry: prometheus.NewRegistry(),
		TranscodeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "frame_relay_transcode_seconds",
				Help:    "Time spent decoding and encoding one frame",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"format"},
		),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	stats := m.st.Stats

	// Ingest metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_frames_received",
			Help: "Producer messages received since the last clear",
		},
		func() float64 { return float64(stats.Snapshot().FramesReceived) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_bytes_received",
			Help: "Accepted payload bytes since the last clear",
		},
		func() float64 { return float64(stats.Snapshot().BytesReceived) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_frames_stored",
			Help: "Frames transcoded and stored since the last clear",
		},
		func() float64 { return float64(stats.Snapshot().FramesStored) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_frames_dropped",
			Help: "Pending frames replaced by a newer one before transcoding, since the last clear",
		},
		func() float64 { return float64(stats.Snapshot().FramesDropped) },
	))

	// Client metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_connected_producers",
			Help: "Producer sockets currently connected",
		},
		func() float64 { return float64(stats.ConnectedClients()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_push_subscribers",
			Help: "MJPEG and WebSocket viewers attached to the store",
		},
		func() float64 { return float64(m.st.Store.Subscribers()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_push_skipped_total",
			Help: "Frames not pushed because a subscriber was behind",
		},
		func() float64 { return float64(m.st.Store.Skipped()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_viewer_frames_sent_total",
			Help: "Frames written to push viewers",
		},
		func() float64 { return float64(m.ViewerFramesSent.Load()) },
	))

	// Store metrics
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_frame_bytes",
			Help: "Size of the stored frame (0 when empty)",
		},
		func() float64 {
			if f := m.st.Store.Get(); f != nil {
				return float64(f.Size)
			}
			return 0
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "frame_relay_frame_age_seconds",
			Help: "Age of the stored frame (0 when empty)",
		},
		func() float64 {
			if f := m.st.Store.Get(); f != nil {
				return time.Since(f.CreatedAt).Seconds()
			}
			return 0
		},
	))

	// Pull metrics
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_frame_requests_total",
			Help: "Frame endpoint requests",
		},
		func() float64 { return float64(m.FrameRequests.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_variant_hits_total",
			Help: "Frame requests served from the variant cache",
		},
		func() float64 { return float64(m.VariantHits.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_variant_misses_total",
			Help: "Frame requests that needed a re-encode",
		},
		func() float64 { return float64(m.VariantMisses.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_fallback_served_total",
			Help: "Frame requests answered with the stored bytes after a failed re-encode",
		},
		func() float64 { return float64(m.FallbackServed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "frame_relay_placeholder_served_total",
			Help: "Frame requests answered with a placeholder",
		},
		func() float64 { return float64(m.PlaceholderHits.Load()) },
	))

	// Error metrics
	m.registry.MustRegister(&errorCollector{stats: stats})

	m.registry.MustRegister(m.TranscodeSeconds)
}

// ObserveTranscode records one codec run for format.
func (m *Metrics) ObserveTranscode(format string, d time.Duration) {
	m.TranscodeSeconds.WithLabelValues(format).Observe(d.Seconds())
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var errorsDesc = prometheus.NewDesc(
	"frame_relay_errors_total",
	"Errors by kind since startup",
	[]string{"kind"}, nil,
)

// errorCollector reports the cumulative per-kind error counters kept in
// state.Statistics, so JSON stats and Prometheus never disagree.
type errorCollector struct {
	stats *state.Statistics
}

func (c *errorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- errorsDesc
}

func (c *errorCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, n := range c.stats.Snapshot().ErrorCounts {
		ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(n), string(kind))
	}
}
