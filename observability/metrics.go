package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is a
// valid no-op, so instrumentation never becomes a hard dependency.
type Metrics struct {
	chunksSynthesized *prometheus.CounterVec
	synthesisErrors   *prometheus.CounterVec
	pcmBytesStreamed  prometheus.Counter
	firstAudioLatency prometheus.Histogram
	activeTurns       prometheus.Gauge
}

// NewMetrics registers the pipeline instruments on reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunksSynthesized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tts",
			Name:      "chunks_synthesized_total",
			Help:      "Chunks successfully synthesized, by provider.",
		}, []string{"provider"}),
		synthesisErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tts",
			Name:      "synthesis_errors_total",
			Help:      "Synthesis failures, by provider and error kind.",
		}, []string{"provider", "kind"}),
		pcmBytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tts",
			Name:      "pcm_bytes_streamed_total",
			Help:      "Raw PCM bytes received from streaming synthesis.",
		}),
		firstAudioLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tts",
			Name:      "first_audio_latency_seconds",
			Help:      "Time from first routed chunk to first audible output.",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tts",
			Name:      "active_turns",
			Help:      "Whether a speaking turn is currently active.",
		}),
	}
	reg.MustRegister(m.chunksSynthesized, m.synthesisErrors, m.pcmBytesStreamed,
		m.firstAudioLatency, m.activeTurns)
	return m
}

func (m *Metrics) ChunkSynthesized(provider string) {
	if m == nil {
		return
	}
	m.chunksSynthesized.WithLabelValues(provider).Inc()
}

func (m *Metrics) SynthesisError(provider, kind string) {
	if m == nil {
		return
	}
	m.synthesisErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) PCMBytes(n int) {
	if m == nil {
		return
	}
	m.pcmBytesStreamed.Add(float64(n))
}

func (m *Metrics) ObserveFirstAudioLatency(seconds float64) {
	if m == nil {
		return
	}
	m.firstAudioLatency.Observe(seconds)
}

func (m *Metrics) SetTurnActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeTurns.Set(1)
	} else {
		m.activeTurns.Set(0)
	}
}
