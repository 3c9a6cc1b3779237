package follower

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the follower's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	entries       *prometheus.CounterVec
	contentTypes  *prometheus.CounterVec
	chunkDuration prometheus.Histogram
	chunkFailures prometheus.Counter
	indexLatest   prometheus.Gauge
	logLatest     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "entries_total",
			Help:      "Log entries processed, by outcome",
		}, []string{"outcome"}),

		contentTypes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "content_types_total",
			Help:      "Indexed messages by content type",
		}, []string{"type"}),

		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "chunk_duration_seconds",
			Help:      "Time spent applying and committing one chunk",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		chunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "chunk_failures_total",
			Help:      "Chunks rolled back after a storage error",
		}),

		indexLatest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "index_latest_position",
			Help:      "Highest log position applied to the index",
		}),

		logLatest: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ssb_archive",
			Subsystem: "follower",
			Name:      "log_latest_position",
			Help:      "Highest position in the log at the last step",
		}),
	}

	reg.MustRegister(
		m.entries,
		m.contentTypes,
		m.chunkDuration,
		m.chunkFailures,
		m.indexLatest,
		m.logLatest,
	)
	return m
}

func (m *Metrics) observeChunk(res BatchResult, took time.Duration) {
	if m == nil {
		return
	}
	m.chunkDuration.Observe(took.Seconds())
	m.entries.WithLabelValues("applied").Add(float64(res.Applied))
	m.entries.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.entries.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	m.entries.WithLabelValues("decrypted").Add(float64(res.Decrypted))
	for typ, n := range res.ByType {
		m.contentTypes.WithLabelValues(typ).Add(float64(n))
	}
	if res.Committed {
		m.indexLatest.Set(float64(res.Last))
	}
}

func (m *Metrics) chunkFailed() {
	if m == nil {
		return
	}
	m.chunkFailures.Inc()
}

func (m *Metrics) setLogLatest(pos uint64) {
	if m == nil {
		return
	}
	m.logLatest.Set(float64(pos))
}
