package lookup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts external lookups by source and outcome.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the lookup metrics on the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return &Metrics{}
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medallion",
		Name:      "lookup_requests_total",
		Help:      "External reference-data requests by source and outcome.",
	}, []string{"source", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "medallion",
		Name:      "lookup_duration_seconds",
		Help:      "Latency of external reference-data requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	reg.MustRegister(requests, duration)
	return &Metrics{requests: requests, duration: duration}
}

func (m *Metrics) observe(source, outcome string, d time.Duration) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(source, outcome).Inc()
	m.duration.WithLabelValues(source).Observe(d.Seconds())
}
