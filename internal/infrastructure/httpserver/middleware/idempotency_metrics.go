package middleware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/avatarctic/idempo/internal/core/ports"
)

// IdempotencyMetrics reports middleware outcomes to Prometheus.
type IdempotencyMetrics struct {
	servedFrom     *prometheus.CounterVec
	generatedBytes prometheus.Counter
	responseSize   prometheus.Histogram
}

var _ ports.IdempotencyMetrics = (*IdempotencyMetrics)(nil)

// NewIdempotencyMetrics creates the collectors and registers them with reg.
func NewIdempotencyMetrics(reg prometheus.Registerer) *IdempotencyMetrics {
	m := &IdempotencyMetrics{
		servedFrom: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idempo_responses_served_total",
				Help: "Responses handled by the idempotency middleware by origin",
			},
			[]string{"from"},
		),
		generatedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idempo_response_generated_bytes_total",
			Help: "Total size of serialized responses written to the store",
		}),
		responseSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idempo_response_size_bytes",
			Help:    "Size of serialized responses written to the store",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.servedFrom, m.generatedBytes, m.responseSize)
	}
	return m
}

func (m *IdempotencyMetrics) ResponseServed(from string) {
	m.servedFrom.WithLabelValues(from).Inc()
}

func (m *IdempotencyMetrics) ResponseGenerated(sizeBytes int) {
	m.generatedBytes.Add(float64(sizeBytes))
	m.responseSize.Observe(float64(sizeBytes))
}

type noopMetrics struct{}

func (noopMetrics) ResponseServed(string) {}
func (noopMetrics) ResponseGenerated(int) {}
