package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/ports"
)

// MiddlewareCollection holds all middleware instances
type MiddlewareCollection struct {
	Logging     *LoggingMiddleware
	Metrics     *MetricsMiddleware
	Idempotency *IdempotencyMiddleware
}

// NewMiddlewareCollection creates a new collection of all middleware
func NewMiddlewareCollection(
	backend ports.IdempotencyBackend,
	logger *logrus.Logger,
	requestsTotal *prometheus.CounterVec,
	requestDuration *prometheus.HistogramVec,
	idempotencyOpts ...IdempotencyOption,
) *MiddlewareCollection {
	return &MiddlewareCollection{
		Logging:     NewLoggingMiddleware(logger),
		Metrics:     NewMetricsMiddleware(requestsTotal, requestDuration),
		Idempotency: NewIdempotencyMiddleware(backend, logger, idempotencyOpts...),
	}
}
