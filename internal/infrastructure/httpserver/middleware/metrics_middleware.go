package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

// MetricsMiddleware holds the Prometheus metrics
type MetricsMiddleware struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetricsMiddleware creates a new metrics middleware instance. requestsTotal
// is labelled by method, endpoint, status and keyed; requestDuration by method
// and endpoint.
func NewMetricsMiddleware(requestsTotal *prometheus.CounterVec, requestDuration *prometheus.HistogramVec) *MetricsMiddleware {
	return &MetricsMiddleware{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
	}
}

// CollectHTTPMetrics creates middleware that collects HTTP request metrics
func (m *MetricsMiddleware) CollectHTTPMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			path := c.Path()
			if path == "" {
				path = req.URL.Path
			}
			status := strconv.Itoa(c.Response().Status)
			_, keyed := idempotencyKeyFrom(req)

			m.requestsTotal.WithLabelValues(req.Method, path, status, strconv.FormatBool(keyed && !idempotency.IsIdempotentMethod(req.Method))).Inc()
			m.requestDuration.WithLabelValues(req.Method, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
