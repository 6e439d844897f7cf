package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/domain/idempotency"
)

type LoggingMiddleware struct {
	logger *logrus.Logger
}

func NewLoggingMiddleware(logger *logrus.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) RequestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m.logger == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			fields := logrus.Fields{
				"method":   c.Request().Method,
				"path":     c.Path(),
				"status":   c.Response().Status,
				"duration": time.Since(start).String(),
			}
			if key := c.Request().Header.Get(idempotency.HeaderIdempotencyKey); key != "" {
				fields["idempotency_key"] = key
			} else if key := c.Request().Header.Get(idempotency.HeaderXIdempotencyKey); key != "" {
				fields["idempotency_key"] = key
			}
			entry := m.logger.WithFields(fields)
			if err != nil {
				entry.WithError(err).Debug("request failed")
			} else {
				entry.Debug("request handled")
			}
			return err
		}
	}
}
