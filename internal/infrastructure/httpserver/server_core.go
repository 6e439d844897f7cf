package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/avatarctic/idempo/internal/core/ports"
	customMiddleware "github.com/avatarctic/idempo/internal/infrastructure/httpserver/middleware"
)

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
}

type ServerDeps struct {
	Backend            ports.IdempotencyBackend
	BackendName        string
	HealthCheckers     []ports.HealthChecker
	IdempotencyOptions []customMiddleware.IdempotencyOption
	// MetricsRegisterer receives the idempotency collectors; nil skips registration.
	MetricsRegisterer prometheus.Registerer
}

type Server struct {
	echo           *echo.Echo
	config         *ServerConfig
	logger         *logrus.Logger
	backendName    string
	middleware     *customMiddleware.MiddlewareCollection
	healthCheckers []ports.HealthChecker
	transfers      *transferLedger
}

func NewServer(serverConfig *ServerConfig, logger *logrus.Logger, deps ServerDeps) *Server {
	e := echo.New()
	e.HideBanner = true

	opts := append([]customMiddleware.IdempotencyOption{
		customMiddleware.WithMetrics(customMiddleware.NewIdempotencyMetrics(deps.MetricsRegisterer)),
	}, deps.IdempotencyOptions...)

	server := &Server{
		echo:           e,
		config:         serverConfig,
		logger:         logger,
		backendName:    deps.BackendName,
		healthCheckers: deps.HealthCheckers,
		transfers:      newTransferLedger(),
		middleware: customMiddleware.NewMiddlewareCollection(
			deps.Backend,
			logger,
			GetRequestsTotal(),
			GetRequestDuration(),
			opts...,
		),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}
