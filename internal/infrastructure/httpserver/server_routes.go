package httpserver

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/metrics", s.metricsEndpoint)

	api := s.echo.Group("/v1")
	api.Use(s.middleware.Idempotency.Handler())

	api.POST("/transfers", s.createTransfer)
	api.GET("/transfers/:id", s.getTransfer)
	api.POST("/transfers/:id/receipt", s.sendReceipt)
}
