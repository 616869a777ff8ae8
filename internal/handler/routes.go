package handler

import (
	"github.com/labstack/echo/v4"

	"console-proxy/internal/config"
	"console-proxy/internal/metrics"
	"console-proxy/internal/model"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, route := range model.Routes {
		e.Add(route.Method, route.Path, relay.Route(route))
	}
}

// RegisterMetrics exposes the Prometheus registry on the configured path when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
}
