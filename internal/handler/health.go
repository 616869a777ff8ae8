package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"console-proxy/internal/config"
	"console-proxy/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness probe and the proxy status document.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	routes  []routeStatus
}

type routeStatus struct {
	Name        string `json:"name"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	RequireAuth bool   `json:"require_auth"`
}

type statusResponse struct {
	Status     string        `json:"status"`
	Version    string        `json:"version"`
	BackendURL string        `json:"backend_url"`
	Routes     []routeStatus `json:"routes"`
}

// NewHealthHandler creates a HealthHandler describing the relay routes in model.Routes.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	routes := make([]routeStatus, 0, len(model.Routes))
	for _, r := range model.Routes {
		routes = append(routes, routeStatus{
			Name:        r.Name,
			Method:      r.Method,
			Path:        r.Path,
			RequireAuth: r.RequireAuth,
		})
	}
	return &HealthHandler{cfg: cfg, version: v, routes: routes}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, the backend the proxy relays to and the
// relay routes it serves.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		BackendURL: h.cfg.Backend.BaseURL,
		Routes:     h.routes,
	})
}
