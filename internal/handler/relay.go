package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"console-proxy/internal/model"
	"console-proxy/internal/service"
)

// Caller-visible error messages.
const (
	msgMissingAuthorization = "Authorization header is required"
	msgInternalError        = "Internal server error"
)

// redactions strip credentials and e-mail addresses from error messages before logging.
var redactions = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`), "${1}[REDACTED]"},
	{regexp.MustCompile(`(/users/)[^/\s"?]*(@|%40)[^/\s"?]*`), "${1}[REDACTED]"},
}

// RelayHandler serves the proxied console routes.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Route returns an Echo handler that relays requests for route to the backend
// and writes the backend's JSON answer back.
func (h *RelayHandler) Route(route model.Route) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()

		rr := &model.RelayRequest{
			Ctx:       req.Context(),
			Header:    req.Header,
			Params:    pathParams(c),
			RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		}
		if route.ForwardBody {
			rr.Body = req.Body
		}

		res, err := h.service.Relay(route, rr)
		if err != nil {
			return h.mapError(c, route, err)
		}

		return c.JSONBlob(res.StatusCode, res.Body)
	}
}

func (h *RelayHandler) mapError(c echo.Context, route model.Route, err error) error {
	if errors.Is(err, service.ErrMissingAuthorization) {
		h.logger.Debug("request without credential rejected", "route", route.Name)
		return c.JSON(http.StatusUnauthorized, map[string]string{
			"error": msgMissingAuthorization,
		})
	}

	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"route", route.Name,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	)

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": msgInternalError,
	})
}

// pathParams returns the route's path parameters, percent-decoded exactly once.
// Echo routes on URL.RawPath when the request carries one, so only then are
// the values still escaped. Otherwise they come from the decoded URL.Path.
func pathParams(c echo.Context) map[string]string {
	names := c.ParamNames()
	if len(names) == 0 {
		return nil
	}

	escaped := c.Request().URL.RawPath != ""
	params := make(map[string]string, len(names))
	for _, name := range names {
		v := c.Param(name)
		if escaped {
			if decoded, err := url.PathUnescape(v); err == nil {
				v = decoded
			}
		}
		params[name] = v
	}
	return params
}

// sanitizeError redacts bearer tokens and e-mail path segments from error messages.
func sanitizeError(err error) string {
	msg := err.Error()
	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.repl)
	}
	return msg
}
