// Package service implements the relay between the console's API routes and
// the backend REST API.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"console-proxy/internal/client"
	"console-proxy/internal/config"
	"console-proxy/internal/metrics"
	"console-proxy/internal/model"
)

var (
	// ErrMissingAuthorization is returned when an auth-required route is called without an Authorization header.
	ErrMissingAuthorization = errors.New("authorization header is required")

	// ErrMalformedRequestBody is returned when a body-carrying route receives something other than one JSON value.
	ErrMalformedRequestBody = errors.New("request body is not valid JSON")

	// ErrMalformedResponse is returned when the backend answers with a body that is not JSON.
	ErrMalformedResponse = errors.New("backend response is not valid JSON")

	// ErrResponseTooLarge is returned when the backend body exceeds backend.max_response_bytes.
	ErrResponseTooLarge = errors.New("backend response exceeds size limit")
)

const userAgent = "console-proxy/1.0"

// Outcome label values for the relay outcome counter.
const (
	outcomeUnauthorized = "unauthorized"
	outcomeFailure      = "failure"
)

// RelayService forwards route requests to the backend and classifies the answer.
type RelayService struct {
	client  *client.BackendClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL string
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend base_url %q must be an absolute URL", cfg.Backend.BaseURL)
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
		baseURL: strings.TrimRight(u.String(), "/"),
	}, nil
}

// Relay sends req to the backend endpoint described by route.
//
// A backend answer with a JSON body always yields a RelayResult: 2xx answers
// become ResultSuccess with status 200, anything else ResultBackendError with
// the backend's own status. ErrMissingAuthorization is returned before the
// backend is contacted; every other error is an infrastructure failure.
func (s *RelayService) Relay(route model.Route, req *model.RelayRequest) (*model.RelayResult, error) {
	res, err := s.relay(route, req)
	s.recordOutcome(route, res, err)
	return res, err
}

func (s *RelayService) relay(route model.Route, req *model.RelayRequest) (*model.RelayResult, error) {
	if route.RequireAuth && req.Header.Get("Authorization") == "" {
		return nil, ErrMissingAuthorization
	}

	var body io.Reader
	if route.ForwardBody {
		payload, err := compactJSON(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Debug("relaying request",
		"route", route.Name,
		"method", route.Method,
	)

	target := s.buildUpstreamURL(route.Path, req.Params)
	header := s.buildRequestHeader(req, route.ForwardBody)

	resp, err := s.client.Do(ctx, route.Method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := s.readResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &model.RelayResult{
			Kind:       model.ResultBackendError,
			StatusCode: resp.StatusCode,
			Body:       payload,
		}, nil
	}

	return &model.RelayResult{
		Kind:       model.ResultSuccess,
		StatusCode: http.StatusOK,
		Body:       payload,
	}, nil
}

// buildUpstreamURL appends path to the backend base URL, substituting each
// ":name" segment with the path-escaped parameter value.
func (s *RelayService) buildUpstreamURL(path string, params map[string]string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if name, ok := strings.CutPrefix(seg, ":"); ok {
			segments[i] = url.PathEscape(params[name])
		}
	}
	return s.baseURL + strings.Join(segments, "/")
}

func (s *RelayService) buildRequestHeader(req *model.RelayRequest, withBody bool) http.Header {
	dst := make(http.Header)
	dst.Set("Accept", "application/json")
	if withBody {
		dst.Set("Content-Type", "application/json")
	}
	if vals := req.Header.Values("Authorization"); len(vals) > 0 {
		dst["Authorization"] = vals
	}
	if req.RequestID != "" {
		dst.Set("X-Request-Id", req.RequestID)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *RelayService) readResponse(body io.Reader) (json.RawMessage, error) {
	limit := s.cfg.Backend.MaxResponseBytes
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrResponseTooLarge
	}

	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, ErrMalformedResponse
	}
	return json.RawMessage(data), nil
}

func (s *RelayService) recordOutcome(route model.Route, res *model.RelayResult, err error) {
	if s.metrics == nil {
		return
	}

	outcome := outcomeFailure
	switch {
	case errors.Is(err, ErrMissingAuthorization):
		outcome = outcomeUnauthorized
	case err == nil:
		outcome = res.Kind.String()
	}
	s.metrics.RelayOutcomes.WithLabelValues(route.Name, outcome).Inc()
}

// compactJSON reads exactly one JSON value from r and returns it re-serialized without insignificant whitespace.
func compactJSON(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, ErrMalformedRequestBody
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequestBody, err)
	}
	return buf.Bytes(), nil
}
