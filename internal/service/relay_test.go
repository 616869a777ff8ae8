package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"console-proxy/internal/client"
	"console-proxy/internal/config"
	"console-proxy/internal/metrics"
	"console-proxy/internal/model"
)

// capturedRequest is what the fake backend saw.
type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// fakeBackend answers every request with a fixed status and body and records what it received.
type fakeBackend struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []capturedRequest
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	b.mu.Lock()
	b.requests = append(b.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	status, payload := b.status, b.body
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, payload)
}

func (b *fakeBackend) respond(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status, b.body = status, body
}

func (b *fakeBackend) received() []capturedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]capturedRequest(nil), b.requests...)
}

var _ = Describe("RelayService", func() {
	var (
		backend  *fakeBackend
		upstream *httptest.Server
		cfg      *config.Config
		m        *metrics.Metrics
		svc      *RelayService
	)

	newService := func() *RelayService {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		c := client.NewBackendClient(cfg, logger, m)
		s, err := NewRelayService(c, cfg, logger, m)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	outcome := func(route model.Route, name string) float64 {
		return testutil.ToFloat64(m.RelayOutcomes.WithLabelValues(route.Name, name))
	}

	BeforeEach(func() {
		backend = &fakeBackend{status: http.StatusOK, body: `{}`}
		upstream = httptest.NewServer(backend)
		cfg = &config.Config{
			Backend: config.BackendConfig{
				BaseURL:          upstream.URL,
				TimeoutSeconds:   5,
				IdleConnections:  4,
				MaxResponseBytes: 1024,
			},
		}
		m = metrics.New(metrics.DefaultPath)
		svc = newService()
	})

	AfterEach(func() {
		upstream.Close()
	})

	Describe("authorization precondition", func() {
		DescribeTable("rejects auth-required routes without contacting the backend",
			func(route model.Route, body io.Reader) {
				res, err := svc.Relay(route, &model.RelayRequest{
					Ctx:    context.Background(),
					Header: http.Header{},
					Body:   body,
				})

				Expect(err).To(MatchError(ErrMissingAuthorization))
				Expect(res).To(BeNil())
				Expect(backend.received()).To(BeEmpty())
				Expect(outcome(route, "unauthorized")).To(Equal(1.0))
			},
			Entry("delete member", model.DeleteMemberRoute, strings.NewReader(`{"memberId":"123"}`)),
			Entry("delete member with malformed body", model.DeleteMemberRoute, strings.NewReader(`{oops`)),
			Entry("current user", model.CurrentUserRoute, nil),
		)

		It("treats an empty Authorization value as missing", func() {
			_, err := svc.Relay(model.CurrentUserRoute, &model.RelayRequest{
				Ctx:    context.Background(),
				Header: http.Header{"Authorization": {""}},
			})
			Expect(err).To(MatchError(ErrMissingAuthorization))
			Expect(backend.received()).To(BeEmpty())
		})

		It("does not require authorization on the user lookup route", func() {
			backend.respond(http.StatusOK, `{"id":"u1","email":"someone@example.com"}`)

			res, err := svc.Relay(model.UserByEmailRoute, &model.RelayRequest{
				Ctx:    context.Background(),
				Header: http.Header{},
				Params: map[string]string{"email": "someone@example.com"},
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(model.ResultSuccess))
			Expect(backend.received()).To(HaveLen(1))
			Expect(backend.received()[0].Header.Get("Authorization")).To(BeEmpty())
		})
	})

	Describe("delete member", func() {
		It("forwards the compacted body and credential and relays the backend answer", func() {
			backend.respond(http.StatusOK, `{"success": true}`)

			res, err := svc.Relay(model.DeleteMemberRoute, &model.RelayRequest{
				Ctx:       context.Background(),
				Header:    http.Header{"Authorization": {"Bearer token-123"}},
				Body:      strings.NewReader(`{ "memberId": "123" }`),
				RequestID: "req-1",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(model.ResultSuccess))
			Expect(res.StatusCode).To(Equal(http.StatusOK))
			Expect(res.Body).To(MatchJSON(`{"success":true}`))

			reqs := backend.received()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].Method).To(Equal(http.MethodPost))
			Expect(reqs[0].Path).To(Equal("/api/v1/members/delete-member"))
			Expect(reqs[0].Body).To(Equal(`{"memberId":"123"}`))
			Expect(reqs[0].Header.Get("Authorization")).To(Equal("Bearer token-123"))
			Expect(reqs[0].Header.Get("Accept")).To(Equal("application/json"))
			Expect(reqs[0].Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(reqs[0].Header.Get("User-Agent")).To(Equal(userAgent))
			Expect(reqs[0].Header.Get("X-Request-Id")).To(Equal("req-1"))

			Expect(outcome(model.DeleteMemberRoute, "success")).To(Equal(1.0))
		})

		DescribeTable("fails without contacting the backend on a malformed body",
			func(body io.Reader) {
				_, err := svc.Relay(model.DeleteMemberRoute, &model.RelayRequest{
					Ctx:    context.Background(),
					Header: http.Header{"Authorization": {"Bearer t"}},
					Body:   body,
				})

				Expect(err).To(MatchError(ErrMalformedRequestBody))
				Expect(backend.received()).To(BeEmpty())
				Expect(outcome(model.DeleteMemberRoute, "failure")).To(Equal(1.0))
			},
			Entry("truncated object", strings.NewReader(`{"memberId":`)),
			Entry("empty body", strings.NewReader(``)),
			Entry("no body", nil),
			Entry("two values", strings.NewReader(`{}{}`)),
		)
	})

	Describe("current user", func() {
		It("sends a bodiless GET with the credential", func() {
			backend.respond(http.StatusOK, `{"user":{"id":"u1"}}`)

			res, err := svc.Relay(model.CurrentUserRoute, &model.RelayRequest{
				Ctx:    context.Background(),
				Header: http.Header{"Authorization": {"Bearer abc"}},
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Body).To(MatchJSON(`{"user":{"id":"u1"}}`))

			reqs := backend.received()
			Expect(reqs).To(HaveLen(1))
			Expect(reqs[0].Method).To(Equal(http.MethodGet))
			Expect(reqs[0].Path).To(Equal("/api/v1/users/me"))
			Expect(reqs[0].Body).To(BeEmpty())
			Expect(reqs[0].Header.Get("Content-Type")).To(BeEmpty())
			Expect(reqs[0].Header.Get("Accept")).To(Equal("application/json"))
		})
	})

	Describe("backend answers", func() {
		relayLookup := func(email string) (*model.RelayResult, error) {
			return svc.Relay(model.UserByEmailRoute, &model.RelayRequest{
				Ctx:    context.Background(),
				Header: http.Header{},
				Params: map[string]string{"email": email},
			})
		}

		It("passes a 404 through unchanged", func() {
			backend.respond(http.StatusNotFound, `{"error":"not found"}`)

			res, err := relayLookup("unknown@example.com")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(model.ResultBackendError))
			Expect(res.StatusCode).To(Equal(http.StatusNotFound))
			Expect(res.Body).To(MatchJSON(`{"error":"not found"}`))
			Expect(backend.received()[0].Path).To(Equal("/api/v1/users/unknown@example.com"))
			Expect(outcome(model.UserByEmailRoute, "backend_error")).To(Equal(1.0))
		})

		DescribeTable("relays non-2xx statuses verbatim",
			func(status int) {
				backend.respond(status, `{"detail":"backend says no"}`)

				res, err := relayLookup("a@example.com")

				Expect(err).NotTo(HaveOccurred())
				Expect(res.Kind).To(Equal(model.ResultBackendError))
				Expect(res.StatusCode).To(Equal(status))
				Expect(res.Body).To(MatchJSON(`{"detail":"backend says no"}`))
			},
			Entry("400", http.StatusBadRequest),
			Entry("401", http.StatusUnauthorized),
			Entry("403", http.StatusForbidden),
			Entry("422", http.StatusUnprocessableEntity),
			Entry("500", http.StatusInternalServerError),
			Entry("503", http.StatusServiceUnavailable),
		)

		It("relays any 2xx as 200", func() {
			backend.respond(http.StatusCreated, `{"created":true}`)

			res, err := relayLookup("a@example.com")

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(model.ResultSuccess))
			Expect(res.StatusCode).To(Equal(http.StatusOK))
			Expect(res.Body).To(MatchJSON(`{"created":true}`))
		})

		It("escapes the path parameter", func() {
			_, err := relayLookup("a/b?c@example.com")

			Expect(err).NotTo(HaveOccurred())
			Expect(backend.received()[0].Path).To(Equal("/api/v1/users/a/b?c@example.com"))
		})

		DescribeTable("fails on a body that is not JSON",
			func(status int, body string) {
				backend.respond(status, body)

				_, err := relayLookup("a@example.com")

				Expect(err).To(MatchError(ErrMalformedResponse))
				Expect(outcome(model.UserByEmailRoute, "failure")).To(Equal(1.0))
			},
			Entry("HTML on 200", http.StatusOK, `<html>oops</html>`),
			Entry("HTML on 502", http.StatusBadGateway, `<html>bad gateway</html>`),
			Entry("empty body", http.StatusOK, ``),
			Entry("truncated JSON", http.StatusOK, `{"id":`),
		)

		It("fails when the backend body exceeds the size limit", func() {
			backend.respond(http.StatusOK, `{"data":"`+strings.Repeat("x", 2048)+`"}`)

			_, err := relayLookup("a@example.com")

			Expect(err).To(MatchError(ErrResponseTooLarge))
		})

		It("wraps transport failures", func() {
			upstream.Close()

			res, err := relayLookup("a@example.com")

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("forward to backend"))
			Expect(res).To(BeNil())
			Expect(outcome(model.UserByEmailRoute, "failure")).To(Equal(1.0))
		})

		It("fails when the caller context is already canceled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := svc.Relay(model.UserByEmailRoute, &model.RelayRequest{
				Ctx:    ctx,
				Header: http.Header{},
				Params: map[string]string{"email": "a@example.com"},
			})

			Expect(err).To(MatchError(context.Canceled))
		})
	})

	Describe("buildUpstreamURL", func() {
		DescribeTable("joins the base URL and the route path",
			func(base, path string, params map[string]string, want string) {
				cfg.Backend.BaseURL = base
				s := newService()
				Expect(s.buildUpstreamURL(path, params)).To(Equal(want))
			},
			Entry("plain base", "http://backend:8000", "/api/v1/users/me", nil,
				"http://backend:8000/api/v1/users/me"),
			Entry("trailing slash on base", "http://backend:8000/", "/api/v1/users/me", nil,
				"http://backend:8000/api/v1/users/me"),
			Entry("base with path prefix", "https://api.example.com/core", "/api/v1/members/delete-member", nil,
				"https://api.example.com/core/api/v1/members/delete-member"),
			Entry("email parameter", "http://backend", "/api/v1/users/:email",
				map[string]string{"email": "unknown@example.com"},
				"http://backend/api/v1/users/unknown@example.com"),
			Entry("parameter with reserved characters", "http://backend", "/api/v1/users/:email",
				map[string]string{"email": "a/b?c d@example.com"},
				"http://backend/api/v1/users/a%2Fb%3Fc%20d@example.com"),
		)
	})

	Describe("NewRelayService", func() {
		It("rejects a relative base URL", func() {
			cfg.Backend.BaseURL = "/relative"
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			_, err := NewRelayService(client.NewBackendClient(cfg, logger, nil), cfg, logger, nil)
			Expect(err).To(HaveOccurred())
		})

		It("works without metrics", func() {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			s, err := NewRelayService(client.NewBackendClient(cfg, logger, nil), cfg, logger, nil)
			Expect(err).NotTo(HaveOccurred())

			res, err := s.Relay(model.CurrentUserRoute, &model.RelayRequest{
				Header: http.Header{"Authorization": {"Bearer abc"}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Kind).To(Equal(model.ResultSuccess))
		})
	})
})
