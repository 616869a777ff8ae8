// Package model defines shared types for the proxy.
package model

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
)

// Route describes one proxied endpoint. Path uses Echo syntax (":name"
// segments) and is served inbound and requested from the backend alike.
type Route struct {
	Name        string
	Method      string
	Path        string
	RequireAuth bool
	ForwardBody bool
}

// RelayRequest is an inbound request to be relayed to the backend.
type RelayRequest struct {
	Ctx       context.Context
	Header    http.Header
	Body      io.Reader
	Params    map[string]string
	RequestID string
}

// ResultKind tells how the backend answered a relayed request.
type ResultKind int

const (
	// ResultSuccess means the backend answered 2xx with a JSON body.
	ResultSuccess ResultKind = iota
	// ResultBackendError means the backend answered outside 2xx with a JSON body.
	ResultBackendError
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultBackendError:
		return "backend_error"
	default:
		return "unknown"
	}
}

// RelayResult is the backend's answer, ready to be written to the caller.
// Infrastructure failures never produce a RelayResult; they are returned as errors.
type RelayResult struct {
	Kind       ResultKind
	StatusCode int
	Body       json.RawMessage
}

// ProxyResponse is the raw backend response. The caller owns Body.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
