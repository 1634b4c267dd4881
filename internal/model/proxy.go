// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request as seen at the proxy edge.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the decoded request path; EscapedPath is its wire form.
	Path        string
	EscapedPath string
	RawQuery    string
	Header      http.Header
	Body        io.ReadCloser
	// ContentLength follows http.Request semantics: -1 means unknown.
	ContentLength int64

	// Host and Scheme describe the client-facing origin.
	Host   string
	Scheme string
	// ClientIP is the address resolved by the serving platform. Empty when unknown.
	ClientIP string
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// DeferReason explains why the proxy handed a request back to the platform.
type DeferReason string

// Defer reasons.
const (
	DeferNoRoute        DeferReason = "no_route"
	DeferForbidden      DeferReason = "forbidden"
	DeferUpstreamError  DeferReason = "upstream_error"
	DeferTransformError DeferReason = "transform_error"
)

// Outcome is the result of one proxied exchange: either a response to send
// or a decision to let the platform serve the request itself.
type Outcome struct {
	Response *ProxyResponse
	Reason   DeferReason

	// LoginCookies holds the CNBSESSION and csrfkey values issued by the
	// upstream on /login/ paths. It never alters Response.
	LoginCookies map[string]string
}

// Respond returns an outcome that sends resp to the client.
func Respond(resp *ProxyResponse) Outcome {
	return Outcome{Response: resp}
}

// Defer returns an outcome that hands the request back to the platform.
func Defer(reason DeferReason) Outcome {
	return Outcome{Reason: reason}
}

// Deferred reports whether the platform should serve the request.
func (o Outcome) Deferred() bool {
	return o.Response == nil
}

// Echo context keys under which the proxy handler records how a request was
// settled, for request logging.
const (
	OutcomeKey     = "proxy_outcome"
	DeferReasonKey = "proxy_defer_reason"
)
