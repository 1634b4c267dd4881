// Package service implements the routing and rewriting core of the proxy.
package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"cnb-proxy-go/internal/client"
	"cnb-proxy-go/internal/config"
	"cnb-proxy-go/internal/model"
)

// ProxyService routes requests to the API or web upstream and rewrites
// both directions of the exchange.
type ProxyService struct {
	client *client.UpstreamClient
	router *Router
	logger *slog.Logger
}

// NewProxyService creates a ProxyService for the configured upstreams.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	router, err := NewRouter(cfg.Upstream.APIBaseURL, cfg.Upstream.WebBaseURL)
	if err != nil {
		return nil, fmt.Errorf("proxy service: %w", err)
	}

	return &ProxyService{
		client: c,
		router: router,
		logger: logger.With("component", "proxy_service"),
	}, nil
}

// Forward proxies pr and reports whether the client gets the upstream
// response or the platform should serve the request instead. Unmatched
// paths, upstream 403s and every dispatch or rewrite failure defer.
//
// On a Respond outcome the caller owns the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) model.Outcome {
	route := s.router.Match(pr.Path)
	if !route.Matched() {
		return model.Defer(model.DeferNoRoute)
	}

	x := newExchange(pr, route)
	out, err := buildOutbound(x)
	if err != nil {
		s.logger.Warn("building upstream request", "err", err, "path", pr.Path)
		return model.Defer(model.DeferTransformError)
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", route.Upstream,
	)

	resp, err := s.client.Do(route.Upstream, out)
	if err != nil {
		s.logger.Warn("upstream dispatch failed", "err", err, "path", pr.Path, "upstream", route.Upstream)
		return model.Defer(model.DeferUpstreamError)
	}

	// A 403 is left to the platform before any response rewriting happens.
	if resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		return model.Defer(model.DeferForbidden)
	}

	header, err := transformResponseHeader(resp.StatusCode, resp.Header, x)
	if err != nil {
		_ = resp.Body.Close()
		s.logger.Warn("rewriting upstream response", "err", err, "path", pr.Path)
		return model.Defer(model.DeferTransformError)
	}

	outcome := model.Respond(&model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	})
	if isLoginPath(pr.Path) {
		outcome.LoginCookies = extractLoginCookies(resp.Header.Values("Set-Cookie"))
	}
	return outcome
}
