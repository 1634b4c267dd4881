package handler

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cnb-proxy-go/internal/config"
)

// Fallback is the Platform of a standalone deployment: deferred requests go
// to a configured origin, a static directory, or a plain 404.
type Fallback struct {
	serve          echo.HandlerFunc
	trustForwarded bool
}

// NewFallback builds the deferred-request handler from cfg.Fallback.
func NewFallback(cfg *config.Config, logger *slog.Logger) (*Fallback, error) {
	fb := cfg.Fallback
	trust := cfg.Server.TrustForwardedFor
	switch fallbackKind(fb) {
	case "origin":
		u, err := url.Parse(fb.Origin)
		if err != nil {
			return nil, fmt.Errorf("fallback origin: %w", err)
		}
		balancer := echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{{Name: "platform", URL: u}})
		proxy := echomw.ProxyWithConfig(echomw.ProxyConfig{Balancer: balancer})
		logger.Info("platform fallback", "kind", "origin", "origin", u.String())
		return &Fallback{serve: proxy(echo.NotFoundHandler), trustForwarded: trust}, nil

	case "static":
		static := echomw.StaticWithConfig(echomw.StaticConfig{Root: fb.StaticRoot})
		logger.Info("platform fallback", "kind", "static", "root", fb.StaticRoot)
		return &Fallback{serve: static(echo.NotFoundHandler), trustForwarded: trust}, nil
	}

	logger.Info("platform fallback", "kind", "none")
	return &Fallback{serve: echo.NotFoundHandler, trustForwarded: trust}, nil
}

// ClientIP returns the address resolved by the server's IP extractor.
func (f *Fallback) ClientIP(c echo.Context) string {
	return c.RealIP()
}

// Scheme returns the scheme the client used. X-Forwarded-Proto and friends
// are honored only when forwarded headers are trusted.
func (f *Fallback) Scheme(c echo.Context) string {
	if f.trustForwarded {
		return c.Scheme()
	}
	if c.Request().TLS != nil {
		return "https"
	}
	return "http"
}

// Serve hands the request to the platform.
func (f *Fallback) Serve(c echo.Context) error {
	return f.serve(c)
}

// fallbackKind names the configured fallback: origin, static or none.
func fallbackKind(fb config.FallbackConfig) string {
	switch {
	case fb.Origin != "":
		return "origin"
	case fb.StaticRoot != "":
		return "static"
	}
	return "none"
}
