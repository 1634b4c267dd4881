package handler

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"cnb-proxy-go/internal/metrics"
	"cnb-proxy-go/internal/model"
	"cnb-proxy-go/internal/service"
)

// streamChunkSize bounds how much of an upstream body is buffered before a flush.
const streamChunkSize = 32 * 1024

// Platform is what the hosting server lends the proxy: the client address and
// scheme it resolved and a way to serve requests the proxy declines.
type Platform interface {
	ClientIP(c echo.Context) string
	Scheme(c echo.Context) string
	Serve(c echo.Context) error
}

// ProxyHandler is the entry point for every request on the proxy listener.
type ProxyHandler struct {
	service  *service.ProxyService
	platform Platform
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(svc *service.ProxyService, platform Platform, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		platform: platform,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle answers preflights, forwards everything else through the proxy
// service, and hands deferred requests to the platform.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// Preflights are answered for any path, before routing.
	if req.Method == http.MethodOptions {
		service.ApplyPreflight(c.Response().Header())
		h.settle(c, metrics.OutcomePreflight, "")
		return c.NoContent(http.StatusNoContent)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		EscapedPath:   req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		Scheme:        h.platform.Scheme(c),
		ClientIP:      h.platform.ClientIP(c),
	}

	out := h.service.Forward(pr)
	if out.Deferred() {
		h.logger.Debug("deferring to platform", "reason", out.Reason, "path", req.URL.Path)
		h.settle(c, metrics.OutcomeDeferred, string(out.Reason))
		return h.platform.Serve(c)
	}

	if len(out.LoginCookies) > 0 {
		h.logger.Debug("login cookies issued",
			"path", req.URL.Path,
			"names", slices.Sorted(maps.Keys(out.LoginCookies)),
		)
	}

	h.settle(c, metrics.OutcomeProxied, "")
	return h.write(c, out.Response)
}

func (h *ProxyHandler) settle(c echo.Context, outcome, reason string) {
	c.Set(model.OutcomeKey, outcome)
	if reason != "" {
		c.Set(model.DeferReasonKey, reason)
	}
	h.metrics.ObserveOutcome(outcome, reason)
}

// write streams resp to the client, flushing after every chunk so event
// streams reach the client as they are produced.
func (h *ProxyHandler) write(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	// Upstream headers replace anything middleware set under the same key.
	dst := res.Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	res.WriteHeader(resp.StatusCode)

	// Once the status line is out the only thing left to do on failure is
	// log; the client sees a truncated body.
	if err := copyFlushing(res, resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func copyFlushing(w *echo.Response, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return err
			}
			w.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
