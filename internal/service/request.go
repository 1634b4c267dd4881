package service

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cnb-proxy-go/internal/model"
)

const (
	sessionCookieName      = "CNBSESSION"
	placeholderAuth        = "Bearer undefined"
	webJSONMediaType       = "application/vnd.cnb.web+json"
	platformClientIPHeader = "X-Nf-Client-Connection-Ip"
)

// exchange is what the request and response rules know about one proxied call.
type exchange struct {
	req    *model.ProxyRequest
	route  Route
	target *url.URL
}

func newExchange(req *model.ProxyRequest, route Route) *exchange {
	return &exchange{req: req, route: route, target: buildTarget(route, req)}
}

// proxyOrigin is the client-facing origin, e.g. "https://proxy.example".
func (x *exchange) proxyOrigin() string {
	return strings.TrimSuffix(x.req.Scheme, ":") + "://" + x.req.Host
}

// buildTarget joins the upstream base with the path left after removing the
// matched prefix. The query string is copied without re-encoding.
func buildTarget(route Route, req *model.ProxyRequest) *url.URL {
	path, rawPath := req.Path, req.EscapedPath
	if route.Prefix != "" {
		path = strings.TrimPrefix(path, route.Prefix)
		rawPath = strings.TrimPrefix(rawPath, route.Prefix)
	}

	u := *route.Base
	u.Path = route.Base.Path + path
	// url.URL ignores RawPath when it is not a valid encoding of Path.
	u.RawPath = route.Base.EscapedPath() + rawPath
	u.RawQuery = req.RawQuery
	return &u
}

// headerRule rewrites one aspect of the outbound request headers.
type headerRule func(h http.Header, x *exchange)

// requestRules run in order on a copy of the inbound headers.
var requestRules = []headerRule{
	translateSession,
	dropPlaceholderAuth,
	markSameOrigin,
	forceWebAccept,
	setForwardedHeaders,
	rewriteReferer,
}

// transformRequestHeader returns the outbound header set. The inbound
// header map is left untouched.
func transformRequestHeader(x *exchange) http.Header {
	h := x.req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, rule := range requestRules {
		rule(h, x)
	}
	return h
}

// translateSession appends the custom session header to Cookie as the
// upstream's native session cookie. The session header itself is kept.
func translateSession(h http.Header, _ *exchange) {
	session := h.Get("Session")
	if session == "" {
		return
	}
	cookie := sessionCookieName + "=" + session
	if existing := h.Values("Cookie"); len(existing) > 0 {
		cookie = strings.Join(existing, "; ") + "; " + cookie
	}
	h.Set("Cookie", cookie)
}

// dropPlaceholderAuth removes an Authorization header carrying an unset token.
func dropPlaceholderAuth(h http.Header, _ *exchange) {
	if h.Get("Authorization") == placeholderAuth {
		h.Del("Authorization")
	}
}

func markSameOrigin(h http.Header, _ *exchange) {
	h.Set("Sec-Fetch-Site", "same-origin")
}

// forceWebAccept pins the media type for endpoints whose upstream response
// shape depends on it.
func forceWebAccept(h http.Header, x *exchange) {
	if x.req.Path == "/user" || isLoginPath(x.req.Path) {
		h.Set("Accept", webJSONMediaType)
	}
}

func setForwardedHeaders(h http.Header, x *exchange) {
	ip := x.req.ClientIP
	if ip == "" {
		ip = h.Get(platformClientIPHeader)
	}
	h.Set("X-Forwarded-For", ip)
	h.Set("X-Forwarded-Host", x.req.Host)
	h.Set("X-Forwarded-Proto", strings.TrimSuffix(x.req.Scheme, ":"))
}

// rewriteReferer points Referer at the upstream-equivalent location.
// http.Header keys are canonical, so this also covers "referer".
func rewriteReferer(h http.Header, x *exchange) {
	h.Set("Referer", x.target.String())
}

func isLoginPath(path string) bool {
	return strings.HasPrefix(path, "/login/")
}

// buildOutbound creates the upstream request. The inbound body is handed
// over unread.
func buildOutbound(x *exchange) (*http.Request, error) {
	body := x.req.Body
	if body == nil {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(x.req.Ctx, x.req.Method, x.target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody && x.req.ContentLength > 0 {
		out.ContentLength = x.req.ContentLength
	}
	out.Header = transformRequestHeader(x)
	out.Host = x.target.Host
	return out, nil
}
