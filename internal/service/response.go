package service

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// loginCookieNames are the cookies captured from /login/ responses.
var loginCookieNames = map[string]bool{
	sessionCookieName: true,
	"csrfkey":         true,
}

// framingHeaders would stop the caller from embedding proxied content.
var framingHeaders = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
}

// transformResponseHeader returns the client-facing header set for an
// upstream response. The upstream header map is left untouched.
func transformResponseHeader(status int, upstream http.Header, x *exchange) (http.Header, error) {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}
	ApplyCORS(h)
	for _, name := range framingHeaders {
		h.Del(name)
	}
	if err := rewriteLocation(status, h, x); err != nil {
		return nil, err
	}
	return h, nil
}

// rewriteLocation maps a redirect within the upstream back under the
// proxy's origin and matched prefix. Redirects to other origins pass through.
func rewriteLocation(status int, h http.Header, x *exchange) error {
	if status < 300 || status >= 400 {
		return nil
	}
	location := h.Get("Location")
	if location == "" {
		return nil
	}

	redirect, err := resolveRedirectURL(x.target, location)
	if err != nil {
		return fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	if origin(redirect) != origin(x.route.Base) {
		return nil
	}

	path := redirect.EscapedPath()
	if path == "" {
		path = "/"
	}
	rewritten := x.proxyOrigin() + x.route.Prefix + path
	if redirect.RawQuery != "" {
		rewritten += "?" + redirect.RawQuery
	}
	h.Set("Location", rewritten)
	return nil
}

// resolveRedirectURL resolves an absolute, protocol-relative or relative
// Location against the request URL.
func resolveRedirectURL(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	if loc.IsAbs() {
		return loc, nil
	}
	return base.ResolveReference(loc), nil
}

// origin renders scheme://host[:port] with the scheme's default port elided.
func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

// extractLoginCookies reads the leading name=value pair of each Set-Cookie
// value and keeps CNBSESSION and csrfkey.
func extractLoginCookies(setCookies []string) map[string]string {
	cookies := make(map[string]string)
	for _, raw := range setCookies {
		pair, _, _ := strings.Cut(raw, ";")
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if loginCookieNames[name] {
			cookies[name] = strings.TrimSpace(value)
		}
	}
	return cookies
}
