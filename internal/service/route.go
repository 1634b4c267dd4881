package service

import (
	"fmt"
	"net/url"
	"strings"
)

// Upstream names, also used as metric label values.
const (
	UpstreamAPI = "api"
	UpstreamWeb = "web"
)

// apiPrefix is stripped from paths forwarded to the API upstream.
const apiPrefix = "/api"

// Route is the routing decision for one request path. When Base is nil the
// request is not proxied. Prefix is the literal path prefix removed before
// forwarding; empty means the whole path is forwarded unchanged.
type Route struct {
	Upstream string
	Base     *url.URL
	Prefix   string
}

// Matched reports whether the route selects an upstream.
func (r Route) Matched() bool {
	return r.Base != nil
}

// Router maps request paths onto the API and web upstreams.
type Router struct {
	api *url.URL
	web *url.URL
}

// NewRouter parses both upstream base URLs. Trailing slashes on the base
// path are dropped so that base + path never doubles a slash.
func NewRouter(apiBase, webBase string) (*Router, error) {
	api, err := parseBase(apiBase)
	if err != nil {
		return nil, fmt.Errorf("parse api upstream: %w", err)
	}
	web, err := parseBase(webBase)
	if err != nil {
		return nil, fmt.Errorf("parse web upstream: %w", err)
	}
	return &Router{api: api, web: web}, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute URL", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Match classifies path. The API prefix is checked first and only matches
// on a segment boundary, so "/apixyz" falls through to the web upstream.
// The root path is left to the platform.
func (r *Router) Match(path string) Route {
	switch {
	case path == apiPrefix || strings.HasPrefix(path, apiPrefix+"/"):
		return Route{Upstream: UpstreamAPI, Base: r.api, Prefix: apiPrefix}
	case path != "/":
		return Route{Upstream: UpstreamWeb, Base: r.web, Prefix: ""}
	default:
		return Route{}
	}
}
