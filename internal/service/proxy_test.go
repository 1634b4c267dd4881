package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"cnb-proxy-go/internal/client"
	"cnb-proxy-go/internal/config"
	"cnb-proxy-go/internal/model"
)

func newTestService(t *testing.T, apiURL, webURL string) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			APIBaseURL:      apiURL,
			WebBaseURL:      webURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func newProxyRequest(method, target string, header http.Header, body io.ReadCloser) *model.ProxyRequest {
	u, _ := url.Parse(target)
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = http.NoBody
	}
	return &model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        method,
		Path:          u.Path,
		EscapedPath:   u.EscapedPath(),
		RawQuery:      u.RawQuery,
		Header:        header,
		Body:          body,
		ContentLength: -1,
		Host:          "proxy.example",
		Scheme:        "https",
		ClientIP:      "203.0.113.7",
	}
}

func closeOutcome(o model.Outcome) {
	if o.Response != nil {
		_ = o.Response.Body.Close()
	}
}

func TestForward_APIEndToEnd(t *testing.T) {
	var upstreamHost string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/42" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/users/42")
		}
		if got := r.Header.Get("Cookie"); got != "CNBSESSION=abc" {
			t.Errorf("Cookie = %q, want %q", got, "CNBSESSION=abc")
		}
		if r.Host != upstreamHost {
			t.Errorf("Host = %q, want %q", r.Host, upstreamHost)
		}
		if got := r.Header.Get("Sec-Fetch-Site"); got != "same-origin" {
			t.Errorf("Sec-Fetch-Site = %q, want %q", got, "same-origin")
		}
		if got := r.Header.Get("X-Forwarded-For"); got != "203.0.113.7" {
			t.Errorf("X-Forwarded-For = %q, want %q", got, "203.0.113.7")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer api.Close()
	upstreamHost = strings.TrimPrefix(api.URL, "http://")

	svc := newTestService(t, api.URL, "https://cnb.invalid")
	out := svc.Forward(newProxyRequest(http.MethodGet, "/api/users/42", http.Header{"Session": {"abc"}}, nil))
	defer closeOutcome(out)

	if out.Deferred() {
		t.Fatalf("Forward() deferred with reason %q, want a response", out.Reason)
	}
	resp := out.Response
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := resp.Header.Get("Content-Security-Policy"); got != "" {
		t.Errorf("Content-Security-Policy = %q, want removed", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "" {
		t.Errorf("X-Frame-Options = %q, want removed", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id":42}` {
		t.Errorf("body = %q, want %q", body, `{"id":42}`)
	}
	if out.LoginCookies != nil {
		t.Errorf("LoginCookies = %v, want nil outside /login/", out.LoginCookies)
	}
}

func TestForward_RootDefersWithoutDispatch(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, upstream.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/", nil, nil))

	if !out.Deferred() || out.Reason != model.DeferNoRoute {
		t.Errorf("Forward(/) = %+v, want Defer(%q)", out, model.DeferNoRoute)
	}
	if calls.Load() != 0 {
		t.Errorf("upstream called %d times, want 0", calls.Load())
	}
}

func TestForward_ForbiddenDefers(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<h1>forbidden</h1>"))
	}))
	defer web.Close()

	svc := newTestService(t, "https://api.invalid", web.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/org/private", nil, nil))

	if !out.Deferred() {
		closeOutcome(out)
		t.Fatal("Forward() returned a response for upstream 403, want defer")
	}
	if out.Reason != model.DeferForbidden {
		t.Errorf("Reason = %q, want %q", out.Reason, model.DeferForbidden)
	}
}

func TestForward_UpstreamErrorDefers(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1", "http://127.0.0.1:1")
	out := svc.Forward(newProxyRequest(http.MethodGet, "/api/x", nil, nil))

	if !out.Deferred() || out.Reason != model.DeferUpstreamError {
		closeOutcome(out)
		t.Errorf("Forward() = %+v, want Defer(%q)", out, model.DeferUpstreamError)
	}
}

// The transport rejects an unparseable Location before the redirect policy
// runs, so the exchange fails at dispatch.
func TestForward_MalformedRedirectDefers(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://[::1/broken")
		w.WriteHeader(http.StatusFound)
	}))
	defer api.Close()

	svc := newTestService(t, api.URL, api.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/api/x", nil, nil))

	if !out.Deferred() || out.Reason != model.DeferUpstreamError {
		closeOutcome(out)
		t.Errorf("Forward() = %+v, want Defer(%q)", out, model.DeferUpstreamError)
	}
}

func TestForward_ServerErrorsPassThrough(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError, http.StatusBadGateway} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer api.Close()

			svc := newTestService(t, api.URL, api.URL)
			out := svc.Forward(newProxyRequest(http.MethodGet, "/api/x", nil, nil))
			defer closeOutcome(out)

			if out.Deferred() {
				t.Fatalf("Forward() deferred (%q), want status %d passed through", out.Reason, status)
			}
			if out.Response.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", out.Response.StatusCode, status)
			}
		})
	}
}

func TestForward_SameOriginRedirectRewritten(t *testing.T) {
	var apiURL string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", apiURL+"/x/y?z=1")
		w.WriteHeader(http.StatusFound)
	}))
	defer api.Close()
	apiURL = api.URL

	svc := newTestService(t, api.URL, "https://cnb.invalid")
	out := svc.Forward(newProxyRequest(http.MethodGet, "/api/start", nil, nil))
	defer closeOutcome(out)

	if out.Deferred() {
		t.Fatalf("Forward() deferred (%q), want redirect response", out.Reason)
	}
	if out.Response.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", out.Response.StatusCode, http.StatusFound)
	}
	if got := out.Response.Header.Get("Location"); got != "https://proxy.example/api/x/y?z=1" {
		t.Errorf("Location = %q, want %q", got, "https://proxy.example/api/x/y?z=1")
	}
}

func TestForward_ThirdPartyRedirectUntouched(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://sso.example.org/authorize?client=cnb")
		w.WriteHeader(http.StatusFound)
	}))
	defer web.Close()

	svc := newTestService(t, "https://api.invalid", web.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/signin", nil, nil))
	defer closeOutcome(out)

	if out.Deferred() {
		t.Fatalf("Forward() deferred (%q), want redirect response", out.Reason)
	}
	if got := out.Response.Header.Get("Location"); got != "https://sso.example.org/authorize?client=cnb" {
		t.Errorf("Location = %q, want unchanged", got)
	}
}

func TestForward_LoginExtractsCookies(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/vnd.cnb.web+json" {
			t.Errorf("Accept = %q, want %q", got, "application/vnd.cnb.web+json")
		}
		w.Header().Add("Set-Cookie", "CNBSESSION=tok; Path=/")
		w.Header().Add("Set-Cookie", "csrfkey=xyz")
		w.Header().Add("Set-Cookie", "other=1")
		w.WriteHeader(http.StatusOK)
	}))
	defer web.Close()

	svc := newTestService(t, "https://api.invalid", web.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/login/wx_do_login", http.Header{"Accept": {"text/html"}}, nil))
	defer closeOutcome(out)

	if out.Deferred() {
		t.Fatalf("Forward() deferred (%q), want response", out.Reason)
	}
	want := map[string]string{"CNBSESSION": "tok", "csrfkey": "xyz"}
	if !reflect.DeepEqual(out.LoginCookies, want) {
		t.Errorf("LoginCookies = %v, want %v", out.LoginCookies, want)
	}
	if got := out.Response.Header.Values("Set-Cookie"); len(got) != 3 {
		t.Errorf("Set-Cookie = %q, want all three upstream cookies", got)
	}
}

func TestForward_StreamsBodyAndQuery(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %q, want PUT", r.Method)
		}
		if r.URL.RawQuery != "name=a%20b&x=1" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "name=a%20b&x=1")
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization = %q, want removed placeholder", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer api.Close()

	pr := newProxyRequest(http.MethodPut, "/api/files?name=a%20b&x=1",
		http.Header{"Authorization": {"Bearer undefined"}},
		io.NopCloser(strings.NewReader("file-contents")))

	svc := newTestService(t, api.URL, api.URL)
	out := svc.Forward(pr)
	defer closeOutcome(out)

	if out.Deferred() {
		t.Fatalf("Forward() deferred (%q), want response", out.Reason)
	}
	if out.Response.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", out.Response.StatusCode, http.StatusCreated)
	}
	body, _ := io.ReadAll(out.Response.Body)
	if string(body) != "file-contents" {
		t.Errorf("echoed body = %q, want %q", body, "file-contents")
	}
}

func TestForward_RefererDescribesUpstream(t *testing.T) {
	var apiURL string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := apiURL + "/repos?page=2"
		if got := r.Header.Get("Referer"); got != want {
			t.Errorf("Referer = %q, want %q", got, want)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer api.Close()
	apiURL = api.URL

	svc := newTestService(t, api.URL, api.URL)
	out := svc.Forward(newProxyRequest(http.MethodGet, "/api/repos?page=2",
		http.Header{"Referer": {"https://proxy.example/app"}}, nil))
	closeOutcome(out)
}

func TestNewProxyService_InvalidUpstream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{APIBaseURL: "not a url", WebBaseURL: "https://cnb.cool"},
	}
	if _, err := NewProxyService(nil, cfg, logger); err == nil {
		t.Fatal("NewProxyService() expected error for invalid upstream, got nil")
	}
}
