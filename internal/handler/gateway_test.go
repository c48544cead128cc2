package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"flowrsvp-gateway/internal/client"
	"flowrsvp-gateway/internal/config"
	"flowrsvp-gateway/internal/origin"
	"flowrsvp-gateway/internal/service"
)

const (
	prodOrigin    = "https://flowrsvp.vercel.app"
	previewOrigin = "https://flowrsvp-git-main.vercel.app"
	evilOrigin    = "https://evil.example.com"

	forbiddenBody = `{"ok":false,"error":"Forbidden — unauthorized domain"}`
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{BodyMaxBytes: 1 << 20},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Origins: config.OriginsConfig{
			ProductionHost: "flowrsvp.vercel.app",
			PreviewSuffix:  ".vercel.app",
			PreviewPrefix:  "flowrsvp-",
		},
		CORS: config.CORSConfig{MaxAgeSeconds: 86400},
	}
}

// newTestEcho builds the full gateway route set against baseURL.
func newTestEcho(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := origin.NewPolicy(cfg)
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := service.NewGatewayServiceForTest(uc, cfg, p, nil, logger)
	if err != nil {
		t.Fatalf("NewGatewayServiceForTest: %v", err)
	}

	e := echo.New()
	e.HTTPErrorHandler = NewErrorHandler(logger)
	RegisterRoutes(e, NewGatewayHandler(svc, p, cfg, logger), NewHealthHandler(cfg, "test"))
	return e
}

// countingUpstream serves body with status and counts hits.
func countingUpstream(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGateway_PreflightAlways200(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	tests := []struct {
		name     string
		origin   string
		wantACAO string
	}{
		{"production origin", prodOrigin, prodOrigin},
		{"preview origin", previewOrigin, previewOrigin},
		{"disallowed origin", evilOrigin, ""},
		{"no origin", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/proxy", http.NoBody)
			if tt.origin != "" {
				req.Header.Set(echo.HeaderOrigin, tt.origin)
			}
			rec := serve(e, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", rec.Code)
			}
			if rec.Body.String() != "OK" {
				t.Errorf("body = %q, want %q", rec.Body.String(), "OK")
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != tt.wantACAO {
				t.Errorf("ACAO = %q, want %q", got, tt.wantACAO)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowMethods); got != "GET,POST,OPTIONS" {
				t.Errorf("ACAM = %q", got)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowHeaders); got != "Content-Type, Authorization" {
				t.Errorf("ACAH = %q", got)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlMaxAge); got != "86400" {
				t.Errorf("Max-Age = %q, want 86400", got)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0 for preflight", n)
	}
}

func TestGateway_RejectsUnauthorizedOrigin(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{"ok":true}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	tests := []struct {
		name   string
		method string
		origin string
	}{
		{"GET foreign origin", http.MethodGet, evilOrigin},
		{"POST foreign origin", http.MethodPost, evilOrigin},
		{"GET missing origin", http.MethodGet, ""},
		{"POST null origin", http.MethodPost, "null"},
		{"POST other vercel tenant", http.MethodPost, "https://someone-else.vercel.app"},
		{"GET production lookalike", http.MethodGet, "https://flowrsvp.vercel.app.evil.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/proxy?action=stats", strings.NewReader(`{"name":"x"}`))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			if tt.origin != "" {
				req.Header.Set(echo.HeaderOrigin, tt.origin)
			}
			rec := serve(e, req)

			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != forbiddenBody {
				t.Errorf("body = %s, want %s", got, forbiddenBody)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "" {
				t.Errorf("ACAO = %q, want empty", got)
			}
			if got := rec.Header().Get(echo.HeaderAccessControlAllowMethods); got == "" {
				t.Error("expected CORS headers on rejection")
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestGateway_POSTJSONStampsOrigin(t *testing.T) {
	var got map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("upstream Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode upstream body: %v", err)
		}
		_, _ = io.WriteString(w, `{"ok":true,"saved":1}`)
	}))
	defer upstream.Close()
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/proxy",
		strings.NewReader(`{"name":"Ada","origin":"https://spoofed.example"}`))
	req.Header.Set(echo.HeaderContentType, "application/json; charset=utf-8")
	req.Header.Set(echo.HeaderOrigin, previewOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":true,"saved":1}` {
		t.Errorf("body = %s, want upstream JSON verbatim", body)
	}
	if got["name"] != "Ada" || got["origin"] != previewOrigin {
		t.Errorf("upstream body = %v, want name=Ada origin=%s", got, previewOrigin)
	}
	if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != previewOrigin {
		t.Errorf("ACAO = %q, want %q", acao, previewOrigin)
	}
}

func TestGateway_POSTFormStampsOrigin(t *testing.T) {
	var got url.Values
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("upstream Content-Type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		got, _ = url.ParseQuery(string(b))
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/proxy",
		strings.NewReader("name=Ada&choice=yes&origin=https%3A%2F%2Fspoofed.example"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got.Get("name") != "Ada" || got.Get("choice") != "yes" {
		t.Errorf("upstream form = %v", got)
	}
	if o := got["origin"]; len(o) != 1 || o[0] != prodOrigin {
		t.Errorf("upstream origin = %v, want exactly [%s]", o, prodOrigin)
	}
}

func TestGateway_POSTMalformedJSONBecomesOriginOnly(t *testing.T) {
	var raw string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(`{"name":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if raw != `{"origin":"https://flowrsvp.vercel.app"}` {
		t.Errorf("upstream body = %s", raw)
	}
}

func TestGateway_POSTOpaquePassesThrough(t *testing.T) {
	var raw, ct string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		ct = r.Header.Get("Content-Type")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader("hello upstream"))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if raw != "hello upstream" || ct != "text/plain" {
		t.Errorf("upstream got body=%q content-type=%q", raw, ct)
	}
}

func TestGateway_TransportFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	e := newTestEcho(t, testConfig(deadURL))

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/api/proxy", strings.NewReader("name=Ada"))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
			req.Header.Set(echo.HeaderOrigin, prodOrigin)
			rec := serve(e, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", rec.Code)
			}
			var body struct {
				Ok     bool   `json:"ok"`
				Error  string `json:"error"`
				Detail string `json:"detail"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Ok || body.Error != "Proxy "+method+" failed" || body.Detail == "" {
				t.Errorf("body = %+v", body)
			}
			if strings.Contains(body.Detail, deadURL) {
				t.Errorf("detail leaks upstream URL: %q", body.Detail)
			}
			if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != prodOrigin {
				t.Errorf("ACAO = %q, want %q", acao, prodOrigin)
			}
		})
	}
}

func TestGateway_NonJSONUpstreamWrapped(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, "not json", &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?action=stats", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":true,"raw":"not json"}` {
		t.Errorf("body = %s", body)
	}
}

func TestGateway_UpstreamStatusPreserved(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusNotFound, `{"ok":false,"error":"no such event"}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?action=event&id=9", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":false,"error":"no such event"}` {
		t.Errorf("body = %s", body)
	}
}

func TestGateway_GETIsRepeatable(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{"ok":true,"yes":4,"no":1}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	var bodies []string
	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/api/proxy?action=stats", http.NoBody)
		req.Header.Set(echo.HeaderOrigin, prodOrigin)
		bodies = append(bodies, serve(e, req).Body.String())
	}

	if bodies[0] != bodies[1] {
		t.Errorf("responses differ: %q vs %q", bodies[0], bodies[1])
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want one per request", n)
	}
}

func TestGateway_RefererFallback(t *testing.T) {
	var gotOrigin string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrigin = r.URL.Query().Get("origin")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer upstream.Close()
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?action=stats", http.NoBody)
	req.Header.Set("Referer", "https://flowrsvp.vercel.app/invite?ref=abc")
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotOrigin != prodOrigin {
		t.Errorf("upstream origin = %q, want %q", gotOrigin, prodOrigin)
	}
	if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != "" {
		t.Errorf("ACAO = %q, want empty without an Origin header", acao)
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodPut, "/api/proxy", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":false,"error":"Method not allowed"}` {
		t.Errorf("body = %s", body)
	}
	if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != prodOrigin {
		t.Errorf("ACAO = %q, want %q", acao, prodOrigin)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestGateway_BodyTooLarge(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{}`, &hits)
	cfg := testConfig(upstream.URL)
	cfg.Server.BodyMaxBytes = 16
	e := newTestEcho(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy", strings.NewReader(strings.Repeat("a", 64)))
	req.Header.Set(echo.HeaderContentType, "text/plain")
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["ok"] != false || body["error"] == "" {
		t.Errorf("body = %v, want ok=false with error", body)
	}
	if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != prodOrigin {
		t.Errorf("ACAO = %q, want %q", acao, prodOrigin)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestGateway_ExtensionMethodEnveloped(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	for _, path := range []string{"/api/proxy", "/proxy-to-gas", "/macros/s/abc/exec"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("XYZZY", path, http.NoBody)
			req.Header.Set(echo.HeaderOrigin, prodOrigin)
			rec := serve(e, req)

			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
			if body := strings.TrimSpace(rec.Body.String()); body != `{"ok":false,"error":"Method not allowed"}` {
				t.Errorf("body = %s", body)
			}
			if acao := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); acao != prodOrigin {
				t.Errorf("ACAO = %q, want %q", acao, prodOrigin)
			}
			if acam := rec.Header().Get(echo.HeaderAccessControlAllowMethods); acam != "GET,POST,OPTIONS" {
				t.Errorf("ACAM = %q", acam)
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestGateway_CORSScopedToGatewayPaths(t *testing.T) {
	var hits atomic.Int32
	upstream := countingUpstream(t, http.StatusOK, `{"ok":true}`, &hits)
	e := newTestEcho(t, testConfig(upstream.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?action=stats", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec := serve(e, req)
	if vary := rec.Header().Values(echo.HeaderVary); len(vary) != 1 {
		t.Errorf("Vary = %v, want a single Origin entry", vary)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, prodOrigin)
	rec = serve(e, req)
	if acam := rec.Header().Get(echo.HeaderAccessControlAllowMethods); acam != "" {
		t.Errorf("ACAM on /healthz = %q, want none", acam)
	}
}
