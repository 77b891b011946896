package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

type upstreamStub struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	t.Helper()
	files := map[string]string{
		"/ringette/":              "index",
		"/ringette/play.html":     "<html>play</html>",
		"/ringette/manifest.json": `{"name":"ringette"}`,
		"/ringette/app.js":        "console.log('app')",
		"/lib.js":                 "lib",
	}
	stub := &upstreamStub{hits: make(map[string]int)}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		stub.mu.Unlock()
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Upstream", "stub")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *upstreamStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func newProxyApp(t *testing.T, upstream string, install bool) (*fiber.App, *server.SiteRegistry) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     t.TempDir(),
			UpstreamTimeout: config.Duration(5 * time.Second),
		},
		Sites: []config.SiteConfig{
			{
				Name:      "ringette",
				Domain:    "ringette.local",
				Upstream:  upstream + "/ringette/",
				CacheName: "ringette-game",
				Version:   "v1.0.0",
				Fallback:  "./play.html",
				Assets: []config.AssetConfig{
					{Path: "./"},
					{Path: "./play.html"},
					{Path: "./manifest.json"},
				},
			},
		},
	}

	logger := logging.Discard()
	registry, err := server.NewSiteRegistry(cfg, server.RegistryOptions{
		Client: server.NewUpstreamClient(cfg),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	if install {
		if err := registry.Install(context.Background(), cfg); err != nil {
			t.Fatalf("install error: %v", err)
		}
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return app, registry
}

func doRequest(t *testing.T, app *fiber.App, target string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = "ringette.local"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestHandlerServesPrecachedAssetFromCache(t *testing.T) {
	upstream := newUpstreamStub(t)
	app, _ := newProxyApp(t, upstream.URL, true)

	resp, body := doRequest(t, app, "http://ringette.local/play.html", nil)
	if resp.StatusCode != http.StatusOK || body != "<html>play</html>" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Offline-Hub-Source"); src != "cache" {
		t.Fatalf("expected cache source, got %s", src)
	}
	if bucket := resp.Header.Get("X-Offline-Hub-Bucket"); bucket != "ringette-game-v1.0.0" {
		t.Fatalf("unexpected bucket header %s", bucket)
	}
	if resp.Header.Get("X-Upstream") != "stub" {
		t.Fatalf("cached headers should be replayed")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
	if hits := upstream.hitCount("/ringette/play.html"); hits != 1 {
		t.Fatalf("only install should reach upstream, got %d hits", hits)
	}
}

func TestHandlerStoresMissesForLaterHits(t *testing.T) {
	upstream := newUpstreamStub(t)
	app, registry := newProxyApp(t, upstream.URL, true)

	resp, body := doRequest(t, app, "http://ringette.local/app.js", nil)
	if resp.StatusCode != http.StatusOK || body != "console.log('app')" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Offline-Hub-Source"); src != "network" {
		t.Fatalf("expected network source, got %s", src)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := registry.Close(ctx); err != nil {
		t.Fatalf("drain writes: %v", err)
	}

	resp, _ = doRequest(t, app, "http://ringette.local/app.js", nil)
	if src := resp.Header.Get("X-Offline-Hub-Source"); src != "cache" {
		t.Fatalf("expected cache hit on second request, got %s", src)
	}
	if hits := upstream.hitCount("/ringette/app.js"); hits != 1 {
		t.Fatalf("expected one upstream fetch, got %d", hits)
	}
}

func TestHandlerNavigationFallbackWhenOffline(t *testing.T) {
	upstream := newUpstreamStub(t)
	app, _ := newProxyApp(t, upstream.URL, true)
	upstream.Close()

	resp, body := doRequest(t, app, "http://ringette.local/levels/2", map[string]string{
		"Accept": "text/html,application/xhtml+xml",
	})
	if resp.StatusCode != http.StatusOK || body != "<html>play</html>" {
		t.Fatalf("expected fallback document, got %d %q", resp.StatusCode, body)
	}
	if src := resp.Header.Get("X-Offline-Hub-Source"); src != "fallback" {
		t.Fatalf("expected fallback source, got %s", src)
	}

	resp, body = doRequest(t, app, "http://ringette.local/sprite.png", map[string]string{
		"Sec-Fetch-Dest": "image",
		"Sec-Fetch-Mode": "no-cors",
	})
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
}

func TestHandlerLeavesForeignOriginAlone(t *testing.T) {
	upstream := newUpstreamStub(t)
	other := newUpstreamStub(t)
	app, registry := newProxyApp(t, upstream.URL, true)

	req := httptest.NewRequest(http.MethodGet, other.URL+"/lib.js", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(body), "host_unmapped") {
		t.Fatalf("foreign origin should not be served by a site, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Offline-Hub-Source") != "" {
		t.Fatalf("foreign origin must not reach a worker")
	}
	if hits := other.hitCount("/lib.js"); hits != 0 {
		t.Fatalf("foreign origin must not be fetched on its behalf, got %d", hits)
	}

	route, _ := registry.Lookup("ringette.local")
	status, err := route.Registration.Status(context.Background())
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if len(status.Buckets) != 1 || status.Buckets[0] != "ringette-game-v1.0.0" {
		t.Fatalf("unexpected buckets %v", status.Buckets)
	}
}

func TestHandlerWithoutActiveWorker(t *testing.T) {
	upstream := newUpstreamStub(t)
	app, _ := newProxyApp(t, upstream.URL, false)

	resp, body := doRequest(t, app, "http://ringette.local/play.html", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "worker_unavailable") {
		t.Fatalf("expected 503 worker_unavailable, got %d %s", resp.StatusCode, body)
	}
}

func TestScopedURL(t *testing.T) {
	scope, _ := url.Parse("https://games.example.com/ringette/")
	cases := map[string]string{
		"/":          "https://games.example.com/ringette/",
		"/play.html": "https://games.example.com/ringette/play.html",
		"/a/../b.js": "https://games.example.com/ringette/b.js",
		"/levels/":   "https://games.example.com/ringette/levels/",
	}
	for in, want := range cases {
		if got := scopedURL(scope, in, "").String(); got != want {
			t.Fatalf("scopedURL(%q) = %s, want %s", in, got, want)
		}
	}
	if got := scopedURL(scope, "/play.html", "lvl=2").String(); got != "https://games.example.com/ringette/play.html?lvl=2" {
		t.Fatalf("query should be preserved, got %s", got)
	}
}
