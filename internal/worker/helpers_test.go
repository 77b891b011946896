package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
)

// siteStub 模拟静态站点上游，按路径返回固定内容并记录命中次数。
type siteStub struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	files    map[string]string
	handlers map[string]http.HandlerFunc
}

func newSiteStub(t *testing.T, files map[string]string) *siteStub {
	t.Helper()
	stub := &siteStub{
		hits:     make(map[string]int),
		files:    files,
		handlers: make(map[string]http.HandlerFunc),
	}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		handler := stub.handlers[r.URL.Path]
		body, ok := stub.files[r.URL.Path]
		stub.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(stub.Close)
	return stub
}

func (s *siteStub) handle(path string, fn http.HandlerFunc) {
	s.mu.Lock()
	s.handlers[path] = fn
	s.mu.Unlock()
}

func (s *siteStub) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *siteStub) scope(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(s.URL + "/ringette/")
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	return u
}

func ringetteFiles() map[string]string {
	return map[string]string{
		"/ringette/":              "index",
		"/ringette/play.html":     "<html>play</html>",
		"/ringette/manifest.json": `{"name":"ringette"}`,
		"/ringette/app.js":        "console.log('app')",
	}
}

func ringetteConfig(scope *url.URL, version string) Config {
	return Config{
		CacheName: "ringette-game",
		Version:   version,
		Scope:     scope,
		Assets: []Asset{
			{Path: "./"},
			{Path: "./play.html"},
			{Path: "./manifest.json"},
		},
		FallbackPath: "./play.html",
	}
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	storage, err := cache.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Options{
		Site:    "ringette",
		Storage: storage,
		Fetcher: noRedirectClient(),
		Logger:  logger,
	}
}

func newTestWorker(t *testing.T, cfg Config, opts Options) *Worker {
	t.Helper()
	w, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func bucketKeys(t *testing.T, storage cache.Storage, name string) []cache.Key {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("bucket keys: %v", err)
	}
	return keys
}

func getRequest(t *testing.T, raw string) Request {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
}

var errDeleteRefused = errors.New("delete refused")

// refusingStorage 对指定名称的缓存桶拒绝删除，其余操作交给底层存储。
type refusingStorage struct {
	cache.Storage
	refuse map[string]bool
}

func (s *refusingStorage) Delete(ctx context.Context, name string) (bool, error) {
	if s.refuse[name] {
		return false, errDeleteRefused
	}
	return s.Storage.Delete(ctx, name)
}

func seedBuckets(t *testing.T, storage cache.Storage, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := storage.Open(context.Background(), name); err != nil {
			t.Fatalf("seed bucket %s: %v", name, err)
		}
	}
}
