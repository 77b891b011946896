package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

const reloadTemplate = `
StoragePath = "%s"
ListenPort = 5000

[[Site]]
Name = "ringette"
Domain = "ringette.local"
Upstream = "%s/ringette/"
CacheName = "ringette-game"
Version = "%s"
Fallback = "./play.html"
Assets = ["./", "./play.html", "./manifest.json", { Path = "./icon-192.png", Optional = true }]
`

func TestConfigReloadInstallsNewVersion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ringette/icon-192.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "asset:"+r.URL.Path)
	}))
	defer upstream.Close()

	storage := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.toml")
	write := func(version string) {
		t.Helper()
		content := fmt.Sprintf(reloadTemplate, storage, upstream.URL, version)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("写入配置失败: %v", err)
		}
	}
	write("v1.0.0")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	logger := logging.Discard()
	registry, err := server.NewSiteRegistry(cfg, server.RegistryOptions{Logger: logger})
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := registry.Install(ctx, cfg); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if _, err := watchConfig(ctx, path, registry, logger); err != nil {
		t.Fatalf("watch error: %v", err)
	}

	route, _ := registry.Lookup("ringette.local")
	if v := route.Registration.Active().Config().Version; v != "v1.0.0" {
		t.Fatalf("expected v1.0.0 active, got %s", v)
	}

	write("v1.0.1")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if active := route.Registration.Active(); active != nil && active.Config().Version == "v1.0.1" {
			status, err := route.Registration.Status(ctx)
			if err != nil {
				t.Fatalf("status error: %v", err)
			}
			if len(status.Buckets) != 1 || status.Buckets[0] != "ringette-game-v1.0.1" {
				t.Fatalf("v1.0.0 bucket should be pruned, got %v", status.Buckets)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("config reload did not activate v1.0.1")
}
