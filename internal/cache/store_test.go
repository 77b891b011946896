package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBucketPutAndMatch(t *testing.T) {
	storage := newTestStorage(t)
	bucket := openBucket(t, storage, "ringette-game-v1.0.0")
	key := testKey(t, "https://example.test/ringette/play.html")

	storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	resp := &Response{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte("<html>play</html>"),
		Type:     ResponseTypeBasic,
		URL:      key.URL,
		StoredAt: storedAt,
	}
	if err := bucket.Put(context.Background(), key, resp); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := bucket.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != string(resp.Body) {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content type mismatch: %v", got.Header)
	}
	if got.Status != http.StatusOK || got.Type != ResponseTypeBasic {
		t.Fatalf("unexpected status/type: %d %s", got.Status, got.Type)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
	}
}

func TestBucketMatchMissing(t *testing.T) {
	bucket := openBucket(t, newTestStorage(t), "v1")
	_, err := bucket.Match(context.Background(), testKey(t, "https://example.test/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBucketKeyIncludesMethod(t *testing.T) {
	bucket := openBucket(t, newTestStorage(t), "v1")
	u, _ := url.Parse("https://example.test/data.json")
	if err := bucket.Put(context.Background(), NewKey(http.MethodGet, u), &Response{Status: 200, Body: []byte("x")}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if _, err := bucket.Match(context.Background(), NewKey(http.MethodPost, u)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("POST must not match a GET entry, got %v", err)
	}
}

func TestNewKeyStripsFragment(t *testing.T) {
	u, _ := url.Parse("https://example.test/play.html?level=2#top")
	key := NewKey("get", u)
	if key.Method != http.MethodGet {
		t.Fatalf("method should be upper-cased, got %s", key.Method)
	}
	if key.URL != "https://example.test/play.html?level=2" {
		t.Fatalf("unexpected url: %s", key.URL)
	}
}

func TestBucketDeleteAndKeys(t *testing.T) {
	bucket := openBucket(t, newTestStorage(t), "v1")
	first := testKey(t, "https://example.test/a")
	second := testKey(t, "https://example.test/b")
	for _, key := range []Key{second, first} {
		if err := bucket.Put(context.Background(), key, &Response{Status: 200, Body: []byte(key.URL)}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}

	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 2 || keys[0] != first || keys[1] != second {
		t.Fatalf("unexpected keys: %+v", keys)
	}

	removed, err := bucket.Delete(context.Background(), first)
	if err != nil || !removed {
		t.Fatalf("expected delete to succeed, removed=%v err=%v", removed, err)
	}
	removed, err = bucket.Delete(context.Background(), first)
	if err != nil || removed {
		t.Fatalf("second delete should be a no-op, removed=%v err=%v", removed, err)
	}
	if _, err := bucket.Match(context.Background(), first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestStorageKeysAndDelete(t *testing.T) {
	storage := newTestStorage(t)
	openBucket(t, storage, "ringette-game-v1.0.0")
	openBucket(t, storage, "ringette-game-v1.0.1")

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 2 || names[0] != "ringette-game-v1.0.0" || names[1] != "ringette-game-v1.0.1" {
		t.Fatalf("unexpected bucket names: %v", names)
	}

	deleted, err := storage.Delete(context.Background(), "ringette-game-v1.0.0")
	if err != nil || !deleted {
		t.Fatalf("expected delete, deleted=%v err=%v", deleted, err)
	}
	if ok, _ := storage.Has(context.Background(), "ringette-game-v1.0.0"); ok {
		t.Fatalf("bucket should be gone")
	}
	deleted, err = storage.Delete(context.Background(), "ringette-game-v1.0.0")
	if err != nil || deleted {
		t.Fatalf("deleting a missing bucket should report false, deleted=%v err=%v", deleted, err)
	}
}

func TestStorageRejectsInvalidBucketNames(t *testing.T) {
	storage := newTestStorage(t)
	for _, name := range []string{"", "..", ".hidden", "a/b", `a\b`} {
		if _, err := storage.Open(context.Background(), name); !errors.Is(err, ErrInvalidBucket) {
			t.Fatalf("expected ErrInvalidBucket for %q, got %v", name, err)
		}
	}
}

func TestBucketPutCleansUpOnCancelledContext(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	bucket := openBucket(t, storage, "v1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	key := testKey(t, "https://example.test/interrupted")
	if err := bucket.Put(ctx, key, &Response{Status: 200, Body: []byte("partial")}); err == nil {
		t.Fatalf("expected error from cancelled context")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "v1", ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "v1"))
	if len(entries) != 0 {
		t.Fatalf("no entry files expected, found %d", len(entries))
	}
}

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return storage
}

func openBucket(t *testing.T, storage Storage, name string) Bucket {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket %s: %v", name, err)
	}
	return bucket
}

func testKey(t *testing.T, raw string) Key {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return NewKey(http.MethodGet, u)
}
