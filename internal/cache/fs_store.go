package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewStorage 以 basePath 为根目录构建磁盘缓存，每个站点各持有一份实例。
func NewStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，所有桶共享锁表。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileBucket 对应 basePath/<name> 目录。
type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

// entryMeta 与正文分开存放，记录匹配与回放响应所需的全部信息。
type entryMeta struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	Status      int          `json:"status"`
	Header      http.Header  `json:"header"`
	Type        ResponseType `json:"type"`
	ResponseURL string       `json:"response_url"`
	SizeBytes   int64        `json:"size_bytes"`
	StoredAt    time.Time    `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) bucketDir(name string) (string, error) {
	if err := ValidateBucketName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

// ValidateBucketName 拒绝空名、隐藏名以及任何可能逃逸出存储目录的名称。
func ValidateBucketName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty", ErrInvalidBucket)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
	}
	return nil
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Match(ctx context.Context, key Key) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := b.storage.lockEntry(b.lockKey(key))
	defer unlock()

	base := b.entryPath(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.Method != key.Method || meta.URL != key.URL {
		// xxhash 冲突时按未命中处理
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if int64(len(body)) != meta.SizeBytes {
		return nil, ErrNotFound
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		Type:     meta.Type,
		URL:      meta.ResponseURL,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if key.URL == "" {
		return errors.New("cache key url required")
	}

	unlock := b.storage.lockEntry(b.lockKey(key))
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	base := b.entryPath(key)
	written, err := writeAtomic(ctx, base+bodySuffix, bytes.NewReader(resp.Body))
	if err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Method:      key.Method,
		URL:         key.URL,
		Status:      resp.Status,
		Header:      resp.Header,
		Type:        resp.Type,
		ResponseURL: resp.URL,
		SizeBytes:   written,
		StoredAt:    storedAt,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		os.Remove(base + bodySuffix)
		return fmt.Errorf("encode cache meta: %w", err)
	}
	if _, err := writeAtomic(ctx, base+metaSuffix, bytes.NewReader(encoded)); err != nil {
		os.Remove(base + bodySuffix)
		return err
	}
	return nil
}

func (b *fileBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := b.storage.lockEntry(b.lockKey(key))
	defer unlock()

	base := b.entryPath(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if meta.Method != key.Method || meta.URL != key.URL {
		return false, nil
	}
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return true, nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(b.dir, name))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		keys = append(keys, Key{Method: meta.Method, URL: meta.URL})
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys, nil
}

func (b *fileBucket) entryPath(key Key) string {
	return filepath.Join(b.dir, hashKey(key))
}

func (b *fileBucket) lockKey(key Key) string {
	return b.name + "::" + hashKey(key)
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func hashKey(key Key) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key.String()))
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

// writeAtomic 先写入同目录临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
