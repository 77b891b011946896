package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/header"
	"github.com/any-hub/offline-hub/internal/metrics"
)

var (
	// ErrNetwork 包装网络层失败（连接失败、读取正文失败等）。
	ErrNetwork = errors.New("network request failed")
	// ErrNotCacheable 表示预缓存资源未返回同源 200。
	ErrNotCacheable = errors.New("response is not cacheable")
)

// precacheConcurrency 限制安装阶段并发拉取资源的数量。
const precacheConcurrency = 4

// Fetcher 执行真正的网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 汇总 Worker 运行所需的外部依赖，由 Registration 在构造时注入。
type Options struct {
	// Site 是站点名称，用于日志与指标。
	Site    string
	Storage cache.Storage
	Fetcher Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
	// PrepareRequest 在同源请求发出前调用，例如附加上游凭证。
	PrepareRequest func(*http.Request)
}

// State 是 Worker 生命周期状态。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Worker 是一个版本的离线缓存处理器。
type Worker struct {
	id   string
	cfg  Config
	opts Options

	skipWaiting atomic.Bool

	mu          sync.Mutex
	state       State
	installedAt time.Time
	bucket      cache.Bucket
	writer      *cache.BackgroundWriter
}

// InstallReport 记录一次安装的预缓存结果。
type InstallReport struct {
	Bucket  string
	Cached  []string
	Skipped []string
	Err     error
}

// ActivateReport 记录一次激活清理掉的旧缓存桶。
type ActivateReport struct {
	Bucket  string
	Deleted []string
}

// New 基于不可变配置构造 Worker，此时尚未安装。
func New(cfg Config, opts Options) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		opts.Logger = logger
	}
	cfg.Assets = append([]Asset(nil), cfg.Assets...)
	scope := *cfg.Scope
	cfg.Scope = &scope
	return &Worker{
		id:    uuid.NewString(),
		cfg:   cfg,
		opts:  opts,
		state: StateParsed,
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Config() Config {
	return w.cfg
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	if state == StateInstalled {
		w.installedAt = time.Now().UTC()
	}
	w.mu.Unlock()
}

// SkipWaiting 返回 Worker 是否已收到 SKIP_WAITING。
func (w *Worker) SkipWaiting() bool {
	return w.skipWaiting.Load()
}

// Install 打开当前版本的缓存桶并写入预缓存清单。任何失败都只记录日志并写入报告。
func (w *Worker) Install(ctx context.Context) InstallReport {
	started := time.Now()
	report := InstallReport{Bucket: w.cfg.BucketName()}
	w.log("install").Info("worker_installing")

	bucket, err := w.openBucket(ctx)
	if err != nil {
		report.Err = err
		w.log("install").WithError(err).Warn("cache_open_failed")
		return report
	}

	required, optional := w.cfg.partitionAssets()
	if err := w.addAll(ctx, bucket, required); err != nil {
		report.Err = err
		w.opts.Metrics.AssetPrecached(w.opts.Site, "failed")
		w.log("install").WithError(err).Warn("cache_failed")
	} else {
		for _, asset := range required {
			report.Cached = append(report.Cached, asset.Path)
			w.opts.Metrics.AssetPrecached(w.opts.Site, "cached")
		}
	}

	for _, asset := range optional {
		if err := w.addAll(ctx, bucket, []Asset{asset}); err != nil {
			report.Skipped = append(report.Skipped, asset.Path)
			w.opts.Metrics.AssetPrecached(w.opts.Site, "skipped")
			w.log("install").WithError(err).WithField("asset", asset.Path).Info("optional_asset_skipped")
			continue
		}
		report.Cached = append(report.Cached, asset.Path)
		w.opts.Metrics.AssetPrecached(w.opts.Site, "cached")
	}

	w.log("install").WithFields(logrus.Fields{
		"cached":     len(report.Cached),
		"skipped":    len(report.Skipped),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("worker_installed")
	return report
}

// addAll 并发拉取所有资源，全部成功后才写入缓存桶；写入中途失败时回滚已写入的条目。
func (w *Worker) addAll(ctx context.Context, bucket cache.Bucket, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}

	keys := make([]cache.Key, len(assets))
	responses := make([]*cache.Response, len(assets))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			target, err := w.cfg.Resolve(asset.Path)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", asset.Path, err)
			}
			req := Request{Method: http.MethodGet, URL: target}
			resp, err := w.network(groupCtx, req, true)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset.Path, err)
			}
			if !resp.Cacheable() {
				return fmt.Errorf("fetch %s: %w (status=%d type=%s)", asset.Path, ErrNotCacheable, resp.Status, resp.Type)
			}
			keys[i] = req.Key()
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range keys {
		if err := bucket.Put(ctx, keys[i], responses[i]); err != nil {
			for _, written := range keys[:i] {
				_, _ = bucket.Delete(context.WithoutCancel(ctx), written)
			}
			return fmt.Errorf("store %s: %w", keys[i].URL, err)
		}
	}
	return nil
}

// Activate 删除站点存储中除当前版本外的所有缓存桶。删除之间互不依赖，失败逐个记录并合并返回。
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	current := w.cfg.BucketName()
	report := ActivateReport{Bucket: current}
	w.log("activate").Info("worker_activating")

	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list cache buckets: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, name := range names {
		if name == current {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := w.opts.Storage.Delete(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("delete cache bucket %s: %w", name, err))
				w.log("activate").WithError(err).WithField("stale_bucket", name).Error("cache_delete_failed")
				return nil
			}
			if deleted {
				report.Deleted = append(report.Deleted, name)
				w.opts.Metrics.BucketDeleted(w.opts.Site)
				w.log("activate").WithField("stale_bucket", name).Info("cache_deleted")
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Deleted)

	return report, errors.Join(errs...)
}

// Fetch 按"缓存优先、网络兜底"的顺序处理一次请求。
func (w *Worker) Fetch(ctx context.Context, req Request) (*FetchResult, error) {
	if req.URL == nil {
		return nil, errors.New("request url required")
	}
	started := time.Now()

	if !w.cfg.SameOrigin(req.URL) {
		resp, err := w.network(ctx, req, false)
		if err != nil {
			w.logFetch(req, "", started, err)
			return nil, err
		}
		result := &FetchResult{Response: resp, Source: SourcePassthrough}
		w.logFetch(req, result.Source, started, nil)
		return result, nil
	}

	key := req.Key()
	bucket, err := w.openBucket(ctx)
	if err != nil {
		w.log("fetch").WithError(err).Warn("cache_open_failed")
	} else {
		cached, err := bucket.Match(ctx, key)
		switch {
		case err == nil:
			result := &FetchResult{Response: cached, Source: SourceCache, Bucket: bucket.Name()}
			w.logFetch(req, result.Source, started, nil)
			return result, nil
		case errors.Is(err, cache.ErrNotFound):
			// miss
		default:
			w.log("fetch").WithError(err).WithField("url", key.URL).Warn("cache_match_failed")
		}
	}

	resp, err := w.network(ctx, req, true)
	if err != nil {
		if req.IsNavigation() {
			if fallback := w.matchFallback(ctx); fallback != nil {
				result := &FetchResult{Response: fallback, Source: SourceFallback, Bucket: w.cfg.BucketName()}
				w.logFetch(req, result.Source, started, err)
				return result, nil
			}
		}
		w.logFetch(req, "", started, err)
		return nil, err
	}

	result := &FetchResult{Response: resp, Source: SourceNetwork}
	if req.method() == http.MethodGet && resp.Cacheable() && w.State() != StateRedundant {
		if writer := w.currentWriter(); writer != nil {
			result.Write = writer.Put(key, resp.Clone())
			result.Bucket = w.cfg.BucketName()
		}
	}
	w.logFetch(req, result.Source, started, nil)
	return result, nil
}

func (w *Worker) matchFallback(ctx context.Context) *cache.Response {
	if w.cfg.FallbackPath == "" {
		return nil
	}
	target, err := w.cfg.Resolve(w.cfg.FallbackPath)
	if err != nil {
		return nil
	}
	bucket, err := w.openBucket(ctx)
	if err != nil {
		return nil
	}
	resp, err := bucket.Match(ctx, cache.NewKey(http.MethodGet, target))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.log("fetch").WithError(err).Warn("fallback_match_failed")
		}
		return nil
	}
	return resp
}

// HandleMessage 处理控制消息，仅识别 SKIP_WAITING；返回是否被接受。
func (w *Worker) HandleMessage(msg Message) bool {
	if msg.Type != MessageSkipWaiting {
		w.log("message").WithField("message_type", msg.Type).Debug("message_ignored")
		return false
	}
	w.skipWaiting.Store(true)
	w.log("message").Info("skip_waiting")
	return true
}

// Drain 等待已调度的后台缓存写入完成。
func (w *Worker) Drain(ctx context.Context) error {
	if writer := w.currentWriter(); writer != nil {
		return writer.Wait(ctx)
	}
	return nil
}

// retire 将 Worker 标记为 redundant 并等待其写入全部落盘，之后不再调度新的写入。
func (w *Worker) retire(ctx context.Context) error {
	w.setState(StateRedundant)
	if writer := w.currentWriter(); writer != nil {
		return writer.Close(ctx)
	}
	return nil
}

// network 发起真实请求并把响应缓冲成 cache.Response；sameOrigin 决定响应分类与凭证注入。
func (w *Worker) network(ctx context.Context, req Request, sameOrigin bool) (*cache.Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		header.Copy(httpReq.Header, req.Header)
	}
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = req.URL.Host
	if sameOrigin && w.opts.PrepareRequest != nil {
		w.opts.PrepareRequest(httpReq)
	}

	resp, err := w.opts.Fetcher.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	respHeader := http.Header{}
	header.Copy(respHeader, resp.Header)
	respHeader.Del("Content-Length")

	result := &cache.Response{
		Status:   resp.StatusCode,
		Header:   respHeader,
		Body:     payload,
		Type:     classify(resp.StatusCode, sameOrigin),
		URL:      req.URL.String(),
		StoredAt: time.Now().UTC(),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		result.URL = resp.Request.URL.String()
	}
	return result, nil
}

func classify(status int, sameOrigin bool) cache.ResponseType {
	switch {
	case !sameOrigin:
		return cache.ResponseTypeCORS
	case status >= 300 && status < 400:
		return cache.ResponseTypeOpaqueRedirect
	default:
		return cache.ResponseTypeBasic
	}
}

func (w *Worker) openBucket(ctx context.Context) (cache.Bucket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	bucket, err := w.opts.Storage.Open(ctx, w.cfg.BucketName())
	if err != nil {
		return nil, err
	}
	w.bucket = bucket
	w.writer = cache.NewBackgroundWriter(bucket, w.onWriteError)
	return bucket, nil
}

func (w *Worker) currentWriter() *cache.BackgroundWriter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer
}

func (w *Worker) onWriteError(key cache.Key, err error) {
	w.opts.Metrics.CacheWriteFailed(w.opts.Site)
	w.log("cache_write").WithError(err).WithField("url", key.URL).Warn("cache_write_failed")
}

// Info 返回用于状态接口的快照。
func (w *Worker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerInfo{
		ID:          w.id,
		Version:     w.cfg.Version,
		Bucket:      w.cfg.BucketName(),
		State:       w.state,
		InstalledAt: w.installedAt,
		SkipWaiting: w.skipWaiting.Load(),
	}
}

func (w *Worker) log(action string) *logrus.Entry {
	return w.opts.Logger.WithFields(logrus.Fields{
		"action":    action,
		"site":      w.opts.Site,
		"version":   w.cfg.Version,
		"bucket":    w.cfg.BucketName(),
		"worker_id": w.id,
	})
}

func (w *Worker) logFetch(req Request, source Source, started time.Time, err error) {
	entry := w.log("fetch").WithFields(logrus.Fields{
		"method":     req.method(),
		"url":        req.URL.String(),
		"navigation": req.IsNavigation(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	if source != "" {
		entry = entry.WithField("source", string(source))
		w.opts.Metrics.FetchServed(w.opts.Site, string(source))
	}
	if err != nil {
		entry = entry.WithField("error", err.Error())
		if source == "" {
			w.opts.Metrics.FetchServed(w.opts.Site, "failed")
			entry.Warn("fetch_failed")
			return
		}
	}
	entry.Debug("fetch_complete")
}
