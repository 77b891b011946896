package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
)

// SiteRoute 将站点配置与派生属性（解析后的 Upstream/Proxy URL、Worker 注册）
// 聚合在一起，供路由/代理层直接复用。
type SiteRoute struct {
	// Config 是启动时加载的站点配置副本。热加载只替换 Worker，不修改该字段。
	Config config.SiteConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志输出。
	ListenPort int
	// UpstreamURL 是站点作用域（origin + 基路径），请求路径在其基础上拼接。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Registration 持有该站点激活/等待中的 Worker。
	Registration *worker.Registration
}

// ActiveBucket 返回当前激活 Worker 的缓存桶名；尚未激活时退回启动配置推导的桶名。
func (r *SiteRoute) ActiveBucket() string {
	if r == nil {
		return ""
	}
	if r.Registration != nil {
		if active := r.Registration.Active(); active != nil {
			return active.Config().BucketName()
		}
	}
	return r.Config.BucketName()
}

// RegistryOptions 汇总构建站点注册表所需的共享依赖。
type RegistryOptions struct {
	Client  *http.Client
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
	byName  map[string]*SiteRoute
	logger  *logrus.Logger
}

// NewSiteRegistry 根据配置构建 Host 映射并为每个站点创建缓存存储与 Worker 注册。
// 此时不会发起任何网络请求，调用 Install 后站点才开始服务。
func NewSiteRegistry(cfg *config.Config, opts RegistryOptions) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Client == nil {
		opts.Client = NewUpstreamClient(cfg)
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
		logger: opts.Logger,
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[site.Name]; exists {
			return nil, fmt.Errorf("duplicate site name %s", site.Name)
		}

		route, err := buildSiteRoute(cfg, site, opts)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[site.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig, opts RegistryOptions) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	storage, err := cache.NewStorage(filepath.Join(cfg.Global.StoragePath, site.Name))
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}

	registration := worker.NewRegistration(worker.Options{
		Site:           site.Name,
		Storage:        storage,
		Fetcher:        clientForSite(opts.Client, proxyURL),
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		PrepareRequest: upstreamRequestPreparer(site),
	})

	return &SiteRoute{
		Config:       site,
		ListenPort:   cfg.Global.ListenPort,
		UpstreamURL:  upstreamURL,
		ProxyURL:     proxyURL,
		Registration: registration,
	}, nil
}

// upstreamRequestPreparer 为同源回源请求补充 User-Agent 与 Basic 认证。
func upstreamRequestPreparer(site config.SiteConfig) func(*http.Request) {
	return func(req *http.Request) {
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", version.UserAgent())
		}
		if site.HasCredentials() {
			req.SetBasicAuth(site.Username, site.Password)
		}
	}
}

// Install 并发为所有站点注册并安装当前配置的 Worker。
// 单个站点安装失败不会阻止其它站点，错误合并后返回。
func (r *SiteRegistry) Install(ctx context.Context, cfg *config.Config) error {
	if r == nil || cfg == nil {
		return nil
	}
	timeout := cfg.Global.InstallTimeout.DurationValue()

	var (
		g    errgroup.Group
		errs = make([]error, len(cfg.Sites))
	)
	for i, site := range cfg.Sites {
		i, site := i, site
		route, ok := r.byName[site.Name]
		if !ok {
			continue
		}
		g.Go(func() error {
			errs[i] = r.register(ctx, route, site, timeout)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Apply 处理热加载后的配置：仅版本、缓存名、资源清单与兜底文档的变化会生效，
// 站点增删或 Domain/Upstream/Proxy/凭证变化需要重启。
func (r *SiteRegistry) Apply(ctx context.Context, cfg *config.Config) error {
	if r == nil || cfg == nil {
		return nil
	}
	timeout := cfg.Global.InstallTimeout.DurationValue()

	seen := make(map[string]struct{}, len(cfg.Sites))
	var errs []error
	for _, site := range cfg.Sites {
		seen[site.Name] = struct{}{}
		route, ok := r.byName[site.Name]
		if !ok {
			r.logger.WithFields(logging.SiteFields(site)).WithField("action", "config_reload").
				Warn("site_added_requires_restart")
			continue
		}
		if !sameTransport(route.Config, site) {
			r.logger.WithFields(logging.SiteFields(site)).WithField("action", "config_reload").
				Warn("site_transport_changed_requires_restart")
			continue
		}
		if err := r.register(ctx, route, site, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, route := range r.ordered {
		if _, ok := seen[route.Config.Name]; !ok {
			r.logger.WithFields(logging.SiteFields(route.Config)).WithField("action", "config_reload").
				Warn("site_removed_requires_restart")
		}
	}
	return errors.Join(errs...)
}

func (r *SiteRegistry) register(ctx context.Context, route *SiteRoute, site config.SiteConfig, timeout time.Duration) error {
	wc, err := site.WorkerConfig()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if _, err := route.Registration.Register(ctx, wc); err != nil {
		r.logger.WithFields(logging.SiteFields(site)).WithField("action", "install").
			WithError(err).Error("worker_register_failed")
		return fmt.Errorf("site %s: %w", site.Name, err)
	}
	return nil
}

func sameTransport(a, b config.SiteConfig) bool {
	return a.Domain == b.Domain &&
		a.Upstream == b.Upstream &&
		a.Proxy == b.Proxy &&
		a.Username == b.Username &&
		a.Password == b.Password
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// List 返回当前注册的 SiteRoute 列表（按配置定义的顺序），用于诊断接口输出。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

// Close 等待所有站点的后台缓存写入完成。
func (r *SiteRegistry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, route := range r.ordered {
		if err := route.Registration.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
