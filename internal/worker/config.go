package worker

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Asset 是安装阶段需要预缓存的一个相对路径。Optional 资源失败时只记录日志。
type Asset struct {
	Path     string
	Optional bool
}

// Config 是 Worker 的不可变配置，构造时注入，不依赖任何全局状态。
type Config struct {
	// CacheName 与 Version 拼出当前缓存桶名：<CacheName>-<Version>。
	CacheName string
	Version   string
	// Scope 是站点资源的基地址（origin + 基路径），所有相对路径都以它为基准解析。
	Scope *url.URL
	// Assets 按配置顺序排列的预缓存清单。
	Assets []Asset
	// FallbackPath 是导航请求离线失败时返回的文档，例如 ./play.html。
	FallbackPath string
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// BucketName 返回当前版本对应的缓存桶名。
func (c Config) BucketName() string {
	return c.CacheName + "-" + c.Version
}

// Validate 校验配置是否足以构建 Worker。
func (c Config) Validate() error {
	if !namePattern.MatchString(c.CacheName) {
		return fmt.Errorf("invalid cache name %q", c.CacheName)
	}
	if !namePattern.MatchString(c.Version) {
		return fmt.Errorf("invalid version tag %q", c.Version)
	}
	if c.Scope == nil || c.Scope.Host == "" {
		return errors.New("scope url required")
	}
	if c.Scope.Scheme != "http" && c.Scope.Scheme != "https" {
		return fmt.Errorf("unsupported scope scheme %q", c.Scope.Scheme)
	}
	for _, asset := range c.Assets {
		if err := validateRelative(asset.Path); err != nil {
			return fmt.Errorf("asset %q: %w", asset.Path, err)
		}
	}
	if c.FallbackPath != "" {
		if err := validateRelative(c.FallbackPath); err != nil {
			return fmt.Errorf("fallback %q: %w", c.FallbackPath, err)
		}
	}
	return nil
}

func validateRelative(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("empty path")
	}
	parsed, err := url.Parse(p)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return errors.New("path must be relative to the scope")
	}
	return nil
}

// Resolve 以 Scope 为基准解析相对路径（./play.html → <scope>/play.html）。
func (c Config) Resolve(ref string) (*url.URL, error) {
	if c.Scope == nil {
		return nil, errors.New("scope url required")
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	base := *c.Scope
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
		base.RawPath = ""
	}
	base.RawQuery = ""
	base.Fragment = ""
	return base.ResolveReference(parsed), nil
}

// SameOrigin 判断 u 与 Scope 是否同源（scheme + host + port）。
func (c Config) SameOrigin(u *url.URL) bool {
	if c.Scope == nil || u == nil {
		return false
	}
	return Origin(c.Scope) == Origin(u)
}

// Equal 判断两份配置是否描述同一个 Worker 版本。
func (c Config) Equal(other Config) bool {
	if c.CacheName != other.CacheName || c.Version != other.Version || c.FallbackPath != other.FallbackPath {
		return false
	}
	if (c.Scope == nil) != (other.Scope == nil) {
		return false
	}
	if c.Scope != nil && c.Scope.String() != other.Scope.String() {
		return false
	}
	if len(c.Assets) != len(other.Assets) {
		return false
	}
	for i := range c.Assets {
		if c.Assets[i] != other.Assets[i] {
			return false
		}
	}
	return true
}

// Origin 返回 scheme://host[:port]，省略默认端口并统一小写。
func Origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

func (c Config) partitionAssets() (required, optional []Asset) {
	for _, asset := range c.Assets {
		if asset.Optional {
			optional = append(optional, asset)
			continue
		}
		required = append(required, asset)
	}
	return required, optional
}
