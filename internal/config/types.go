package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/worker"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	InstallTimeout  Duration `mapstructure:"InstallTimeout"`
	ShutdownTimeout Duration `mapstructure:"ShutdownTimeout"`
}

// AssetConfig 是一条预缓存资源。配置中既可写成字符串（必需资源），也可写成表。
type AssetConfig struct {
	Path     string `mapstructure:"Path"`
	Optional bool   `mapstructure:"Optional"`
}

// SiteConfig 决定单个离线站点的上游地址与缓存版本。
type SiteConfig struct {
	Name      string        `mapstructure:"Name"`
	Domain    string        `mapstructure:"Domain"`
	Upstream  string        `mapstructure:"Upstream"`
	Proxy     string        `mapstructure:"Proxy"`
	Username  string        `mapstructure:"Username"`
	Password  string        `mapstructure:"Password"`
	CacheName string        `mapstructure:"CacheName"`
	Version   string        `mapstructure:"Version"`
	Fallback  string        `mapstructure:"Fallback"`
	Assets    []AssetConfig `mapstructure:"Assets"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// HasCredentials 表示当前站点是否配置了完整的上游凭证。
func (s SiteConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SiteConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// BucketName 返回该站点当前版本的缓存桶名。
func (s SiteConfig) BucketName() string {
	return s.CacheName + "-" + s.Version
}

// WorkerConfig 把站点配置转换为 Worker 的不可变配置。
func (s SiteConfig) WorkerConfig() (worker.Config, error) {
	scope, err := url.Parse(s.Upstream)
	if err != nil {
		return worker.Config{}, fmt.Errorf("%s: %w", siteField(s.Name, "Upstream"), err)
	}
	assets := make([]worker.Asset, len(s.Assets))
	for i, asset := range s.Assets {
		assets[i] = worker.Asset{Path: asset.Path, Optional: asset.Optional}
	}
	return worker.Config{
		CacheName:    s.CacheName,
		Version:      s.Version,
		Scope:        scope,
		Assets:       assets,
		FallbackPath: s.Fallback,
	}, nil
}

// CredentialModes 返回所有站点的鉴权模式摘要，例如 ringette:anonymous。
func CredentialModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.AuthMode())
	}
	return result
}

// Versions 返回所有站点当前配置的版本，例如 ringette:v1.0.0。
func Versions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}
