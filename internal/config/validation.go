package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallTimeout.DurationValue() < 0 {
		return newFieldError("Global.InstallTimeout", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if !namePattern.MatchString(site.Name) {
			return newFieldError(siteField(site.Name, "Name"), "仅允许字母、数字、点、下划线与连字符")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if owner, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与站点 "+owner+" 重复")
		}
		seenDomains[site.Domain] = site.Name

		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		if !namePattern.MatchString(site.CacheName) {
			return newFieldError(siteField(site.Name, "CacheName"), "仅允许字母、数字、点、下划线与连字符")
		}
		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if !namePattern.MatchString(site.Version) {
			return newFieldError(siteField(site.Name, "Version"), "仅允许字母、数字、点、下划线与连字符")
		}
		if err := validateAssets(site); err != nil {
			return err
		}
	}

	return nil
}

func validateAssets(site *SiteConfig) error {
	required := map[string]struct{}{}
	seen := map[string]struct{}{}
	for _, asset := range site.Assets {
		if err := validateRelative(asset.Path); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
		}
		if _, dup := seen[asset.Path]; dup {
			return newFieldError(siteField(site.Name, "Assets"), "重复资源 "+asset.Path)
		}
		seen[asset.Path] = struct{}{}
		if !asset.Optional {
			required[asset.Path] = struct{}{}
		}
	}

	if site.Fallback == "" {
		return nil
	}
	if err := validateRelative(site.Fallback); err != nil {
		return fmt.Errorf("%s: %w", siteField(site.Name, "Fallback"), err)
	}
	if _, ok := required[site.Fallback]; !ok {
		return newFieldError(siteField(site.Name, "Fallback"), "必须是非 Optional 的预缓存资源")
	}
	return nil
}

func validateRelative(raw string) error {
	if raw == "" {
		return errors.New("资源路径不能为空")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("资源路径必须相对于 Upstream: %s", raw)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
