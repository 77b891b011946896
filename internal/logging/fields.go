package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点名、域名、版本与缓存桶字段。
func SiteFields(site config.SiteConfig) logrus.Fields {
	return logrus.Fields{
		"site":      site.Name,
		"domain":    site.Domain,
		"version":   site.Version,
		"bucket":    site.BucketName(),
		"auth_mode": site.AuthMode(),
	}
}

// RequestFields 提供站点、响应来源等字段，供代理请求日志复用。
func RequestFields(site, domain, source, bucket, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"site":       site,
		"domain":     domain,
		"source":     source,
		"request_id": requestID,
	}
	if bucket != "" {
		fields["bucket"] = bucket
	}
	return fields
}
