package server

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client。重定向不会被跟随，3xx 原样交给 Worker。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     defaultTransport.Clone(),
		CheckRedirect: noFollow,
	}
}

func noFollow(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// clientForSite 在站点配置了 Proxy 时派生独立的 client，否则复用共享 client。
func clientForSite(base *http.Client, proxyURL *url.URL) *http.Client {
	if proxyURL == nil {
		return base
	}
	transport, ok := base.Transport.(*http.Transport)
	if !ok || transport == nil {
		transport = defaultTransport
	}
	clone := transport.Clone()
	clone.Proxy = http.ProxyURL(proxyURL)

	derived := *base
	derived.Transport = clone
	return &derived
}
