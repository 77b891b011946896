// Package header holds the hop-by-hop header rules shared by the inbound
// proxy and the worker's outbound fetches.
package header

import (
	"net/http"
	"net/textproto"
)

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// Copy 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func Copy(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHop reports whether the header should be stripped by proxies.
func IsHopByHop(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
