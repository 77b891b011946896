package worker

import (
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Destination 描述请求的目标类型，只有 document 会触发离线兜底。
type Destination string

const (
	DestinationDocument Destination = "document"
	DestinationEmpty    Destination = ""
)

// Request 是被拦截的一次资源请求，URL 必须为绝对地址。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
	Mode        string
}

// IsNavigation 判断是否为整页导航请求。
func (r Request) IsNavigation() bool {
	return r.Destination == DestinationDocument || r.Mode == "navigate"
}

// Key 返回请求在缓存桶中的标识。
func (r Request) Key() cache.Key {
	return cache.NewKey(r.method(), r.URL)
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// Source 标记响应的来源，写入日志与响应头。
type Source string

const (
	SourceCache       Source = "cache"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourcePassthrough Source = "passthrough"
)

// FetchResult 是 Fetch 的返回值。Write 仅在响应被写入缓存时非空，调用方可选择等待。
type FetchResult struct {
	Response *cache.Response
	Source   Source
	Bucket   string
	Write    *cache.PendingWrite
}

// MessageSkipWaiting 是唯一被识别的控制消息类型。
const MessageSkipWaiting = "SKIP_WAITING"

// Message 是页面投递给 Worker 的控制消息。
type Message struct {
	Type string `json:"type"`
}
