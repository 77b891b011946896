package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 对应一个站点（origin）下的全部缓存桶，桶名由调用方决定。
type Storage interface {
	// Open 打开指定名称的缓存桶，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存桶，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Keys 返回当前所有缓存桶名称，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Bucket 是以请求标识（Method + URL）为键的持久化响应存储。
type Bucket interface {
	Name() string

	// Match 返回缓存的响应；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入或覆盖条目。实现需保证写入原子性，失败时不残留临时文件。
	Put(ctx context.Context, key Key, resp *Response) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 列出桶内所有条目的键。
	Keys(ctx context.Context) ([]Key, error)
}

// ResponseType 对应响应的来源分类，只有 basic 响应允许写入缓存。
type ResponseType string

const (
	ResponseTypeBasic          ResponseType = "basic"
	ResponseTypeCORS           ResponseType = "cors"
	ResponseTypeOpaque         ResponseType = "opaque"
	ResponseTypeOpaqueRedirect ResponseType = "opaqueredirect"
	ResponseTypeError          ResponseType = "error"
)

// Key 唯一定位一个缓存条目。URL 必须是绝对地址，fragment 不参与匹配。
type Key struct {
	Method string
	URL    string
}

// NewKey 规范化 method 与 URL，得到可用于缓存查找的键。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	clone := *u
	clone.Fragment = ""
	clone.RawFragment = ""
	return Key{Method: method, URL: clone.String()}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 是缓存中保存的完整响应。正文按字节保存，Clone 后可安全地分别返回与写入。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string
	StoredAt time.Time
}

// Clone 复制响应头与正文，两份副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Cacheable 判断响应能否写入缓存：同源 basic 且状态码 200。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseTypeBasic
}

var (
	// ErrNotFound 表示缓存条目或缓存桶不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucket 表示桶名为空或包含路径分隔符等非法字符。
	ErrInvalidBucket = errors.New("invalid cache bucket name")
)
