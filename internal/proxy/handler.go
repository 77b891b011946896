package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/header"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Handler 把 Fiber 请求转换为 worker.Request，交给站点当前激活的 Worker 处理，
// 再把 FetchResult 原样写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared logger.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 执行一次拦截：构建请求 → Worker.Fetch → 写回响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req := buildWorkerRequest(c, route)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := route.Registration.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, req.URL, "", requestID, 0, started, err)
		if errors.Is(err, worker.ErrNoActiveWorker) {
			return h.writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable", requestID)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed", requestID)
	}

	h.logResult(route, req.URL, result.Source, requestID, result.Response.Status, started, nil)
	return writeResult(c, result, requestID)
}

func writeResult(c fiber.Ctx, result *worker.FetchResult, requestID string) error {
	resp := result.Response
	for key, values := range resp.Header {
		if header.IsHopByHop(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Offline-Hub-Source", string(result.Source))
	if result.Bucket != "" {
		c.Set("X-Offline-Hub-Bucket", result.Bucket)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// buildWorkerRequest 将站点内路径映射到上游作用域。请求按 Host 路由到站点，
// 因此到达这里的请求总是同源的；跨域请求由浏览器直接发往对应 origin，不经过本服务。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) worker.Request {
	headers := fiberHeadersAsHTTP(c)
	headers.Del("Host")

	req := worker.Request{
		Method:      c.Method(),
		URL:         scopedURL(route.UpstreamURL, requestPath(c), string(c.Request().URI().QueryString())),
		Header:      headers,
		Destination: worker.Destination(strings.ToLower(headers.Get("Sec-Fetch-Dest"))),
		Mode:        strings.ToLower(headers.Get("Sec-Fetch-Mode")),
	}
	if req.Destination == worker.DestinationEmpty && req.Mode == "" && acceptsHTML(req.Method, headers) {
		req.Destination = worker.DestinationDocument
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

// scopedURL 把请求路径拼接到站点作用域的基路径之后：/play.html → <scope>/play.html。
func scopedURL(scope *url.URL, reqPath, rawQuery string) *url.URL {
	clean := normalizeRequestPath(reqPath)
	base := strings.TrimSuffix(scope.Path, "/")
	joined := base + clean
	if clean == "/" {
		joined = base + "/"
	}

	target := *scope
	target.Path = joined
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// acceptsHTML 在缺少 Sec-Fetch-* 时用 Accept 头推断整页导航。
func acceptsHTML(method string, headers http.Header) bool {
	if method != "" && method != http.MethodGet {
		return false
	}
	return strings.Contains(strings.ToLower(headers.Get("Accept")), "text/html")
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if clean != "/" && strings.HasSuffix(raw, "/") {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	headers := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})
	return headers
}

func (h *Handler) writeError(c fiber.Ctx, status int, code, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	target *url.URL,
	source worker.Source,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		string(source),
		route.ActiveBucket(),
		requestID,
	)
	fields["action"] = "proxy"
	if target != nil {
		fields["url"] = target.String()
	}
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
