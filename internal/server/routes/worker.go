package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterWorkerRoutes 暴露 /-/ 诊断与控制接口：Worker 状态、消息投递、站点列表与指标。
func RegisterWorkerRoutes(app *fiber.App, registry *server.SiteRegistry, recorder *metrics.Recorder) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		route, ok := server.RouteFromContext(c)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
		}
		status, err := route.Registration.Status(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_unavailable"})
		}
		return c.JSON(status)
	})

	app.Post("/-/worker/message", func(c fiber.Ctx) error {
		route, ok := server.RouteFromContext(c)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
		}
		var msg worker.Message
		if err := c.App().Config().JSONDecoder(c.Body(), &msg); err != nil || strings.TrimSpace(msg.Type) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		promoted, err := route.Registration.PostMessage(requestContext(c), msg)
		if errors.Is(err, worker.ErrNoActiveWorker) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
		}
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "message_failed"})
		}
		return c.JSON(messagePayload{
			Accepted: msg.Type == worker.MessageSkipWaiting,
			Promoted: promoted,
		})
	})

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": encodeSites(registry.List())})
	})

	if recorder != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(recorder.Handler()))
	}
}

type messagePayload struct {
	Accepted bool `json:"accepted"`
	Promoted bool `json:"promoted"`
}

type sitePayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Upstream string `json:"upstream"`
	Active   string `json:"active_version,omitempty"`
	Waiting  string `json:"waiting_version,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
	AuthMode string `json:"auth_mode"`
}

func encodeSites(routes []*server.SiteRoute) []sitePayload {
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		item := sitePayload{
			Name:     route.Config.Name,
			Domain:   route.Config.Domain,
			Upstream: route.UpstreamURL.String(),
			AuthMode: route.Config.AuthMode(),
		}
		if active := route.Registration.Active(); active != nil {
			cfg := active.Config()
			item.Active = cfg.Version
			item.Bucket = cfg.BucketName()
		}
		if waiting := route.Registration.Waiting(); waiting != nil {
			item.Waiting = waiting.Config().Version
		}
		result = append(result, item)
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
