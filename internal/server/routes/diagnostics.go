package routes

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/lifecycle"
)

// StatusReporter 提供注册状态快照。
type StatusReporter interface {
	Status(ctx context.Context) lifecycle.Status
}

// MessagePoster 投递控制消息。
type MessagePoster interface {
	Post(ctx context.Context, msg control.Message) <-chan control.Reply
}

// Diagnostics 聚合 /-/ 诊断接口依赖，任一字段为空时跳过对应路由。
type Diagnostics struct {
	Status   StatusReporter
	Control  MessagePoster
	Gatherer prometheus.Gatherer
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/messages 与 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, d Diagnostics) {
	if app == nil {
		return
	}

	if d.Status != nil {
		app.Get("/-/status", func(c fiber.Ctx) error {
			return c.JSON(d.Status.Status(requestContext(c)))
		})
	}

	if d.Control != nil {
		app.Post("/-/messages", func(c fiber.Ctx) error {
			var msg control.Message
			if err := json.Unmarshal(c.Body(), &msg); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
			}
			reply := d.Control.Post(requestContext(c), msg)
			if reply == nil {
				return c.SendStatus(fiber.StatusNoContent)
			}
			result, ok := <-reply
			if !ok {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reply_dropped"})
			}
			return c.JSON(result)
		})
	}

	if d.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
