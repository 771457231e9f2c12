package routes

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/lifecycle"
	"github.com/tigris-pwa/tigris-cache/internal/server"
	"github.com/tigris-pwa/tigris-cache/internal/version"
)

// updateTimeout 限制诊断接口触发的单次 install/activate 总时长（含重试退避）。
const updateTimeout = 2 * time.Minute

// RegisterOriginRoutes 暴露 /-/status 与 /-/origins 诊断接口，供运维查询缓存版本与触发更新。
func RegisterOriginRoutes(app *fiber.App, registry *server.OriginRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version": version.Full(),
			"origins": encodeOrigins(registry.List()),
		})
	})

	app.Get("/-/origins/:name", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "origin_not_found"})
		}
		payload, err := encodeOriginDetail(c.Context(), route)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(payload)
	})

	app.Post("/-/origins/:name/update", func(c fiber.Ctx) error {
		route, ok := registry.Get(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "origin_not_found"})
		}

		ctx, cancel := context.WithTimeout(c.Context(), updateTimeout)
		defer cancel()

		if err := server.Update(ctx, route); err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"action": "update",
					"origin": route.Config.Name,
					"error":  err.Error(),
				}).Warn("manual update failed")
			}
			status := fiber.StatusBadGateway
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = fiber.StatusGatewayTimeout
			}
			return c.Status(status).JSON(fiber.Map{
				"error": "update_failed",
				"cause": err.Error(),
				"state": route.Registration.Snapshot(),
			})
		}
		return c.JSON(route.Registration.Snapshot())
	})
}

type originPayload struct {
	Name     string          `json:"name"`
	Domain   string          `json:"domain"`
	Upstream string          `json:"upstream"`
	Manifest string          `json:"manifest"`
	Port     int             `json:"port"`
	State    lifecycle.State `json:"state"`
}

type originDetailPayload struct {
	originPayload
	CacheName string   `json:"cache_name"`
	Buckets   []string `json:"buckets"`
	Entries   int      `json:"entries"`
}

func encodeOrigins(routes []*server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeOrigin(route))
	}
	return result
}

func encodeOrigin(route *server.OriginRoute) originPayload {
	return originPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Upstream: route.UpstreamURL.String(),
		Manifest: route.Manifest.Key,
		Port:     route.ListenPort,
		State:    route.Registration.Snapshot(),
	}
}

// encodeOriginDetail 额外列出磁盘上的缓存桶，以及当前控制版本桶内的条目数。只读，不会创建缺失的桶。
func encodeOriginDetail(ctx context.Context, route *server.OriginRoute) (originDetailPayload, error) {
	payload := originDetailPayload{
		originPayload: encodeOrigin(route),
		CacheName:     route.Manifest.CacheName,
	}

	buckets, err := route.Storage.Keys(ctx)
	if err != nil {
		return payload, err
	}
	payload.Buckets = buckets

	controller := route.Registration.Controller()
	if controller == nil {
		return payload, nil
	}
	present, err := route.Storage.Has(ctx, controller.Version())
	if err != nil || !present {
		return payload, err
	}
	bucket, err := route.Storage.Open(ctx, controller.Version())
	if err != nil {
		return payload, err
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		return payload, err
	}
	payload.Entries = len(keys)
	return payload, nil
}
