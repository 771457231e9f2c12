package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler answers a request whose Host resolved to an origin.
type ProxyHandler interface {
	Handle(fiber.Ctx, *OriginRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *OriginRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *OriginRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *OriginRegistry
	Proxy      ProxyHandler
	ListenPort int
}

const (
	contextKeyRequestID = "_tigris_request_id"

	headerRequestID = "X-Request-ID"
	headerOrigin    = "X-Tigris-Origin"
	headerHost      = "X-Tigris-Host"

	diagnosticsPrefix = "/-/"
)

// router 把每个请求交给 Host 对应源站的 ProxyHandler；/-/ 下的诊断路径留给 app 上后注册的路由。
type router struct {
	logger   *logrus.Logger
	registry *OriginRegistry
	proxy    ProxyHandler
	port     int
}

// NewApp builds a Fiber application that dispatches by Host header. Diagnostics
// routes under /-/ may be registered on the returned app afterwards.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("origin registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	r := &router{
		logger:   opts.Logger,
		registry: opts.Registry,
		proxy:    opts.Proxy,
		port:     opts.ListenPort,
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  r.handleError,
	})
	app.Use(recover.New())
	app.Use(assignRequestID)
	app.All("/*", r.dispatch)
	return app, nil
}

func assignRequestID(c fiber.Ctx) error {
	reqID := uuid.NewString()
	c.Locals(contextKeyRequestID, reqID)
	c.Set(headerRequestID, reqID)
	return c.Next()
}

func (r *router) dispatch(c fiber.Ctx) error {
	if strings.HasPrefix(string(c.Request().URI().Path()), diagnosticsPrefix) {
		return c.Next()
	}

	host := strings.TrimSpace(requestHost(c))
	route, ok := r.registry.Lookup(host)
	if !ok {
		return r.hostUnmapped(c, host)
	}
	c.Set(headerOrigin, route.Config.Name)
	return r.proxy.Handle(c, route)
}

func (r *router) hostUnmapped(c fiber.Ctx, host string) error {
	r.logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       r.port,
		"request_id": RequestID(c),
	}).Warn("host unmapped")

	if host != "" {
		c.Set(headerHost, host)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
}

// handleError 兜底未被 ProxyHandler 处理的错误（含 recover 捕获的 panic），统一输出 JSON。
func (r *router) handleError(c fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		status = fiberErr.Code
	}
	code := errorCode(status)

	r.logger.WithFields(logrus.Fields{
		"action":     "request",
		"path":       string(c.Request().URI().Path()),
		"status":     status,
		"request_id": RequestID(c),
		"error":      err.Error(),
	}).Error("request failed")

	c.Response().ResetBody()
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func errorCode(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return "not_found"
	case status == fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case status == fiber.StatusBadGateway:
		return "upstream_failed"
	case status < fiber.StatusInternalServerError:
		return "bad_request"
	default:
		return "internal_error"
	}
}

func requestHost(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RequestID returns the request identifier assigned by the router.
func RequestID(c fiber.Ctx) string {
	if reqID, ok := c.Locals(contextKeyRequestID).(string); ok {
		return reqID
	}
	return ""
}
