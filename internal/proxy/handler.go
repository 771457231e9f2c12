package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/logging"
	"github.com/tigris-pwa/tigris-cache/internal/network"
	"github.com/tigris-pwa/tigris-cache/internal/server"
	"github.com/tigris-pwa/tigris-cache/internal/worker"
)

const (
	headerOfflineCache = "X-Offline-Cache"
	headerCacheVersion = "X-Cache-Version"
	sourcePassThrough  = "passthrough"
)

// Handler 把 Fiber 请求翻译为上游 http.Request：GET 交给当前控制的 Worker
// （缓存 → 网络 → 离线页面），其余方法或尚无控制 Worker 时直接流式透传。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler sharing one logger across origins.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)
	req, err := buildUpstreamRequest(ctx, c, upstreamURL, route)
	if err != nil {
		h.logResult(route, "", worker.RequestKey(upstreamURL), "", requestID, 0, started, err)
		return writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if controller := route.Registration.Controller(); controller != nil {
		if result, handled := controller.OnFetch(ctx, req); handled {
			if result == nil {
				// 客户端已断开，无需回写。
				h.logResult(route, controller.Version(), worker.RequestKey(upstreamURL), "", requestID, 0, started, ctx.Err())
				return nil
			}
			return h.serveResult(c, route, controller.Version(), result, requestID, started)
		}
	}
	return h.passThrough(c, route, req, requestID, started)
}

// serveResult 输出 Worker 的结果；缓存命中且上游未提供 ETag 时以正文摘要补齐，并支持 If-None-Match。
func (h *Handler) serveResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	version string,
	result *worker.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerOfflineCache, string(result.Source))
	c.Set(headerCacheVersion, version)
	setRequestIDHeader(c, requestID)

	if result.Source == worker.SourceCache {
		etag := resp.Header.Get(fiber.HeaderETag)
		if etag == "" {
			etag = digestETag(resp.Body)
			c.Set(fiber.HeaderETag, etag)
		}
		if status := resp.Status; status == http.StatusOK && etagMatches(c.Get(fiber.HeaderIfNoneMatch), etag) {
			h.logResult(route, version, result.Key, string(result.Source), requestID, http.StatusNotModified, started, nil)
			return c.SendStatus(fiber.StatusNotModified)
		}
	}

	c.Status(resp.Status)
	h.logResult(route, version, result.Key, string(result.Source), requestID, resp.Status, started, nil)
	return c.Send(resp.Body)
}

// passThrough 原样转发请求并流式返回上游响应，不访问缓存桶。
func (h *Handler) passThrough(
	c fiber.Ctx,
	route *server.OriginRoute,
	req *http.Request,
	requestID string,
	started time.Time,
) error {
	key := worker.RequestKey(req.URL)
	resp, err := route.Client.Do(req)
	if err != nil {
		h.logResult(route, "", key, sourcePassThrough, requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(headerOfflineCache, sourcePassThrough)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(route, "", key, sourcePassThrough, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, "", key, sourcePassThrough, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func buildUpstreamRequest(
	ctx context.Context,
	c fiber.Ctx,
	upstream *url.URL,
	route *server.OriginRoute,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	network.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	req.Header.Set("X-Forwarded-Port", routePort(route))
	return req, nil
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.OriginRoute,
	version string,
	key string,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(route.Config.Name, version, key, source)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 与 Content-Length，正文长度由 Fiber 重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if network.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.OriginRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

func digestETag(body []byte) string {
	return `"` + digest.FromBytes(body).Encoded() + `"`
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "" || etag == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
