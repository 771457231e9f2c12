package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/config"
	"github.com/tigris-pwa/tigris-cache/internal/proxy"
	"github.com/tigris-pwa/tigris-cache/internal/server"
	"github.com/tigris-pwa/tigris-cache/internal/server/routes"
)

// gateway 组装与 main 相同的启动链路：registry → bootstrap → Fiber app。
type gateway struct {
	app      *fiber.App
	registry *server.OriginRegistry
	logger   *logrus.Logger
}

type originSpec struct {
	name     string
	domain   string
	upstream string
	manifest string
}

func newGateway(t *testing.T, storageDir string, origins ...originSpec) *gateway {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StoragePath:        storageDir,
			MaxEntrySize:       1 << 20,
			InstallConcurrency: 4,
			MaxRetries:         1,
			InitialBackoff:     config.Duration(time.Millisecond),
			UpstreamTimeout:    config.Duration(5 * time.Second),
		},
	}
	for _, origin := range origins {
		cfg.Origins = append(cfg.Origins, config.OriginConfig{
			Name:     origin.name,
			Domain:   origin.domain,
			Upstream: origin.upstream,
			Manifest: origin.manifest,
		})
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := server.NewOriginRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewForwarder(proxy.NewHandler(logger), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterOriginRoutes(app, registry, logger)

	return &gateway{app: app, registry: registry, logger: logger}
}

func (g *gateway) bootstrap(t *testing.T) int {
	t.Helper()
	return g.registry.Bootstrap(context.Background(), g.logger)
}

// drain 等待所有 Origin 的后台缓存写入完成。
func (g *gateway) drain() {
	for _, route := range g.registry.List() {
		if controller := route.Registration.Controller(); controller != nil {
			controller.Wait()
		}
	}
}

func (g *gateway) get(t *testing.T, host, target string) (*http.Response, string) {
	t.Helper()
	return g.request(t, http.MethodGet, host, target)
}

func (g *gateway) request(t *testing.T, method, host, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://"+host+target, nil)
	req.Host = host
	resp, err := g.app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}
