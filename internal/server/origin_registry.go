package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/cache"
	"github.com/tigris-pwa/tigris-cache/internal/config"
	"github.com/tigris-pwa/tigris-cache/internal/lifecycle"
	"github.com/tigris-pwa/tigris-cache/internal/manifest"
	"github.com/tigris-pwa/tigris-cache/internal/network"
	"github.com/tigris-pwa/tigris-cache/internal/worker"
)

// OriginRoute 将 Origin 配置与派生的运行期对象（上游客户端、缓存存储、Registration）
// 聚合在一起，供路由/代理/诊断层直接复用，避免重复解析配置。
type OriginRoute struct {
	// Config 是 config.toml 中声明的 Origin 字段副本。
	Config config.OriginConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Manifest 是编译期注册、由配置按键选中的清单。
	Manifest manifest.Manifest

	Client       *network.Client
	Storage      cache.Storage
	Registration *lifecycle.Registration

	newWorker func() (*worker.Worker, error)
}

// NewWorker 基于当前 manifest 构造一个新的 parsed 阶段 Worker。
func (r *OriginRoute) NewWorker() (*worker.Worker, error) {
	if r == nil || r.newWorker == nil {
		return nil, errors.New("origin route is not initialised")
	}
	return r.newWorker()
}

// OriginRegistry 提供 Host/Host:port 到 OriginRoute 的查询能力，所有 Origin 共享同一个监听端口。
type OriginRegistry struct {
	routes  map[string]*OriginRoute
	byName  map[string]*OriginRoute
	ordered []*OriginRoute
}

// NewOriginRegistry 根据配置构建 Host 映射以及每个 Origin 的存储、客户端与 Registration。
// 调用方应在启动阶段创建一次并复用。
func NewOriginRegistry(cfg *config.Config, logger *logrus.Logger) (*OriginRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	registry := &OriginRegistry{
		routes: make(map[string]*OriginRoute, len(cfg.Origins)),
		byName: make(map[string]*OriginRoute, len(cfg.Origins)),
	}

	for _, origin := range cfg.Origins {
		normalizedHost := normalizeDomain(origin.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for origin %s", origin.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildOriginRoute(cfg, origin, logger)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[origin.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 OriginRoute。
func (r *OriginRegistry) Lookup(host string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 按名称查找 OriginRoute，供诊断接口使用。
func (r *OriginRegistry) Get(name string) (*OriginRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回当前注册的 OriginRoute 列表（按配置定义的顺序）。
func (r *OriginRegistry) List() []*OriginRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*OriginRoute(nil), r.ordered...)
}

func buildOriginRoute(cfg *config.Config, origin config.OriginConfig, logger *logrus.Logger) (*OriginRoute, error) {
	runtime, err := config.BuildOriginRuntime(origin)
	if err != nil {
		return nil, err
	}

	client, err := network.NewClient(network.ClientOptions{
		Origin:  runtime.Upstream,
		Proxy:   runtime.Proxy,
		Timeout: cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", origin.Name, err)
	}

	storage, err := cache.NewStorage(filepath.Join(cfg.Global.StoragePath, origin.Name), cache.Options{
		Compress: cfg.Global.CompressEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", origin.Name, err)
	}

	registration, err := lifecycle.New(lifecycle.Options{
		Origin: origin.Name,
		Logger: logger,
		Retry: lifecycle.RetryPolicy{
			MaxRetries:     cfg.Global.MaxRetries,
			InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("origin %s: %w", origin.Name, err)
	}

	route := &OriginRoute{
		Config:       origin,
		ListenPort:   cfg.Global.ListenPort,
		UpstreamURL:  runtime.Upstream,
		ProxyURL:     runtime.Proxy,
		Manifest:     runtime.Manifest,
		Client:       client,
		Storage:      storage,
		Registration: registration,
	}
	route.newWorker = func() (*worker.Worker, error) {
		return worker.New(worker.Options{
			OriginName:         origin.Name,
			Origin:             runtime.Upstream,
			Manifest:           runtime.Manifest,
			Storage:            storage,
			Fetcher:            client,
			Logger:             logger,
			InstallConcurrency: cfg.Global.InstallConcurrency,
			MaxEntrySize:       cfg.Global.MaxEntrySize,
		})
	}
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
