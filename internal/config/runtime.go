package config

import (
	"fmt"
	"net/url"

	"github.com/tigris-pwa/tigris-cache/internal/manifest"

	// 编译期注册的 manifest。
	_ "github.com/tigris-pwa/tigris-cache/internal/manifest/tigris"
)

// OriginRuntime 将 Origin 配置与 manifest、解析后的 URL 合并，方便启动阶段直接取用。
type OriginRuntime struct {
	Config   OriginConfig
	Manifest manifest.Manifest
	Upstream *url.URL
	Proxy    *url.URL
}

// BuildOriginRuntime 解析上游/代理地址并查找 manifest；假定 Validate 已经通过。
func BuildOriginRuntime(cfg OriginConfig) (OriginRuntime, error) {
	m, ok := manifest.Resolve(cfg.Manifest)
	if !ok {
		return OriginRuntime{}, newFieldError(originField(cfg.Name, "Manifest"), fmt.Sprintf("未注册 manifest: %s", cfg.Manifest))
	}
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return OriginRuntime{}, fmt.Errorf("%s: %w", originField(cfg.Name, "Upstream"), err)
	}
	runtime := OriginRuntime{
		Config:   cfg,
		Manifest: m,
		Upstream: upstream,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return OriginRuntime{}, fmt.Errorf("%s: %w", originField(cfg.Name, "Proxy"), err)
		}
		runtime.Proxy = proxyURL
	}
	return runtime, nil
}
