package server

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tigris-pwa/tigris-cache/internal/logging"
)

// Bootstrap 为每个 Origin 注册首个 Worker：install → activate → claim。
// 单个 Origin 失败不会阻止启动，该 Origin 的请求会直接透传上游，直到下次 update 成功。
// 返回成功取得控制权的 Origin 数量。
func (r *OriginRegistry) Bootstrap(ctx context.Context, logger *logrus.Logger) int {
	controlled := 0
	for _, route := range r.List() {
		if err := Update(ctx, route); err != nil {
			fields := logging.LifecycleFields(route.Config.Name, route.Manifest.CacheName, "bootstrap")
			fields["error"] = err.Error()
			logger.WithFields(fields).Error("origin bootstrap failed, passing requests through")
			continue
		}
		controlled++
	}
	return controlled
}

// Update 为 route 构造新的 Worker 并交给 Registration 完成 install/activate/claim。
func Update(ctx context.Context, route *OriginRoute) error {
	w, err := route.NewWorker()
	if err != nil {
		return err
	}
	return route.Registration.Update(ctx, w)
}
