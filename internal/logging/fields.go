package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供源站/缓存版本/请求 key/响应来源字段，供拦截请求日志复用。
func RequestFields(origin, version, key, source string) logrus.Fields {
	fields := logrus.Fields{
		"action":  "fetch",
		"origin":  origin,
		"version": version,
		"key":     key,
	}
	if source != "" {
		fields["source"] = source
	}
	return fields
}

// LifecycleFields 提供 install/activate/claim 等生命周期事件的公共字段。
func LifecycleFields(origin, version, action string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"origin":  origin,
		"version": version,
	}
}
