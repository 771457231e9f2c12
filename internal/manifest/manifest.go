package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// Manifest 是编译期固定的预缓存清单，CacheName 同时充当缓存版本号。
type Manifest struct {
	Key         string
	Description string
	CacheName   string
	Routes      []string
	Assets      []string
	OfflinePage string
}

// URLs 按 路由 → 静态资源 → 离线页面 的顺序返回需要预取的全部 URL，重复项只保留首次出现。
func (m Manifest) URLs() []string {
	result := make([]string, 0, len(m.Routes)+len(m.Assets)+1)
	seen := make(map[string]struct{}, cap(result))
	appendOnce := func(items ...string) {
		for _, item := range items {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	appendOnce(m.Routes...)
	appendOnce(m.Assets...)
	appendOnce(m.OfflinePage)
	return result
}

// Validate 校验清单的基本约束：必须有版本名、离线页面，所有条目均为绝对路径。
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return errors.New("manifest key is required")
	}
	if strings.TrimSpace(m.CacheName) == "" {
		return fmt.Errorf("manifest %s: cache name is required", m.Key)
	}
	if m.OfflinePage == "" {
		return fmt.Errorf("manifest %s: offline page is required", m.Key)
	}
	for _, item := range m.URLs() {
		if !strings.HasPrefix(item, "/") {
			return fmt.Errorf("manifest %s: entry %q must be an absolute path", m.Key, item)
		}
	}
	return nil
}
