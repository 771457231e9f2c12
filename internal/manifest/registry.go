package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = newRegistry()

type registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
}

func newRegistry() *registry {
	return &registry{manifests: make(map[string]Manifest)}
}

// Register 将清单加入全局注册表，重复键或非法清单会返回错误。
func Register(m Manifest) error {
	return globalRegistry.register(m)
}

// MustRegister 在注册失败时 panic，适合清单包的 init() 中调用。
func MustRegister(m Manifest) {
	if err := Register(m); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的清单。
func Resolve(key string) (Manifest, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的清单列表。
func List() []Manifest {
	return globalRegistry.list()
}

// Keys 返回所有已注册清单的键值，供配置校验与诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, m := range items {
		result[i] = m.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(m Manifest) error {
	key := normalizeKey(m.Key)
	if key == "" {
		return fmt.Errorf("manifest key is required")
	}
	m.Key = key
	if err := m.Validate(); err != nil {
		return err
	}
	m.Routes = append([]string(nil), m.Routes...)
	m.Assets = append([]string(nil), m.Assets...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.manifests[key]; exists {
		return fmt.Errorf("manifest %s already registered", key)
	}
	r.manifests[key] = m
	return nil
}

func (r *registry) resolve(key string) (Manifest, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Manifest{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[normalized]
	return m, ok
}

func (r *registry) list() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.manifests) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.manifests))
	for key := range r.manifests {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Manifest, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.manifests[key])
	}
	return result
}
