package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
InitialBackoff = "boom"

[[Origin]]
Name = "tigris"
Domain = "tigris.local"
Upstream = "https://tigris.example"
Manifest = "tigris"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsOriginLevelPort(t *testing.T) {
	cfg := `
[[Origin]]
Name = "tigris"
Domain = "tigris.local"
Upstream = "https://tigris.example"
Manifest = "tigris"
Port = 8080
`
	_, err := Load(writeTempConfig(t, cfg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Origin[tigris].Port")
}

func TestLoadRequiresOrigin(t *testing.T) {
	_, err := Load(writeTempConfig(t, `ListenPort = 5000`))
	assert.Error(t, err)
}
