package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Global.ListenPort)
	assert.True(t, filepath.IsAbs(cfg.Global.StoragePath))
	assert.Equal(t, int64(1048576), cfg.Global.MaxEntrySize)
	assert.True(t, cfg.Global.CompressEntries)
	assert.Equal(t, defaultInstallConcurrency, cfg.Global.InstallConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Global.InitialBackoff.DurationValue())
	assert.Equal(t, 15*time.Second, cfg.Global.UpstreamTimeout.DurationValue())

	require.Len(t, cfg.Origins, 1)
	origin := cfg.Origins[0]
	assert.Equal(t, "tigris.local", origin.Domain)
	assert.Equal(t, "tigris", origin.Manifest)
	assert.Equal(t, "https://tigris.example", origin.Upstream)
}

func TestValidateRejectsMissingDomain(t *testing.T) {
	_, err := Load(testConfigPath(t, "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Origin[tigris].Domain")
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000

	var fieldErr FieldError
	require.True(t, errors.As(cfg.Validate(), &fieldErr))
	assert.Equal(t, "Global.ListenPort", fieldErr.Field)
}

func TestValidateManifestKey(t *testing.T) {
	testCases := []struct {
		name      string
		manifest  string
		shouldErr bool
	}{
		{"tigris ok", "tigris", false},
		{"case insensitive", "TIGRIS", false},
		{"missing", "", true},
		{"unregistered", "bistro", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origins[0].Manifest = tc.manifest
			err := cfg.Validate()
			if tc.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateDomains(t *testing.T) {
	cfg := validConfig()
	dup := cfg.Origins[0]
	dup.Name = "mirror"
	dup.Domain = "TIGRIS.local"
	cfg.Origins = append(cfg.Origins, dup)
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnsafeOriginName(t *testing.T) {
	for _, name := range []string{"../etc", ".hidden", `a\b`} {
		cfg := validConfig()
		cfg.Origins[0].Name = name
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestValidateRejectsUpstreamWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.Origins[0].Upstream = "https://tigris.example/site"
	assert.Error(t, cfg.Validate())
}

func TestBuildOriginRuntime(t *testing.T) {
	cfg := validConfig()
	cfg.Origins[0].Proxy = "http://proxy.local:3128"

	runtime, err := BuildOriginRuntime(cfg.Origins[0])
	require.NoError(t, err)
	assert.Equal(t, "tigris.example", runtime.Upstream.Host)
	require.NotNil(t, runtime.Proxy)
	assert.Equal(t, "proxy.local:3128", runtime.Proxy.Host)
	assert.Equal(t, "tigris-pwa-v1", runtime.Manifest.CacheName)

	cfg.Origins[0].Manifest = "bistro"
	_, err = BuildOriginRuntime(cfg.Origins[0])
	assert.Error(t, err)
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			MaxEntrySize:       1024,
			InstallConcurrency: 2,
			MaxRetries:         1,
			InitialBackoff:     Duration(time.Second),
			UpstreamTimeout:    Duration(time.Second),
		},
		Origins: []OriginConfig{
			{
				Name:     "tigris",
				Domain:   "tigris.local",
				Upstream: "https://tigris.example",
				Manifest: "tigris",
			},
		},
	}
}
