package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stemdeck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir changes the working directory for the duration of the test
// (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Setenv("STEMDECK_CONFIG_DIR", t.TempDir())
	chdir(t, t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)

	d := Defaults()
	assert.Equal(t, d.Engine.Mode, cfg.Engine.Mode)
	assert.Equal(t, 3*time.Second, cfg.Engine.CancelGrace)
	assert.Equal(t, d.API.Listen, cfg.API.Listen)
	assert.Equal(t, d.State.Path, cfg.State.Path)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  mode: binary
  binary: /opt/stemdeck/engine
  cancel_grace: 500ms
state:
  path: /tmp/stemdeck/state.db
api:
  listen: 127.0.0.1:9999
  api_key: secret
service:
  log_level: debug
`)

	cfg, err := Load(nil, path)
	require.NoError(t, err)

	assert.Equal(t, EngineModeBinary, cfg.Engine.Mode)
	assert.Equal(t, "/opt/stemdeck/engine", cfg.Engine.Binary)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.CancelGrace)
	assert.Equal(t, "/tmp/stemdeck/state.db", cfg.State.Path)
	assert.Equal(t, "127.0.0.1:9999", cfg.API.Listen)
	assert.Equal(t, "secret", cfg.API.APIKey)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	// Untouched keys keep defaults.
	assert.Equal(t, Defaults().Engine.MaxOutputBytes, cfg.Engine.MaxOutputBytes)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "engine:\n  mode: script\n")
	t.Setenv("STEMDECK_ENGINE_MODE", "binary")
	t.Setenv("STEMDECK_ENGINE_BINARY", "/usr/local/bin/engine")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, EngineModeBinary, cfg.Engine.Mode)
	assert.Equal(t, "/usr/local/bin/engine", cfg.Engine.Binary)
}

func TestLoad_BoundViperValueWins(t *testing.T) {
	path := writeConfig(t, "service:\n  log_level: info\n")
	v := viper.New()
	v.Set("service.log_level", "error")

	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Service.LogLevel)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_InvalidMode(t *testing.T) {
	path := writeConfig(t, "engine:\n  mode: docker\n")
	_, err := Load(nil, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{
			name:    "script mode without runtime",
			mutate:  func(c *Config) { c.Engine.Runtime = "" },
			wantErr: "engine.runtime",
		},
		{
			name: "binary mode without binary",
			mutate: func(c *Config) {
				c.Engine.Mode = EngineModeBinary
				c.Engine.Binary = ""
			},
			wantErr: "engine.binary",
		},
		{
			name:    "zero grace",
			mutate:  func(c *Config) { c.Engine.CancelGrace = 0 },
			wantErr: "cancel_grace",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.API.Listen = "not-an-address" },
			wantErr: "api.listen",
		},
		{
			name:    "empty state path",
			mutate:  func(c *Config) { c.State.Path = "" },
			wantErr: "state.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRender_RedactsAPIKey(t *testing.T) {
	cfg := Defaults()
	cfg.API.APIKey = "super-secret"

	out, err := Render(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")
	assert.True(t, strings.Contains(string(out), "api_key: '********'") || strings.Contains(string(out), `api_key: "********"`))
	assert.Equal(t, "super-secret", cfg.API.APIKey, "Render must not mutate the input")
}

func TestStateConfig_LockPath(t *testing.T) {
	s := StateConfig{Path: filepath.Join("data", "stemdeck.db")}
	assert.Equal(t, filepath.Join("data", "stemdeck.lock"), s.LockPath())
}
