package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_HOST", "redis.internal")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 4000
redis:
  host: ${TEST_REDIS_HOST}
  port: ${TEST_REDIS_PORT:-6380}
collaboration:
  session_timeout: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 6380, cfg.Redis.Port)
	assert.Equal(t, 5*time.Minute, cfg.Collaboration.SessionTimeout)

	// Untouched fields keep defaults.
	assert.Equal(t, "./models", cfg.Models.Dir)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("REDIS_HOST", "override")
	t.Setenv("SESSION_TIMEOUT", "120")
	t.Setenv("MODEL_CONTEXT_SIZE", "16384")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "override", cfg.Redis.Host)
	assert.Equal(t, 2*time.Minute, cfg.Collaboration.SessionTimeout)
	assert.Equal(t, 16384, cfg.Runtime.ContextSize)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no models dir", func(c *Config) { c.Models.Dir = "" }},
		{"zero contexts", func(c *Config) { c.Runtime.ContextsPerModel = 0 }},
		{"bad usage", func(c *Config) { c.Collaboration.MaxContextUsage = 1.5 }},
		{"no redis host", func(c *Config) { c.Redis.Host = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestStreamMaxAge_ByEnvironment(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 60*time.Second, cfg.StreamMaxAge())

	cfg.Server.Environment = "production"
	assert.Equal(t, 300*time.Second, cfg.StreamMaxAge())

	cfg.Collaboration.StreamMaxAge = 45 * time.Second
	assert.Equal(t, 45*time.Second, cfg.StreamMaxAge())
}
