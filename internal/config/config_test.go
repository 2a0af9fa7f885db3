package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.ScrapeWait())
	require.Equal(t, "linkscout-bot/0.1", cfg.Crawler.UserAgent)
	require.Equal(t, 0.5, cfg.Scoring.ExactWeight)
	require.Equal(t, 0.3, cfg.Scoring.SemanticWeight)
	require.Equal(t, 0.2, cfg.Scoring.ContextWeight)
	require.Equal(t, "memory", cfg.Queue.Provider)
	require.Equal(t, 30*time.Second, cfg.VisibilityTimeout())
	require.Equal(t, 3, cfg.Queue.MaxRetries)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "scraped_items", cfg.DB.Table)
	require.Equal(t, 15*time.Minute, cfg.JobRetention())
	require.Equal(t, 4, cfg.Workers.Scorers)
	require.Equal(t, 2, cfg.Workers.Persisters)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
queue:
  provider: redis
  addr: localhost:6379
crawler:
  user_agent: custom-bot/1.0
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "redis", cfg.Queue.Provider)
	require.Equal(t, "localhost:6379", cfg.Queue.Addr)
	require.Equal(t, "custom-bot/1.0", cfg.Crawler.UserAgent)
	// Untouched keys keep their defaults.
	require.Equal(t, 256, cfg.Queue.Depth)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"weights not summing to one", func(c *Config) { c.Scoring.ExactWeight = 0.9 }},
		{"negative weight", func(c *Config) {
			c.Scoring.ExactWeight = -0.1
			c.Scoring.SemanticWeight = 0.9
		}},
		{"unknown queue provider", func(c *Config) { c.Queue.Provider = "rabbitmq" }},
		{"redis without addr", func(c *Config) { c.Queue.Provider = "redis" }},
		{"unknown db provider", func(c *Config) { c.DB.Provider = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.DB.Provider = "postgres" }},
		{"auth enabled without key", func(c *Config) { c.Auth.Enabled = true }},
		{"zero max retries", func(c *Config) { c.Queue.MaxRetries = 0 }},
		{"zero workers", func(c *Config) { c.Workers.Scorers = 0 }},
		{"non-positive sigmoid scale", func(c *Config) { c.Scoring.SigmoidScale = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
