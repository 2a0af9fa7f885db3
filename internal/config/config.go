// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Queue     QueueConfig     `mapstructure:"queue"`
	DB        DBConfig        `mapstructure:"db"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	ScrapeWaitSeconds int `mapstructure:"scrape_wait_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs page fetching and extraction.
type CrawlerConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ContextChars   int    `mapstructure:"context_chars"`
}

// ScoringConfig holds the relevance algorithm's tunables. The weights and
// sigmoid shape are design constants surfaced here so they are auditable
// and testable in isolation from I/O.
type ScoringConfig struct {
	ExactWeight    float64 `mapstructure:"exact_weight"`
	SemanticWeight float64 `mapstructure:"semantic_weight"`
	ContextWeight  float64 `mapstructure:"context_weight"`
	SigmoidScale   float64 `mapstructure:"sigmoid_scale"`
	SigmoidShift   float64 `mapstructure:"sigmoid_shift"`
	ContextWindow  int     `mapstructure:"context_window"`
}

// QueueConfig configures the task/result queues and their delivery contract.
type QueueConfig struct {
	Provider                 string `mapstructure:"provider"`
	Addr                     string `mapstructure:"addr"`
	Password                 string `mapstructure:"password"`
	Depth                    int    `mapstructure:"depth"`
	VisibilityTimeoutSeconds int    `mapstructure:"visibility_timeout_seconds"`
	MaxRetries               int    `mapstructure:"max_retries"`
	ReclaimIntervalSeconds   int    `mapstructure:"reclaim_interval_seconds"`
	TaskName                 string `mapstructure:"task_name"`
	ResultName               string `mapstructure:"result_name"`
}

// DBConfig controls access to the relational store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// EmbeddingConfig points at the external embedding service.
type EmbeddingConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	CacheSize      int    `mapstructure:"cache_size"`
}

// WorkersConfig sets worker pool sizes.
type WorkersConfig struct {
	Scorers    int `mapstructure:"scorers"`
	Persisters int `mapstructure:"persisters"`
}

// JobsConfig controls job tracker retention.
type JobsConfig struct {
	RetentionMinutes       int `mapstructure:"retention_minutes"`
	JanitorIntervalSeconds int `mapstructure:"janitor_interval_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.scrape_wait_seconds", 30)
	v.SetDefault("crawler.user_agent", "linkscout-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.context_chars", 240)
	v.SetDefault("scoring.exact_weight", 0.5)
	v.SetDefault("scoring.semantic_weight", 0.3)
	v.SetDefault("scoring.context_weight", 0.2)
	v.SetDefault("scoring.sigmoid_scale", 8.0)
	v.SetDefault("scoring.sigmoid_shift", -4.0)
	v.SetDefault("scoring.context_window", 8)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.visibility_timeout_seconds", 30)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.reclaim_interval_seconds", 5)
	v.SetDefault("queue.task_name", "scrape_tasks")
	v.SetDefault("queue.result_name", "scored_results")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.table", "scraped_items")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("embedding.url", "http://localhost:5050/embed")
	v.SetDefault("embedding.timeout_seconds", 30)
	v.SetDefault("embedding.cache_size", 1024)
	v.SetDefault("workers.scorers", 4)
	v.SetDefault("workers.persisters", 2)
	v.SetDefault("jobs.retention_minutes", 15)
	v.SetDefault("jobs.janitor_interval_seconds", 60)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.ScrapeWaitSeconds <= 0 {
		return fmt.Errorf("server.scrape_wait_seconds must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	sum := c.Scoring.ExactWeight + c.Scoring.SemanticWeight + c.Scoring.ContextWeight
	if c.Scoring.ExactWeight < 0 || c.Scoring.SemanticWeight < 0 || c.Scoring.ContextWeight < 0 {
		return fmt.Errorf("scoring weights must be >= 0")
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}
	if c.Scoring.SigmoidScale <= 0 {
		return fmt.Errorf("scoring.sigmoid_scale must be > 0")
	}
	if c.Scoring.ContextWindow <= 0 {
		return fmt.Errorf("scoring.context_window must be > 0")
	}
	switch c.Queue.Provider {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue provider: %s", c.Queue.Provider)
	}
	if c.Queue.Provider == "redis" && c.Queue.Addr == "" {
		return fmt.Errorf("queue.addr must be set when queue provider is redis")
	}
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}
	if c.Queue.VisibilityTimeoutSeconds <= 0 {
		return fmt.Errorf("queue.visibility_timeout_seconds must be > 0")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be > 0")
	}
	switch c.DB.Provider {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown db provider: %s", c.DB.Provider)
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db provider is postgres")
	}
	if c.Workers.Scorers <= 0 || c.Workers.Persisters <= 0 {
		return fmt.Errorf("workers.scorers and workers.persisters must be > 0")
	}
	return nil
}

// ScrapeWait converts the synchronous wait budget into a duration.
func (c Config) ScrapeWait() time.Duration {
	return time.Duration(c.Server.ScrapeWaitSeconds) * time.Second
}

// VisibilityTimeout converts the queue visibility window into a duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second
}

// JobRetention converts the tracker retention window into a duration.
func (c Config) JobRetention() time.Duration {
	return time.Duration(c.Jobs.RetentionMinutes) * time.Minute
}
