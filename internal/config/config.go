// Package config loads and validates downloader configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// Export targets.
const (
	ExportLocal    = "local"
	ExportGCS      = "gcs"
	ExportPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	Export     ExportConfig     `mapstructure:"export"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int `mapstructure:"port"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// DownloaderConfig governs retrieval and dispatch.
type DownloaderConfig struct {
	Concurrency            int      `mapstructure:"concurrency"`
	MaxRetries             int      `mapstructure:"max_retries"`
	RetryMultiplierSeconds int      `mapstructure:"retry_multiplier_seconds"`
	ConflictPolicy         string   `mapstructure:"conflict_policy"`
	CheckRemoteSize        bool     `mapstructure:"check_remote_size"`
	UserAgent              string   `mapstructure:"user_agent"`
	ProxyAddress           string   `mapstructure:"proxy_address"`
	URLBlacklist           []string `mapstructure:"url_blacklist"`
	BlockedHosts           []string `mapstructure:"blocked_hosts"`
	MaxRedirects           int      `mapstructure:"max_redirects"`
	RequestTimeoutSeconds  int      `mapstructure:"request_timeout_seconds"`
	DownloadDir            string   `mapstructure:"download_dir"`
	RateLimitRPS           float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst         int      `mapstructure:"rate_limit_burst"`
}

// ChallengeConfig configures the browser challenge solver.
type ChallengeConfig struct {
	Enabled                  bool   `mapstructure:"enabled"`
	Interactive              bool   `mapstructure:"interactive"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	CookieRetrievalAddress   string `mapstructure:"cookie_retrieval_address"`
}

// ExportConfig selects where crawl results are written after a batch.
type ExportConfig struct {
	Target    string `mapstructure:"target"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PubSubConfig holds the outcome notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RedisConfig configures the downloaded-URL ledger. An empty address keeps
// the ledger in memory.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTLHours  int    `mapstructure:"ttl_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ServiceName  string  `mapstructure:"service_name"`
	Exporter     string  `mapstructure:"exporter"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOWNLOADER")
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
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("downloader.concurrency", 4)
	v.SetDefault("downloader.max_retries", downloader.DefaultMaxRetries)
	v.SetDefault("downloader.retry_multiplier_seconds", int(downloader.DefaultRetryMultiplier/time.Second))
	v.SetDefault("downloader.conflict_policy", downloader.ReplaceIfDifferent.String())
	v.SetDefault("downloader.check_remote_size", true)
	v.SetDefault("downloader.user_agent", downloader.DefaultUserAgent)
	v.SetDefault("downloader.url_blacklist", []string{})
	v.SetDefault("downloader.blocked_hosts", []string{})
	v.SetDefault("downloader.max_redirects", 0)
	v.SetDefault("downloader.request_timeout_seconds", 0)
	v.SetDefault("downloader.download_dir", "downloads")
	v.SetDefault("downloader.rate_limit_rps", 0)
	v.SetDefault("downloader.rate_limit_burst", 1)
	v.SetDefault("challenge.enabled", false)
	v.SetDefault("challenge.interactive", true)
	v.SetDefault("challenge.navigation_timeout_seconds", 120)
	v.SetDefault("export.target", ExportLocal)
	v.SetDefault("export.local_dir", "exports")
	v.SetDefault("export.prefix", "batches")
	v.SetDefault("db.table", "crawled_items")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("redis.key_prefix", "downloaded:")
	v.SetDefault("redis.ttl_hours", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "creator-downloader")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.QueueDepth <= 0 {
		return fmt.Errorf("server.queue_depth must be > 0")
	}
	d := c.Downloader
	if d.Concurrency <= 0 {
		return fmt.Errorf("downloader.concurrency must be > 0")
	}
	if d.MaxRetries <= 0 {
		return fmt.Errorf("downloader.max_retries must be > 0")
	}
	if d.RetryMultiplierSeconds <= 0 {
		return fmt.Errorf("downloader.retry_multiplier_seconds must be > 0")
	}
	if _, err := downloader.ParseConflictPolicy(d.ConflictPolicy); err != nil {
		return fmt.Errorf("downloader.conflict_policy: %w", err)
	}
	if strings.TrimSpace(d.UserAgent) == "" {
		return fmt.Errorf("downloader.user_agent must be set")
	}
	if d.MaxRedirects < 0 {
		return fmt.Errorf("downloader.max_redirects must be >= 0")
	}
	if d.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("downloader.request_timeout_seconds must be >= 0")
	}
	if d.RateLimitRPS < 0 {
		return fmt.Errorf("downloader.rate_limit_rps must be >= 0")
	}
	if c.Challenge.Enabled && c.Challenge.NavigationTimeoutSeconds <= 0 {
		return fmt.Errorf("challenge.navigation_timeout_seconds must be > 0 when the challenge solver is enabled")
	}
	switch c.Export.Target {
	case ExportLocal:
		if c.Export.LocalDir == "" {
			return fmt.Errorf("export.local_dir must be set for local export")
		}
	case ExportGCS:
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket must be set for gcs export")
		}
	case ExportPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for postgres export")
		}
	default:
		return fmt.Errorf("export.target must be one of local, gcs, postgres (got %q)", c.Export.Target)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Redis.TTLHours < 0 {
		return fmt.Errorf("redis.ttl_hours must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// RequestTimeout is the per-request client timeout; zero means none.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Downloader.RequestTimeoutSeconds) * time.Second
}

// RetrievalPolicy converts the downloader section into an immutable policy
// bound to jar.
func (c Config) RetrievalPolicy(jar http.CookieJar) (downloader.RetrievalPolicy, error) {
	if jar == nil {
		return downloader.RetrievalPolicy{}, errors.New("cookie jar is required")
	}
	d := c.Downloader
	conflictPolicy, err := downloader.ParseConflictPolicy(d.ConflictPolicy)
	if err != nil {
		return downloader.RetrievalPolicy{}, err
	}
	policy, err := downloader.NewRetrievalPolicy(
		downloader.WithMaxRetries(d.MaxRetries),
		downloader.WithRetryMultiplier(time.Duration(d.RetryMultiplierSeconds)*time.Second),
		downloader.WithConflictPolicy(conflictPolicy),
		downloader.WithCheckRemoteSize(d.CheckRemoteSize),
		downloader.WithUserAgent(d.UserAgent),
		downloader.WithProxy(d.ProxyAddress),
		downloader.WithCookieJar(jar),
		downloader.WithURLBlacklist(d.URLBlacklist),
		downloader.WithMaxRedirects(d.MaxRedirects),
	)
	if err != nil {
		return downloader.RetrievalPolicy{}, fmt.Errorf("build retrieval policy: %w", err)
	}
	return policy, nil
}
