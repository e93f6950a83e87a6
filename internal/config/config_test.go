package config

import (
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Downloader.MaxRetries)
	assert.Equal(t, 5, cfg.Downloader.RetryMultiplierSeconds)
	assert.Equal(t, "ReplaceIfDifferent", cfg.Downloader.ConflictPolicy)
	assert.True(t, cfg.Downloader.CheckRemoteSize)
	assert.Equal(t, downloader.DefaultUserAgent, cfg.Downloader.UserAgent)
	assert.Zero(t, cfg.Downloader.MaxRedirects)
	assert.Equal(t, ExportLocal, cfg.Export.Target)
	assert.Equal(t, "crawled_items", cfg.DB.Table)
	assert.Zero(t, cfg.RequestTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
downloader:
  concurrency: 8
  max_retries: 3
  retry_multiplier_seconds: 2
  conflict_policy: backup_if_different
  check_remote_size: false
  user_agent: creator-agent
  url_blacklist: ["/avatar/", "tracking"]
  blocked_hosts: ["ads.example.com"]
  max_redirects: 5
  request_timeout_seconds: 30
  download_dir: /data/creators
challenge:
  enabled: true
  navigation_timeout_seconds: 60
export:
  target: gcs
  gcs_bucket: creator-exports
redis:
  addr: localhost:6379
  ttl_hours: 48
logging:
  development: false
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Downloader.Concurrency)
	assert.Equal(t, []string{"/avatar/", "tracking"}, cfg.Downloader.URLBlacklist)
	assert.Equal(t, []string{"ads.example.com"}, cfg.Downloader.BlockedHosts)
	assert.Equal(t, "/data/creators", cfg.Downloader.DownloadDir)
	assert.True(t, cfg.Challenge.Enabled)
	assert.Equal(t, "creator-exports", cfg.Export.GCSBucket)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	policy, err := cfg.RetrievalPolicy(jar)
	require.NoError(t, err)
	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, 2*time.Second, policy.RetryMultiplier())
	assert.Equal(t, downloader.BackupIfDifferent, policy.ConflictPolicy())
	assert.False(t, policy.CheckRemoteSize())
	assert.Equal(t, "creator-agent", policy.UserAgent())
	assert.Equal(t, 5, policy.MaxRedirects())
	assert.Equal(t, []string{"/avatar/", "tracking"}, policy.URLBlacklist())
	assert.Same(t, jar, policy.CookieJar())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOWNLOADER_DOWNLOADER_CONCURRENCY", "12")
	t.Setenv("DOWNLOADER_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Downloader.Concurrency)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestRetrievalPolicyRequiresJar(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	_, err = cfg.RetrievalPolicy(nil)
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid queue depth", func(c *Config) { c.Server.QueueDepth = 0 }, "server.queue_depth"},
		{"invalid concurrency", func(c *Config) { c.Downloader.Concurrency = 0 }, "downloader.concurrency"},
		{"invalid retries", func(c *Config) { c.Downloader.MaxRetries = 0 }, "downloader.max_retries"},
		{"invalid multiplier", func(c *Config) { c.Downloader.RetryMultiplierSeconds = 0 }, "retry_multiplier_seconds"},
		{"unknown conflict policy", func(c *Config) { c.Downloader.ConflictPolicy = "sometimes" }, "conflict_policy"},
		{"empty user agent", func(c *Config) { c.Downloader.UserAgent = " " }, "user_agent"},
		{"negative redirects", func(c *Config) { c.Downloader.MaxRedirects = -1 }, "max_redirects"},
		{"negative timeout", func(c *Config) { c.Downloader.RequestTimeoutSeconds = -1 }, "request_timeout_seconds"},
		{"negative rate", func(c *Config) { c.Downloader.RateLimitRPS = -1 }, "rate_limit_rps"},
		{"challenge without timeout", func(c *Config) {
			c.Challenge.Enabled = true
			c.Challenge.NavigationTimeoutSeconds = 0
		}, "navigation_timeout_seconds"},
		{"unknown export", func(c *Config) { c.Export.Target = "s3" }, "export.target"},
		{"gcs without bucket", func(c *Config) { c.Export.Target = ExportGCS }, "export.gcs_bucket"},
		{"postgres without dsn", func(c *Config) { c.Export.Target = ExportPostgres }, "db.dsn"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "outcomes" }, "pubsub.project_id"},
		{"negative ttl", func(c *Config) { c.Redis.TTLHours = -1 }, "redis.ttl_hours"},
		{"sample ratio out of range", func(c *Config) { c.Tracing.SampleRatio = 2 }, "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
