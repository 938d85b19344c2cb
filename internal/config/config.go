package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// DATABASE_URL selects Postgres; when empty the collector falls back to
	// the local SQLite file at SOCFLOW_DB_PATH.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	SQLitePath  string `envconfig:"SOCFLOW_DB_PATH" default:"data/socflow.db"`
	DBMinConns  int32  `envconfig:"SF_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"SF_DB_MAX_CONNS" default:"8"`

	CollectConcurrency int           `envconfig:"COLLECT_CONCURRENCY" default:"3"`
	CollectMaxRetries  int           `envconfig:"COLLECT_MAX_RETRIES" default:"5"`
	BackoffBase        time.Duration `envconfig:"COLLECT_BACKOFF_BASE" default:"1s"`
	BackoffMax         time.Duration `envconfig:"COLLECT_BACKOFF_MAX" default:"60s"`
	RecordTimeout      time.Duration `envconfig:"COLLECT_RECORD_TIMEOUT" default:"10s"`
	BatchTimeout       time.Duration `envconfig:"COLLECT_BATCH_TIMEOUT" default:"90s"`
	FollowInterval     time.Duration `envconfig:"COLLECT_FOLLOW_INTERVAL" default:"60s"`

	ClockSkewTolerance time.Duration `envconfig:"CLOCK_SKEW_TOLERANCE" default:"5m"`
	DedupRetentionDays int           `envconfig:"DEDUP_RETENTION_DAYS" default:"0"`
	DedupCacheSize     int           `envconfig:"DEDUP_CACHE_SIZE" default:"65536"`

	RedditEnabled    bool    `envconfig:"REDDIT_ENABLED" default:"true"`
	RedditSubreddits string  `envconfig:"REDDIT_SUBREDDITS" default:"all"`
	RedditUserAgent  string  `envconfig:"REDDIT_USER_AGENT" default:"socflow/1.0"`
	RedditMaxPosts   int     `envconfig:"REDDIT_MAX_POSTS" default:"1000"`
	RedditRPS        float64 `envconfig:"REDDIT_RPS" default:"1"`

	MastodonEnabled   bool    `envconfig:"MASTODON_ENABLED" default:"true"`
	MastodonInstances string  `envconfig:"MASTODON_INSTANCES" default:"https://mastodon.social"`
	MastodonHashtags  string  `envconfig:"MASTODON_HASHTAGS" default:""`
	MastodonMaxPosts  int     `envconfig:"MASTODON_MAX_POSTS" default:"1000"`
	MastodonRPS       float64 `envconfig:"MASTODON_RPS" default:"1"`

	BlueskyEnabled  bool    `envconfig:"BLUESKY_ENABLED" default:"true"`
	BlueskyKeywords string  `envconfig:"BLUESKY_KEYWORDS" default:""`
	BlueskyMaxPosts int     `envconfig:"BLUESKY_MAX_POSTS" default:"1000"`
	BlueskyRPS      float64 `envconfig:"BLUESKY_RPS" default:"2"`

	ReplayDir string `envconfig:"REPLAY_DIR" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("either DATABASE_URL or SOCFLOW_DB_PATH is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SF_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SF_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SF_DB_MIN_CONNS (%d) cannot exceed SF_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CollectConcurrency < 1 {
		return fmt.Errorf("COLLECT_CONCURRENCY must be >= 1")
	}
	if c.CollectMaxRetries < 0 {
		return fmt.Errorf("COLLECT_MAX_RETRIES must be >= 0")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("COLLECT_BACKOFF_BASE must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("COLLECT_BACKOFF_MAX must be >= COLLECT_BACKOFF_BASE")
	}
	if c.DedupRetentionDays < 0 {
		return fmt.Errorf("DEDUP_RETENTION_DAYS must be >= 0")
	}
	return nil
}

// UsePostgres reports whether DATABASE_URL is set; SQLite otherwise.
func (c *Config) UsePostgres() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

func (c *Config) RedditSubredditList() []string {
	return splitCSV(c.RedditSubreddits)
}

func (c *Config) MastodonInstanceList() []string {
	return splitCSV(c.MastodonInstances)
}

func (c *Config) MastodonHashtagList() []string {
	return splitCSV(c.MastodonHashtags)
}

func (c *Config) BlueskyKeywordList() []string {
	return splitCSV(c.BlueskyKeywords)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		values = append(values, value)
	}
	return values
}
