// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// EnvPrefix prefixes every environment override, e.g. CRAWLER_SERVER_PORT.
const EnvPrefix = "CRAWLER"

// Backend names accepted by the storage, database, fingerprint, and
// publisher sections.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendPubSub   = "pubsub"
	BackendKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Crawler      CrawlerConfig     `mapstructure:"crawler"`
	HTTP         HTTPConfig        `mapstructure:"http"`
	Headless     HeadlessConfig    `mapstructure:"headless"`
	Extractor    ExtractorConfig   `mapstructure:"extractor"`
	Storage      StorageConfig     `mapstructure:"storage"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Fingerprints FingerprintConfig `mapstructure:"fingerprints"`
	Publisher    PublisherConfig   `mapstructure:"publisher"`
	Progress     ProgressConfig    `mapstructure:"progress"`
	Jobs         JobsConfig        `mapstructure:"jobs"`
	Manifest     ManifestConfig    `mapstructure:"manifest"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior. An empty APIKey disables the
// X-API-Key guard.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	APIKey            string        `mapstructure:"api_key"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// CrawlerConfig governs the per-job crawl pipeline.
type CrawlerConfig struct {
	UserAgent           string        `mapstructure:"user_agent"`
	Concurrency         int           `mapstructure:"concurrency"`
	MaxPages            int           `mapstructure:"max_pages"`
	MaxDepth            int           `mapstructure:"max_depth"`
	RateInterval        time.Duration `mapstructure:"rate_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseBackoff    time.Duration `mapstructure:"retry_base_backoff"`
	RetryMaxBackoff     time.Duration `mapstructure:"retry_max_backoff"`
	FetchTimeout        time.Duration `mapstructure:"fetch_timeout"`
	MaxRedirects        int           `mapstructure:"max_redirects"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	GracePeriod         time.Duration `mapstructure:"grace_period"`
	FollowLinks         bool          `mapstructure:"follow_links"`
	FollowExternal      bool          `mapstructure:"follow_external"`
	RespectRobots       bool          `mapstructure:"respect_robots"`
	RobotsTTL           time.Duration `mapstructure:"robots_ttl"`
	RobotsAttempts      int           `mapstructure:"robots_attempts"`
	RobotsTimeout       time.Duration `mapstructure:"robots_timeout"`
	AllowedContentTypes []string      `mapstructure:"allowed_content_types"`
	ContentMaxChars     int           `mapstructure:"content_max_chars"`
	FrontierWait        time.Duration `mapstructure:"frontier_wait"`
	UseSitemap          bool          `mapstructure:"use_sitemap"`
	SitemapMaxURLs      int           `mapstructure:"sitemap_max_urls"`
	SkipAssets          bool          `mapstructure:"skip_assets"`
	DenyHosts           []string      `mapstructure:"deny_hosts"`
}

// HTTPConfig configures the shared HTTP client.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// PromotionThreshold is the visible word count below which a scripted
	// page is re-fetched in the browser.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// ExtractorConfig selects the primary content extractor.
type ExtractorConfig struct {
	Primary  string `mapstructure:"primary"`
	Markdown bool   `mapstructure:"markdown"`
}

// StorageConfig selects where raw HTML and extracted JSON are written.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// DatabaseConfig selects the job and page record store.
type DatabaseConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// FingerprintConfig selects the change-detection store.
type FingerprintConfig struct {
	Backend       string        `mapstructure:"backend"`
	BadgerPath    string        `mapstructure:"badger_path"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

// PublisherConfig selects where page events go. An empty Topic disables
// publishing.
type PublisherConfig struct {
	Backend      string   `mapstructure:"backend"`
	ProjectID    string   `mapstructure:"project_id"`
	Topic        string   `mapstructure:"topic"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// ProgressConfig tunes the lifecycle event hub and live subscribers.
type ProgressConfig struct {
	BufferSize       int           `mapstructure:"buffer"`
	BatchSize        int           `mapstructure:"batch_size"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// JobsConfig bounds how many crawls run and wait at once.
type JobsConfig struct {
	Runners        int           `mapstructure:"runners"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	Retain         int           `mapstructure:"retain"`
}

// ManifestConfig toggles llm.txt generation.
type ManifestConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig selects the zap encoder and minimum level. An empty Level
// means debug in development and info otherwise.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from an optional file plus CRAWLER_* environment
// variables, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("crawler.user_agent", "sitecrawler/1.0 (+https://github.com/JakeFAU/sitecrawler)")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.max_pages", 100)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.rate_interval", time.Second)
	v.SetDefault("crawler.max_retries", crawler.DefaultMaxAttempts)
	v.SetDefault("crawler.retry_base_backoff", crawler.DefaultBaseBackoff)
	v.SetDefault("crawler.retry_max_backoff", crawler.DefaultMaxBackoff)
	v.SetDefault("crawler.fetch_timeout", 15*time.Second)
	v.SetDefault("crawler.max_redirects", 5)
	v.SetDefault("crawler.job_timeout", 30*time.Minute)
	v.SetDefault("crawler.grace_period", 5*time.Second)
	v.SetDefault("crawler.follow_links", true)
	v.SetDefault("crawler.follow_external", false)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_ttl", time.Hour)
	v.SetDefault("crawler.robots_attempts", 3)
	v.SetDefault("crawler.robots_timeout", 10*time.Second)
	v.SetDefault("crawler.allowed_content_types", []string{"text/html", "application/xhtml+xml"})
	v.SetDefault("crawler.content_max_chars", 20000)
	v.SetDefault("crawler.frontier_wait", 2*time.Second)
	v.SetDefault("crawler.use_sitemap", false)
	v.SetDefault("crawler.sitemap_max_urls", 5000)
	v.SetDefault("crawler.skip_assets", true)
	v.SetDefault("crawler.deny_hosts", []string{})

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", 10<<20)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.promotion_threshold", 60)

	v.SetDefault("extractor.primary", "trafilatura")
	v.SetDefault("extractor.markdown", true)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "pages")

	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.migrate", true)

	v.SetDefault("fingerprints.backend", BackendMemory)
	v.SetDefault("fingerprints.badger_path", "data/fingerprints")
	v.SetDefault("fingerprints.redis_addr", "")
	v.SetDefault("fingerprints.redis_password", "")
	v.SetDefault("fingerprints.redis_db", 0)
	v.SetDefault("fingerprints.redis_prefix", "sitecrawler:fp:")
	v.SetDefault("fingerprints.redis_ttl", time.Duration(0))

	v.SetDefault("publisher.backend", BackendMemory)
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("publisher.kafka_brokers", []string{})

	v.SetDefault("progress.buffer", 1024)
	v.SetDefault("progress.batch_size", 100)
	v.SetDefault("progress.flush_interval", time.Second)
	v.SetDefault("progress.subscriber_buffer", 64)

	v.SetDefault("jobs.runners", 2)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.enqueue_timeout", 5*time.Second)
	v.SetDefault("jobs.retain", 1000)

	v.SetDefault("manifest.enabled", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.RateInterval < 0 {
		return fmt.Errorf("crawler.rate_interval must be >= 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if !slices.Contains([]string{"trafilatura", "goquery"}, c.Extractor.Primary) {
		return fmt.Errorf("extractor.primary must be trafilatura or goquery, got %q", c.Extractor.Primary)
	}
	if c.Jobs.Runners <= 0 {
		return fmt.Errorf("jobs.runners must be > 0")
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}

	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}

	switch c.Fingerprints.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Fingerprints.BadgerPath == "" {
			return fmt.Errorf("fingerprints.badger_path is required for the badger backend")
		}
	case BackendRedis:
		if c.Fingerprints.RedisAddr == "" {
			return fmt.Errorf("fingerprints.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres fingerprints")
		}
	default:
		return fmt.Errorf("fingerprints.backend %q is not supported", c.Fingerprints.Backend)
	}

	switch c.Publisher.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	case BackendKafka:
		if len(c.Publisher.KafkaBrokers) == 0 || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.kafka_brokers and publisher.topic are required for kafka")
		}
	default:
		return fmt.Errorf("publisher.backend %q is not supported", c.Publisher.Backend)
	}
	return nil
}

// JobDefaults are the parameters applied to request fields left unset.
func (c Config) JobDefaults() crawler.JobParameters {
	return crawler.JobParameters{
		MaxPages:       c.Crawler.MaxPages,
		MaxDepth:       c.Crawler.MaxDepth,
		FollowLinks:    c.Crawler.FollowLinks,
		FollowExternal: c.Crawler.FollowExternal,
		RespectRobots:  c.Crawler.RespectRobots,
		RateLimit:      c.Crawler.RateInterval.Seconds(),
		Concurrency:    c.Crawler.Concurrency,
		UseSitemap:     c.Crawler.UseSitemap,
	}
}

// RetryPolicy builds the fetch retry policy.
func (c Config) RetryPolicy() *crawler.ExponentialRetryPolicy {
	return crawler.NewExponentialRetryPolicy(c.Crawler.MaxRetries, c.Crawler.RetryBaseBackoff, c.Crawler.RetryMaxBackoff)
}
