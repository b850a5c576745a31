// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/groupcrawl/internal/crawler"
	"github.com/JakeFAU/groupcrawl/internal/scheduler"
)

// EnvPrefix is prepended to every environment override, e.g. CRAWLER_CRAWL_THREADS.
const EnvPrefix = "CRAWLER"

// Queue backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Queue   QueueConfig   `mapstructure:"queue"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig governs admission control and the consumer loop.
type CrawlConfig struct {
	Threads          int           `mapstructure:"threads"`
	GroupConcurrency int           `mapstructure:"group_concurrency"`
	GroupBufferSize  int           `mapstructure:"group_buffer_size"`
	GroupThrottle    time.Duration `mapstructure:"group_throttle"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Dedupe           bool          `mapstructure:"dedupe"`
	ExpectedURLs     uint          `mapstructure:"expected_urls"`
	// FalsePositiveRate is the dedupe filter's target rate of new URLs
	// wrongly treated as already seen.
	FalsePositiveRate float64 `mapstructure:"false_positive_rate"`
}

// QueueConfig selects and configures the job queue.
type QueueConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisKey      string `mapstructure:"redis_key"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	PostgresTable string `mapstructure:"postgres_table"`
	// PostgresMaxConns caps the pgx pool; zero keeps the pgx default.
	PostgresMaxConns int32 `mapstructure:"postgres_max_conns"`
}

// HTTPConfig configures the fetcher.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	// MaxBodySize truncates response bodies, in bytes.
	MaxBodySize int `mapstructure:"max_body_size"`
	// Headers are sent with every request.
	Headers map[string]string `mapstructure:"headers"`
}

// ServerConfig controls the stats server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features, the minimum level and
// where log lines go.
type LoggingConfig struct {
	Development bool     `mapstructure:"development"`
	Level       string   `mapstructure:"level"`
	Outputs     []string `mapstructure:"outputs"`
}

// NewViper returns a Viper instance with defaults and environment overrides
// registered, ready for flags to be bound to it.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from defaults, the optional file at path and the environment.
func Load(path string) (Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom reads the optional file at path into v and decodes the result.
func LoadFrom(v *viper.Viper, path string) (Config, error) {
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
	cfg.Queue.Backend = cfg.Queue.ResolvedBackend()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.threads", 25)
	v.SetDefault("crawl.group_concurrency", 1)
	v.SetDefault("crawl.group_buffer_size", 25)
	v.SetDefault("crawl.group_throttle", 200*time.Millisecond)
	v.SetDefault("crawl.max_retries", 0)
	v.SetDefault("crawl.dedupe", true)
	v.SetDefault("crawl.expected_urls", 100000)
	v.SetDefault("crawl.false_positive_rate", 0.0001)
	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.path", "")
	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.redis_key", "groupcrawl")
	v.SetDefault("queue.postgres_dsn", "")
	v.SetDefault("queue.postgres_table", "crawl_jobs")
	v.SetDefault("queue.postgres_max_conns", 0)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "groupcrawl/1.0")
	v.SetDefault("http.max_body_size", 10*1024*1024)
	v.SetDefault("server.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stderr"})
}

// ResolvedBackend returns the configured backend, or bolt when only a path
// is given, or memory.
func (q QueueConfig) ResolvedBackend() string {
	backend := strings.ToLower(strings.TrimSpace(q.Backend))
	if backend != "" {
		return backend
	}
	if q.Path != "" {
		return BackendBolt
	}
	return BackendMemory
}

// Scheduler converts the crawl section into scheduler knobs.
func (c Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		TotalConcurrency: c.Crawl.Threads,
		GroupConcurrency: c.Crawl.GroupConcurrency,
		GroupBufferSize:  c.Crawl.GroupBufferSize,
		GroupThrottle:    c.Crawl.GroupThrottle,
	}
}

// Validate ensures the config contains sane values.
func (c Config) Validate() error {
	if err := c.Scheduler().Validate(); err != nil {
		return err
	}
	if c.Crawl.MaxRetries < 0 {
		return invalid("crawl.max_retries", "must be >= 0, got %d", c.Crawl.MaxRetries)
	}
	if c.Crawl.Dedupe && c.Crawl.ExpectedURLs == 0 {
		return invalid("crawl.expected_urls", "must be > 0 when dedupe is enabled")
	}
	if c.Crawl.Dedupe && (c.Crawl.FalsePositiveRate <= 0 || c.Crawl.FalsePositiveRate >= 1) {
		return invalid("crawl.false_positive_rate", "must be in (0, 1), got %g", c.Crawl.FalsePositiveRate)
	}
	if c.HTTP.MaxBodySize < 0 {
		return invalid("http.max_body_size", "must be >= 0, got %d", c.HTTP.MaxBodySize)
	}
	if c.Queue.PostgresMaxConns < 0 {
		return invalid("queue.postgres_max_conns", "must be >= 0, got %d", c.Queue.PostgresMaxConns)
	}
	if c.HTTP.Timeout <= 0 {
		return invalid("http.timeout", "must be > 0, got %s", c.HTTP.Timeout)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "%v", err)
	}

	switch c.Queue.ResolvedBackend() {
	case BackendMemory:
	case BackendBolt:
		if c.Queue.Path == "" {
			return invalid("queue.path", "required for the bolt backend")
		}
	case BackendRedis:
		if c.Queue.RedisAddr == "" {
			return invalid("queue.redis_addr", "required for the redis backend")
		}
		if c.Queue.RedisKey == "" {
			return invalid("queue.redis_key", "must not be empty")
		}
	case BackendPostgres:
		if c.Queue.PostgresDSN == "" {
			return invalid("queue.postgres_dsn", "required for the postgres backend")
		}
	default:
		return invalid("queue.backend", "unknown backend %q", c.Queue.Backend)
	}
	return nil
}

// RequestHeaders converts http.headers into the header set sent with
// every fetch, or nil when none are configured.
func (h HTTPConfig) RequestHeaders() http.Header {
	if len(h.Headers) == 0 {
		return nil
	}
	out := make(http.Header, len(h.Headers))
	for k, v := range h.Headers {
		out.Set(k, v)
	}
	return out
}

func invalid(field, format string, args ...any) error {
	return &crawler.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
