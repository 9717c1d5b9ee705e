// Package config loads application configuration from config.yaml, .env, and
// environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/leadharvest/bizcrawl/internal/proxy"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

// envPrefix namespaces environment overrides, e.g. BIZCRAWL_DATABASE_HOST.
const envPrefix = "BIZCRAWL"

// Config is the application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	API      APIConfig      `mapstructure:"api"`
	WAL      WALConfig      `mapstructure:"wal"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CrawlConfig configures the worker pool and scheduling.
type CrawlConfig struct {
	Partitions       []string      `mapstructure:"partitions"`
	Workers          int           `mapstructure:"workers"`
	MaxPerPartition  int           `mapstructure:"max_per_partition"`
	MaxPages         int           `mapstructure:"max_pages"`
	MaxRetries       int           `mapstructure:"max_retries"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	MinDelay         time.Duration `mapstructure:"min_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	TokensPerMinute  float64       `mapstructure:"tokens_per_minute"`
	BucketSize       float64       `mapstructure:"bucket_size"`
	Source           string        `mapstructure:"source"`
}

// ProxyConfig configures the proxy pool.
type ProxyConfig struct {
	File               string        `mapstructure:"file"`
	Strategy           string        `mapstructure:"strategy"`
	PerWorker          int           `mapstructure:"per_worker"`
	BlacklistThreshold int           `mapstructure:"blacklist_threshold"`
	BlacklistDuration  time.Duration `mapstructure:"blacklist_duration"`
	ProbeOnStartup     bool          `mapstructure:"probe_on_startup"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// WALConfig configures the per-worker audit log.
type WALConfig struct {
	Dir string `mapstructure:"dir"`
}

// Load reads configuration. A missing config file is fine; defaults plus
// environment cover everything.
func Load(path string) (*Config, error) {
	// .env values become process env before viper binds it.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "bizcrawl")
	v.SetDefault("database.dbname", "bizcrawl")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("crawl.workers", worker.DefaultWorkers)
	v.SetDefault("crawl.max_per_partition", worker.DefaultMaxPerPartition)
	v.SetDefault("crawl.max_pages", worker.DefaultMaxPages)
	v.SetDefault("crawl.max_retries", worker.DefaultMaxRetries)
	v.SetDefault("crawl.heartbeat_timeout", worker.DefaultHeartbeatTimeout)
	v.SetDefault("crawl.recovery_interval", worker.DefaultRecoveryInterval)
	v.SetDefault("crawl.drain_timeout", worker.DefaultDrainTimeout)
	v.SetDefault("crawl.min_delay", 2*time.Second)
	v.SetDefault("crawl.max_delay", 6*time.Second)
	v.SetDefault("crawl.tokens_per_minute", 12.0)
	v.SetDefault("crawl.bucket_size", 4.0)
	v.SetDefault("crawl.source", "directory")

	v.SetDefault("proxy.strategy", proxy.StrategyHealthBased)
	v.SetDefault("proxy.per_worker", 2)
	v.SetDefault("proxy.blacklist_threshold", proxy.DefaultBlacklistThreshold)
	v.SetDefault("proxy.blacklist_duration", proxy.DefaultBlacklistDuration)
	v.SetDefault("proxy.probe_on_startup", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("wal.dir", "wal")
}

// Validate checks the configuration section by section.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Crawl.Validate(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	if err := c.Proxy.Validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}

// Validate checks the database section.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.DBName == "" {
		return errors.New("dbname is required")
	}
	return nil
}

// Validate checks the crawl section.
func (c *CrawlConfig) Validate() error {
	if len(c.Partitions) == 0 {
		return errors.New("at least one partition is required")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.MinDelay < 0 || c.MaxDelay < c.MinDelay {
		return errors.New("delay range is invalid")
	}
	if c.TokensPerMinute <= 0 || c.BucketSize <= 0 {
		return errors.New("token bucket parameters must be positive")
	}
	return nil
}

// Validate checks the proxy section.
func (c *ProxyConfig) Validate() error {
	if c.File == "" {
		return errors.New("proxy file is required")
	}
	if c.Strategy != proxy.StrategyRoundRobin && c.Strategy != proxy.StrategyHealthBased {
		return errors.New("strategy must be round_robin or health_based")
	}
	if c.PerWorker < 1 {
		return errors.New("per_worker must be at least 1")
	}
	return nil
}

// WorkerConfig maps the crawl section onto the worker pool configuration.
func (c *Config) WorkerConfig() worker.Config {
	wc := worker.DefaultConfig()
	wc.PartitionKeys = c.Crawl.Partitions
	wc.Workers = c.Crawl.Workers
	wc.MaxPerPartition = c.Crawl.MaxPerPartition
	wc.MaxPages = c.Crawl.MaxPages
	wc.MaxRetries = c.Crawl.MaxRetries
	wc.ProxyStrategy = c.Proxy.Strategy
	wc.HeartbeatTimeout = c.Crawl.HeartbeatTimeout
	wc.RecoveryInterval = c.Crawl.RecoveryInterval
	wc.DrainTimeout = c.Crawl.DrainTimeout
	return wc
}
