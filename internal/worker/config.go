// Package worker provides the crawl worker loop and the coordinator that
// runs a pool of them against the shared target queue.
package worker

import (
	"errors"
	"time"

	"github.com/leadharvest/bizcrawl/internal/proxy"
)

const (
	// DefaultWorkers is the default number of concurrent workers.
	DefaultWorkers = 4

	// DefaultMaxPerPartition caps concurrent IN_PROGRESS targets per partition.
	DefaultMaxPerPartition = 2

	// DefaultMaxPages is the default page budget per claimed target.
	DefaultMaxPages = 50

	// DefaultMaxRetries is the attempts ceiling before a target goes FAILED.
	DefaultMaxRetries = 3

	// DefaultHeartbeatTimeout is how stale a heartbeat must be before the
	// claim is treated as orphaned.
	DefaultHeartbeatTimeout = 5 * time.Minute

	// DefaultRecoveryInterval is how often the coordinator sweeps for
	// orphaned claims.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultAcquireIdleWait is how long a worker sleeps when no target is
	// eligible.
	DefaultAcquireIdleWait = 15 * time.Second

	// DefaultDrainTimeout is the maximum wait for in-flight targets during
	// shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultStaggerDelay spaces worker startups so a fresh pool does not
	// stampede the queue or the sites.
	DefaultStaggerDelay = 2 * time.Second

	// DefaultRateLimitMaxWait bounds how long a worker blocks on bucket
	// tokens before giving the target back.
	DefaultRateLimitMaxWait = 2 * time.Minute

	// DefaultDBRetryWindow bounds exponential retry of transient database
	// errors around acquire and checkpoint.
	DefaultDBRetryWindow = 30 * time.Second

	// MaxWorkers is the upper bound on pool size.
	MaxWorkers = 100
)

// Config holds configuration for the worker pool.
type Config struct {
	// PartitionKeys is the set of partitions this process works.
	PartitionKeys []string

	// Workers is the number of concurrent workers.
	Workers int

	// MaxPerPartition caps concurrent IN_PROGRESS targets per partition.
	MaxPerPartition int

	// MaxPages is the page budget recorded on each claimed target.
	MaxPages int

	// MaxRetries is the attempts ceiling before a target goes FAILED.
	MaxRetries int

	// ProxyStrategy selects proxies: round_robin or health_based.
	ProxyStrategy string

	// HeartbeatTimeout is the staleness threshold for orphan recovery.
	HeartbeatTimeout time.Duration

	// RecoveryInterval is how often the coordinator sweeps for orphans.
	RecoveryInterval time.Duration

	// AcquireIdleWait is the sleep between acquire attempts when the queue
	// is empty.
	AcquireIdleWait time.Duration

	// DrainTimeout is the maximum wait for workers during shutdown.
	DrainTimeout time.Duration

	// StaggerDelay spaces worker startups.
	StaggerDelay time.Duration

	// RateLimitMaxWait bounds blocking on bucket tokens.
	RateLimitMaxWait time.Duration

	// DBRetryWindow bounds retry of transient database errors.
	DBRetryWindow time.Duration
}

// DefaultConfig returns a Config with sensible defaults. PartitionKeys must
// still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Workers:          DefaultWorkers,
		MaxPerPartition:  DefaultMaxPerPartition,
		MaxPages:         DefaultMaxPages,
		MaxRetries:       DefaultMaxRetries,
		ProxyStrategy:    proxy.StrategyHealthBased,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		RecoveryInterval: DefaultRecoveryInterval,
		AcquireIdleWait:  DefaultAcquireIdleWait,
		DrainTimeout:     DefaultDrainTimeout,
		StaggerDelay:     DefaultStaggerDelay,
		RateLimitMaxWait: DefaultRateLimitMaxWait,
		DBRetryWindow:    DefaultDBRetryWindow,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.PartitionKeys) == 0 {
		return errors.New("at least one partition key is required")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.Workers > MaxWorkers {
		return errors.New("workers cannot exceed 100")
	}
	if c.MaxPerPartition < 1 {
		return errors.New("max per partition must be at least 1")
	}
	if c.MaxPages < 1 {
		return errors.New("max pages must be at least 1")
	}
	if c.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if c.ProxyStrategy != proxy.StrategyRoundRobin && c.ProxyStrategy != proxy.StrategyHealthBased {
		return errors.New("proxy strategy must be round_robin or health_based")
	}
	if c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat timeout must be positive")
	}
	if c.RecoveryInterval <= 0 {
		return errors.New("recovery interval must be positive")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain timeout must be positive")
	}
	return nil
}
