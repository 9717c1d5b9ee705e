// Package crawl implements the command that runs the crawl worker pool.
package crawl

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/leadharvest/bizcrawl/cmd/common"
	"github.com/leadharvest/bizcrawl/internal/api"
	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/fetcher"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/metrics"
	"github.com/leadharvest/bizcrawl/internal/proxy"
	"github.com/leadharvest/bizcrawl/internal/quarantine"
	"github.com/leadharvest/bizcrawl/internal/ratelimit"
	"github.com/leadharvest/bizcrawl/internal/wal"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

// Command creates the crawl command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run the crawl worker pool",
		Long: `Start the worker pool, acquire planned targets from the database,
and crawl them page by page until interrupted or the queue drains.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := common.NewCommandDeps()
			if err != nil {
				return err
			}
			return run(cmd.Context(), deps)
		},
	}
}

func run(ctx context.Context, deps common.CommandDeps) error {
	cfg := deps.Config
	log := deps.Logger

	db, err := deps.OpenDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	store := database.NewTargetRepository(db, database.NewListingRepository())

	pool, err := buildProxyPool(ctx, deps)
	if err != nil {
		return err
	}

	tier := ratelimit.Tier{
		MinDelay:        cfg.Crawl.MinDelay,
		MaxDelay:        cfg.Crawl.MaxDelay,
		TokensPerMinute: cfg.Crawl.TokensPerMinute,
		BucketSize:      cfg.Crawl.BucketSize,
	}
	tiers := ratelimit.NewTierTable(nil, tier)

	registry := prometheus.NewRegistry()
	quarantined := quarantine.New(log)

	// Every worker appends to its own WAL file under its own worker_id; the
	// coordinator opens and closes them.
	auditFactory := func(workerID string) (worker.AuditLog, error) {
		return wal.Open(cfg.WAL.Dir, workerID)
	}

	coordinator, err := worker.NewCoordinator(cfg.WorkerConfig(), worker.Deps{
		Store:        store,
		Fetcher:      fetcher.New(fetcher.Config{}, fetcher.NewJSONParser(cfg.Crawl.Source), log),
		Proxies:      pool,
		Limiter:      ratelimit.NewLimiter(tiers),
		Tiers:        tiers,
		Adaptive:     ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{}),
		Quarantine:   quarantined,
		AuditFactory: auditFactory,
		Metrics:      metrics.New(registry),
		Logger:       log,
	}, store)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.Addr, api.Deps{
			PartitionKeys: cfg.Crawl.Partitions,
			Progress:      store,
			Proxies:       pool,
			Quarantine:    quarantined,
			Pool:          coordinator,
			Gatherer:      registry,
			Logger:        log,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error("status API stopped", "error", err)
			}
		}()
	}

	if err := coordinator.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	log.Info("crawl started",
		"workers", cfg.Crawl.Workers,
		"partitions", cfg.Crawl.Partitions)

	<-runCtx.Done()
	log.Info("shutdown signal received, draining workers")

	if err := coordinator.Stop(); err != nil {
		log.Warn("drain incomplete", "error", err)
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			log.Warn("api server shutdown failed", "error", err)
		}
	}

	stats := coordinator.Stats()
	log.Info("crawl finished",
		"targets_completed", stats.TargetsCompleted,
		"targets_failed", stats.TargetsFailed,
		"targets_cooled", stats.TargetsCooled,
		"pages_fetched", stats.PagesFetched)
	return nil
}

func buildProxyPool(ctx context.Context, deps common.CommandDeps) (*proxy.Pool, error) {
	cfg := deps.Config

	proxies, err := proxy.LoadFile(cfg.Proxy.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load proxies: %w", err)
	}
	if err := proxy.ValidateCount(proxies, cfg.Crawl.Workers, cfg.Proxy.PerWorker); err != nil {
		return nil, err
	}

	pool, err := proxy.NewPool(proxies, proxy.Config{
		BlacklistThreshold: cfg.Proxy.BlacklistThreshold,
		BlacklistDuration:  cfg.Proxy.BlacklistDuration,
	}, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy pool: %w", err)
	}

	if cfg.Proxy.ProbeOnStartup {
		probeProxies(ctx, pool, proxies, deps.Logger)
	}
	return pool, nil
}

// probeProxies marks unreachable proxies failed before workers start, so the
// first targets are not burned discovering dead proxies.
func probeProxies(ctx context.Context, pool *proxy.Pool, proxies []*domain.ProxyInfo, log logger.Interface) {
	dead := 0
	for _, p := range proxies {
		if !pool.TestProxy(ctx, p) {
			pool.ReportFailure(p, "startup probe failed")
			dead++
		}
	}
	log.Info("proxy probe complete", "total", len(proxies), "unreachable", dead)
}
