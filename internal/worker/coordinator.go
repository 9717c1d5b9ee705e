package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/leadharvest/bizcrawl/internal/logger"
)

// CoordinatorState represents the current state of the coordinator.
type CoordinatorState int32

const (
	// CoordinatorStateStopped means no workers are running.
	CoordinatorStateStopped CoordinatorState = iota

	// CoordinatorStateRunning means workers are actively crawling.
	CoordinatorStateRunning

	// CoordinatorStateDraining means shutdown is in progress.
	CoordinatorStateDraining
)

// String returns the string representation of a coordinator state.
func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorStateStopped:
		return "stopped"
	case CoordinatorStateRunning:
		return "running"
	case CoordinatorStateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// workerIDPrefixLen is how much of the UUID goes into the claim identity.
const workerIDPrefixLen = 8

// Coordinator spawns and supervises the worker pool: staggered startup,
// periodic orphan-recovery and progress sweeps, and drain-with-timeout
// shutdown. Targets in flight at shutdown are deliberately left claimed;
// heartbeat recovery requeues them, so no clean-release path is required.
type Coordinator struct {
	cfg         Config
	deps        Deps
	maintenance MaintenanceStore
	log         logger.Interface

	workers []*Worker
	audits  []AuditLog
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	state   atomic.Int32
}

// NewCoordinator validates the configuration and builds the worker pool.
// Each worker gets a unique claim identity so orphan-recovery notes name the
// crashed owner.
func NewCoordinator(cfg Config, deps Deps, maintenance MaintenanceStore) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Proxies == nil {
		return nil, errors.New("store, fetcher, and proxies are required")
	}
	if deps.Limiter == nil || deps.Tiers == nil || deps.Adaptive == nil ||
		deps.Quarantine == nil || deps.Metrics == nil || deps.Logger == nil {
		return nil, errors.New("limiter, tiers, adaptive, quarantine, metrics, and logger are required")
	}

	c := &Coordinator{
		cfg:         cfg,
		deps:        deps,
		maintenance: maintenance,
		log:         deps.Logger,
		workers:     make([]*Worker, cfg.Workers),
	}

	for i := range cfg.Workers {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:workerIDPrefixLen])
		workerDeps := deps
		if deps.AuditFactory != nil {
			audit, err := deps.AuditFactory(id)
			if err != nil {
				c.closeAudits()
				return nil, fmt.Errorf("failed to open audit log for %s: %w", id, err)
			}
			workerDeps.Audit = audit
			c.audits = append(c.audits, audit)
		}
		c.workers[i] = NewWorker(id, cfg, workerDeps)
	}

	c.state.Store(int32(CoordinatorStateStopped))
	deps.Metrics.WorkersTotal.Set(float64(cfg.Workers))

	return c, nil
}

// Start launches the sweeps and the workers. Workers start staggered so a
// fresh pool ramps up instead of stampeding.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(CoordinatorStateStopped), int32(CoordinatorStateRunning)) {
		return errors.New("coordinator is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(
		fmt.Sprintf("@every %s", c.cfg.RecoveryInterval),
		func() { c.sweep(runCtx) },
	); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}
	c.cron.Start()

	for i, w := range c.workers {
		c.wg.Add(1)
		go func(idx int, w *Worker) {
			defer c.wg.Done()

			stagger := time.Duration(idx) * c.cfg.StaggerDelay
			select {
			case <-runCtx.Done():
				return
			case <-time.After(stagger):
			}

			if err := w.Run(runCtx); err != nil {
				c.log.Error("worker exited", "worker_id", w.ID(), "error", err)
			}
		}(i, w)
	}

	c.log.Info("coordinator started",
		"workers", c.cfg.Workers,
		"partitions", c.cfg.PartitionKeys,
		"recovery_interval", c.cfg.RecoveryInterval,
	)
	return nil
}

// Stop cancels the workers and waits up to the drain timeout for in-flight
// targets to reach a safe point.
func (c *Coordinator) Stop() error {
	if !c.state.CompareAndSwap(int32(CoordinatorStateRunning), int32(CoordinatorStateDraining)) {
		return errors.New("coordinator is not running")
	}

	c.log.Info("coordinator draining")
	c.cron.Stop()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("coordinator stopped")
	case <-time.After(c.cfg.DrainTimeout):
		c.log.Warn("drain timeout exceeded; claims left for heartbeat recovery")
	}

	c.closeAudits()
	c.state.Store(int32(CoordinatorStateStopped))
	return nil
}

// closeAudits flushes and closes the per-worker audit logs.
func (c *Coordinator) closeAudits() {
	for _, a := range c.audits {
		if closer, ok := a.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.log.Warn("audit log close failed", "error", err)
			}
		}
	}
	c.audits = nil
}

// sweep requeues orphaned claims and logs a progress snapshot. Runs on the
// cron schedule; errors are logged, never fatal.
func (c *Coordinator) sweep(ctx context.Context) {
	if c.maintenance == nil {
		return
	}

	n, recovered, err := c.maintenance.RecoverOrphans(ctx, c.cfg.HeartbeatTimeout, c.cfg.PartitionKeys)
	if err != nil {
		c.log.Error("orphan recovery sweep failed", "error", err)
	} else if n > 0 {
		c.deps.Metrics.OrphansRecoveredTotal.Add(float64(n))
		for _, t := range recovered {
			owner := "unknown"
			if t.ClaimedBy != nil {
				owner = *t.ClaimedBy
			}
			c.log.Warn("recovered orphaned target",
				"target_id", t.ID,
				"partition", t.PartitionKey,
				"prior_owner", owner,
				"page_current", t.PageCurrent,
			)
		}
	}

	snapshot, err := c.maintenance.Progress(ctx, c.cfg.PartitionKeys)
	if err != nil {
		c.log.Error("progress sweep failed", "error", err)
		return
	}
	c.log.Info("crawl progress",
		"planned", snapshot.Planned,
		"in_progress", snapshot.InProgress,
		"done", snapshot.Done,
		"failed", snapshot.Failed,
		"parked", snapshot.Parked,
		"pct", fmt.Sprintf("%.1f%%", snapshot.ProgressPct()*100),
	)

	c.deps.Metrics.QuarantinedDomains.Set(float64(len(c.deps.Quarantine.Snapshot())))

	if counts, ok := c.deps.Proxies.(interface {
		UsableCount() int
		Size() int
	}); ok {
		usable := counts.UsableCount()
		c.deps.Metrics.SetProxyCounts(usable, counts.Size()-usable)
	}
}

// State returns the current coordinator state.
func (c *Coordinator) State() CoordinatorState {
	return CoordinatorState(c.state.Load())
}

// Stats aggregates worker counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		State:   c.State(),
		Workers: make([]WorkerStats, len(c.workers)),
	}
	for i, w := range c.workers {
		ws := w.Stats()
		s.Workers[i] = ws
		s.TargetsWorked += ws.TargetsWorked
		s.TargetsCompleted += ws.TargetsCompleted
		s.TargetsFailed += ws.TargetsFailed
		s.TargetsCooled += ws.TargetsCooled
		s.PagesFetched += ws.PagesFetched
	}
	return s
}

// Stats holds aggregated pool counters.
type Stats struct {
	State            CoordinatorState
	TargetsWorked    int64
	TargetsCompleted int64
	TargetsFailed    int64
	TargetsCooled    int64
	PagesFetched     int64
	Workers          []WorkerStats
}
