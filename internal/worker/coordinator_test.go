package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadharvest/bizcrawl/internal/domain"
)

// fakeAudit records lifecycle calls and whether it was closed.
type fakeAudit struct {
	mu       sync.Mutex
	workerID string
	closed   bool
}

func (a *fakeAudit) TargetStart(int64, string, int) error { return nil }
func (a *fakeAudit) PageComplete(int64, int, int) error   { return nil }
func (a *fakeAudit) TargetComplete(int64, string) error   { return nil }
func (a *fakeAudit) TargetError(int64, string) error      { return nil }
func (a *fakeAudit) Heartbeat(int64) error                { return nil }

func (a *fakeAudit) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAudit) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeMaintenance struct {
	mu        sync.Mutex
	sweeps    int
	recovered []domain.Target
}

func (m *fakeMaintenance) RecoverOrphans(_ context.Context, _ time.Duration, _ []string) (int, []domain.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	return len(m.recovered), m.recovered, nil
}

func (m *fakeMaintenance) Progress(_ context.Context, _ []string) (*domain.ProgressSnapshot, error) {
	return &domain.ProgressSnapshot{Planned: 5, Done: 3, Total: 8}, nil
}

func (m *fakeMaintenance) sweepCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}

func newTestCoordinator(t *testing.T, store *fakeStore, maintenance MaintenanceStore) *Coordinator {
	t.Helper()

	w := newTestWorker(t, store, &fakeFetcher{fetch: func(int) (*PageResult, error) {
		return &PageResult{StatusCode: 200, HasMore: false}, nil
	}}, &fakeProxies{})

	cfg := w.cfg
	cfg.Workers = 2
	cfg.StaggerDelay = time.Millisecond
	cfg.RecoveryInterval = 20 * time.Millisecond
	cfg.DrainTimeout = time.Second

	c, err := NewCoordinator(cfg, w.deps, maintenance)
	require.NoError(t, err)
	return c
}

func TestCoordinator_StartSweepStop(t *testing.T) {
	owner := "worker-dead"
	maintenance := &fakeMaintenance{recovered: []domain.Target{{
		ID:           1,
		PartitionKey: testPartition,
		ClaimedBy:    &owner,
	}}}
	c := newTestCoordinator(t, newFakeStore(), maintenance)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, CoordinatorStateRunning, c.State())

	// Second start must be rejected.
	assert.Error(t, c.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Stop())

	assert.Equal(t, CoordinatorStateStopped, c.State())
	assert.GreaterOrEqual(t, maintenance.sweepCount(), 1)
}

func TestCoordinator_PerWorkerAuditLogs(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), &fakeFetcher{fetch: func(int) (*PageResult, error) {
		return &PageResult{StatusCode: 200, HasMore: false}, nil
	}}, &fakeProxies{})

	cfg := w.cfg
	cfg.Workers = 2
	cfg.StaggerDelay = time.Millisecond
	cfg.DrainTimeout = time.Second

	var audits []*fakeAudit
	deps := w.deps
	deps.AuditFactory = func(workerID string) (AuditLog, error) {
		a := &fakeAudit{workerID: workerID}
		audits = append(audits, a)
		return a, nil
	}

	c, err := NewCoordinator(cfg, deps, &fakeMaintenance{})
	require.NoError(t, err)

	// One log per worker, each under its own identity.
	require.Len(t, audits, 2)
	assert.NotEqual(t, audits[0].workerID, audits[1].workerID)
	for i, wk := range c.workers {
		assert.Equal(t, wk.ID(), audits[i].workerID)
		assert.Same(t, audits[i], wk.deps.Audit)
	}

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())

	for _, a := range audits {
		assert.True(t, a.isClosed())
	}
}

func TestCoordinator_SweepSetsProxyGauges(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore(), &fakeMaintenance{})

	c.sweep(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(c.deps.Metrics.ProxiesUsable))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deps.Metrics.ProxiesBlacklisted))
}

func TestCoordinator_StopWhenNotRunning(t *testing.T) {
	c := newTestCoordinator(t, newFakeStore(), &fakeMaintenance{})
	assert.Error(t, c.Stop())
}

func TestCoordinator_StatsAggregation(t *testing.T) {
	store := newFakeStore(testTarget(1), testTarget(2))
	c := newTestCoordinator(t, store, &fakeMaintenance{})

	require.NoError(t, c.Start(context.Background()))

	// Both targets finish in one page each.
	require.Eventually(t, func() bool {
		return c.Stats().TargetsCompleted == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.TargetsWorked)
	assert.Equal(t, int64(2), stats.TargetsCompleted)
	assert.Zero(t, stats.TargetsFailed)
	assert.Len(t, stats.Workers, 2)
}

func TestCoordinator_RejectsInvalidConfig(t *testing.T) {
	w := newTestWorker(t, newFakeStore(), &fakeFetcher{fetch: func(int) (*PageResult, error) {
		return &PageResult{StatusCode: 200}, nil
	}}, &fakeProxies{})

	cfg := w.cfg
	cfg.Workers = 0

	_, err := NewCoordinator(cfg, w.deps, &fakeMaintenance{})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing partition keys")

	cfg.PartitionKeys = []string{testPartition}
	assert.NoError(t, cfg.Validate())

	cfg.ProxyStrategy = "fastest"
	assert.Error(t, cfg.Validate())
}
