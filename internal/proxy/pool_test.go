package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
)

func newTestPool(t *testing.T, proxies []*domain.ProxyInfo, cfg Config) *Pool {
	t.Helper()

	pool, err := NewPool(proxies, cfg, logger.NewNoOp())
	require.NoError(t, err)
	return pool
}

func testProxies(n int) []*domain.ProxyInfo {
	proxies := make([]*domain.ProxyInfo, 0, n)
	for i := range n {
		proxies = append(proxies, &domain.ProxyInfo{
			Host: "10.0.0.1", Port: 8000 + i,
			Username: "user", Password: "pass",
		})
	}
	return proxies
}

func TestPool_RoundRobinRotates(t *testing.T) {
	pool := newTestPool(t, testProxies(3), Config{})

	seen := map[int]int{}
	for range 6 {
		p, err := pool.GetProxy(StrategyRoundRobin)
		require.NoError(t, err)
		seen[p.Port]++
	}

	assert.Len(t, seen, 3)
	for port, count := range seen {
		assert.Equal(t, 2, count, "port %d", port)
	}
}

func TestPool_HealthBasedPrefersHealthy(t *testing.T) {
	proxies := testProxies(3)
	proxies[0].SuccessCount = 90
	proxies[0].FailureCount = 10
	proxies[1].SuccessCount = 10
	proxies[1].FailureCount = 90
	proxies[2].SuccessCount = 12
	proxies[2].FailureCount = 88

	pool := newTestPool(t, proxies, Config{})

	for range 20 {
		p, err := pool.GetProxy(StrategyHealthBased)
		require.NoError(t, err)
		assert.Equal(t, 8000, p.Port, "health_based must stay in the top tier")
	}
}

func TestPool_FailureStreakBlacklists(t *testing.T) {
	proxies := testProxies(2)
	pool := newTestPool(t, proxies, Config{BlacklistThreshold: 3, BlacklistDuration: time.Hour})

	for range 3 {
		pool.ReportFailure(proxies[0], "connect timeout")
	}

	assert.Equal(t, 1, pool.UsableCount())

	// The blacklisted proxy never comes back from GetProxy.
	for range 5 {
		p, err := pool.GetProxy(StrategyRoundRobin)
		require.NoError(t, err)
		assert.Equal(t, 8001, p.Port)
	}
}

func TestPool_SuccessResetsStreak(t *testing.T) {
	proxies := testProxies(1)
	pool := newTestPool(t, proxies, Config{BlacklistThreshold: 3, BlacklistDuration: time.Hour})

	pool.ReportFailure(proxies[0], "timeout")
	pool.ReportFailure(proxies[0], "timeout")
	pool.ReportSuccess(proxies[0])
	pool.ReportFailure(proxies[0], "timeout")
	pool.ReportFailure(proxies[0], "timeout")

	assert.Equal(t, 1, pool.UsableCount(), "streak must reset on success")
}

func TestPool_AllBlacklistedReturnsError(t *testing.T) {
	proxies := testProxies(2)
	pool := newTestPool(t, proxies, Config{BlacklistThreshold: 1, BlacklistDuration: time.Hour})

	pool.ReportFailure(proxies[0], "403")
	pool.ReportFailure(proxies[1], "403")

	_, err := pool.GetProxy(StrategyHealthBased)
	assert.ErrorIs(t, err, ErrNoProxiesAvailable)
	assert.True(t, pool.BelowMinimum())
}

func TestPool_BlacklistExpires(t *testing.T) {
	proxies := testProxies(1)
	pool := newTestPool(t, proxies, Config{BlacklistThreshold: 1, BlacklistDuration: time.Minute})

	pool.ReportFailure(proxies[0], "429")
	assert.Equal(t, 0, pool.UsableCount())

	pool.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, pool.UsableCount())
}

func TestPool_GetProxyReturnsCopy(t *testing.T) {
	proxies := testProxies(1)
	pool := newTestPool(t, proxies, Config{})

	p, err := pool.GetProxy(StrategyRoundRobin)
	require.NoError(t, err)

	p.SuccessCount = 999
	assert.Equal(t, 0, proxies[0].SuccessCount, "workers must not mutate pool state")
}

func TestPool_UnknownStrategy(t *testing.T) {
	pool := newTestPool(t, testProxies(1), Config{})

	_, err := pool.GetProxy("fastest")
	assert.Error(t, err)
}
