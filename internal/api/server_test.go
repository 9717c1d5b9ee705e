package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/metrics"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

type stubProgress struct{ snapshot domain.ProgressSnapshot }

func (s stubProgress) Progress(context.Context, []string) (*domain.ProgressSnapshot, error) {
	out := s.snapshot
	return &out, nil
}

type stubProxies struct{}

func (stubProxies) Snapshot() []domain.ProxyInfo {
	return []domain.ProxyInfo{{Host: "10.0.0.1", Port: 8080, SuccessCount: 4}}
}
func (stubProxies) UsableCount() int { return 1 }
func (stubProxies) Size() int        { return 2 }

type stubQuarantine struct{}

func (stubQuarantine) Snapshot() []domain.QuarantineEntry {
	return []domain.QuarantineEntry{{
		Domain:    "biz.example.com",
		Reason:    domain.QuarantineReasonCaptcha,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

type stubPool struct{}

func (stubPool) Stats() worker.Stats {
	return worker.Stats{
		State:            worker.CoordinatorStateRunning,
		TargetsWorked:    3,
		TargetsCompleted: 2,
		Workers:          []worker.WorkerStats{{ID: "worker-0", TargetsWorked: 3}},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics.New(reg).RecordFetchOutcome("ok")

	return NewServer(":0", Deps{
		PartitionKeys: []string{"springfield|plumbers"},
		Progress:      stubProgress{snapshot: domain.ProgressSnapshot{Planned: 4, Done: 6, Total: 10}},
		Proxies:       stubProxies{},
		Quarantine:    stubQuarantine{},
		Pool:          stubPool{},
		Gatherer:      reg,
		Logger:        logger.NewNoOp(),
	})
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	rec, body := get(t, newTestServer(t), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestProgress(t *testing.T) {
	rec, body := get(t, newTestServer(t), "/progress")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), body["planned"])
	assert.Equal(t, float64(6), body["done"])
	assert.InDelta(t, 0.6, body["progress_pct"], 0.001)
}

func TestProxies(t *testing.T) {
	rec, body := get(t, newTestServer(t), "/proxies")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["size"])
	assert.Equal(t, float64(1), body["usable"])
}

func TestQuarantine(t *testing.T) {
	rec, body := get(t, newTestServer(t), "/quarantine")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestWorkers(t *testing.T) {
	rec, body := get(t, newTestServer(t), "/workers")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(3), body["targets_worked"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec, _ := get(t, newTestServer(t), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bizcrawl_fetch_outcomes_total")
}
