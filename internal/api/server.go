// Package api exposes the operator status API: crawl progress, proxy and
// quarantine state, pool stats, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
	progressTimeout   = 10 * time.Second
)

// ProgressReader provides the progress snapshot endpoint's data.
type ProgressReader interface {
	Progress(ctx context.Context, partitionKeys []string) (*domain.ProgressSnapshot, error)
}

// ProxyReader provides the proxy endpoint's data.
type ProxyReader interface {
	Snapshot() []domain.ProxyInfo
	UsableCount() int
	Size() int
}

// QuarantineReader provides the quarantine endpoint's data.
type QuarantineReader interface {
	Snapshot() []domain.QuarantineEntry
}

// StatsReader provides the pool stats endpoint's data.
type StatsReader interface {
	Stats() worker.Stats
}

// Deps bundles the server's data sources. Gatherer may be nil to use the
// default Prometheus registry.
type Deps struct {
	PartitionKeys []string
	Progress      ProgressReader
	Proxies       ProxyReader
	Quarantine    QuarantineReader
	Pool          StatsReader
	Gatherer      prometheus.Gatherer
	Logger        logger.Interface
}

// Server is the operator status HTTP server.
type Server struct {
	addr string
	deps Deps
	log  logger.Interface
	srv  *http.Server
}

// NewServer builds the server and its routes.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps, log: deps.Logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/progress", s.handleProgress)
	router.GET("/proxies", s.handleProxies)
	router.GET("/quarantine", s.handleQuarantine)
	router.GET("/workers", s.handleWorkers)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info("status API listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("status API shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleProgress(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), progressTimeout)
	defer cancel()

	snapshot, err := s.deps.Progress.Progress(ctx, s.deps.PartitionKeys)
	if err != nil {
		s.log.Error("progress query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "progress query failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"partitions":   s.deps.PartitionKeys,
		"planned":      snapshot.Planned,
		"in_progress":  snapshot.InProgress,
		"done":         snapshot.Done,
		"failed":       snapshot.Failed,
		"parked":       snapshot.Parked,
		"total":        snapshot.Total,
		"progress_pct": snapshot.ProgressPct(),
	})
}

func (s *Server) handleProxies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"size":    s.deps.Proxies.Size(),
		"usable":  s.deps.Proxies.UsableCount(),
		"proxies": s.deps.Proxies.Snapshot(),
	})
}

func (s *Server) handleQuarantine(c *gin.Context) {
	entries := s.deps.Quarantine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	stats := s.deps.Pool.Stats()
	workers := make([]gin.H, len(stats.Workers))
	for i, w := range stats.Workers {
		workers[i] = gin.H{
			"id":                w.ID,
			"targets_worked":    w.TargetsWorked,
			"targets_completed": w.TargetsCompleted,
			"targets_failed":    w.TargetsFailed,
			"targets_cooled":    w.TargetsCooled,
			"pages_fetched":     w.PagesFetched,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"state":             stats.State.String(),
		"targets_worked":    stats.TargetsWorked,
		"targets_completed": stats.TargetsCompleted,
		"targets_failed":    stats.TargetsFailed,
		"targets_cooled":    stats.TargetsCooled,
		"pages_fetched":     stats.PagesFetched,
		"workers":           workers,
	})
}
