package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/domain"
)

// DataError wraps a page whose body could not be parsed. A malformed payload
// says nothing about the proxy or the target's health, so the worker stops
// pagination without blaming either. Check with errors.As.
type DataError struct {
	Page int
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("unparseable page %d: %v", e.Page, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// TargetStore is the slice of the target repository a worker drives.
type TargetStore interface {
	Acquire(ctx context.Context, partitionKeys []string, workerID string, maxPerPartition, maxPages int) (*domain.Target, error)
	Heartbeat(ctx context.Context, targetID int64) error
	CheckpointPage(ctx context.Context, targetID int64, params database.CheckpointParams) (database.UpsertStats, error)
	Complete(ctx context.Context, targetID int64, note string) error
	Fail(ctx context.Context, targetID int64, errMsg string, maxRetries int) error
	Cooldown(ctx context.Context, targetID int64, reason string) error
}

// MaintenanceStore is the slice of the target repository the coordinator's
// sweeps drive.
type MaintenanceStore interface {
	RecoverOrphans(ctx context.Context, timeout time.Duration, partitionKeys []string) (int, []domain.Target, error)
	Progress(ctx context.Context, partitionKeys []string) (*domain.ProgressSnapshot, error)
}

// PageResult is the raw outcome of fetching one result page. Records and
// pagination hints are only meaningful when the page parsed cleanly.
type PageResult struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	Records     []domain.Listing
	NextPageURL *string
	HasMore     bool
}

// PageFetcher fetches and parses one page of a target through the given
// proxy.
type PageFetcher interface {
	FetchPage(ctx context.Context, target *domain.Target, page int, proxy *domain.ProxyInfo) (*PageResult, error)
}

// ProxyProvider is the slice of the proxy pool a worker uses.
type ProxyProvider interface {
	GetProxy(strategy string) (*domain.ProxyInfo, error)
	ReportSuccess(proxy *domain.ProxyInfo)
	ReportFailure(proxy *domain.ProxyInfo, reason string)
}

// AuditFactory opens the audit log for one worker identity. The coordinator
// calls it once per worker so every worker appends to its own file under its
// own worker_id.
type AuditFactory func(workerID string) (AuditLog, error)

// AuditLog receives lifecycle events for the per-worker write-ahead audit
// log. Append failures are logged, never fatal.
type AuditLog interface {
	TargetStart(targetID int64, partitionKey string, page int) error
	PageComplete(targetID int64, page, recordCount int) error
	TargetComplete(targetID int64, note string) error
	TargetError(targetID int64, errMsg string) error
	Heartbeat(targetID int64) error
}

// NopAudit discards all events. Used when no WAL directory is configured.
type NopAudit struct{}

func (NopAudit) TargetStart(int64, string, int) error { return nil }
func (NopAudit) PageComplete(int64, int, int) error   { return nil }
func (NopAudit) TargetComplete(int64, string) error   { return nil }
func (NopAudit) TargetError(int64, string) error      { return nil }
func (NopAudit) Heartbeat(int64) error                { return nil }
