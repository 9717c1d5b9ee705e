package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/leadharvest/bizcrawl/internal/blockdetect"
	"github.com/leadharvest/bizcrawl/internal/database"
	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/metrics"
	"github.com/leadharvest/bizcrawl/internal/quarantine"
	"github.com/leadharvest/bizcrawl/internal/ratelimit"
)

// Deps bundles the collaborators a worker drives. All fields are required
// except Audit, which defaults to NopAudit, and AuditFactory, which the
// coordinator uses to open one audit log per worker.
type Deps struct {
	Store        TargetStore
	Fetcher      PageFetcher
	Proxies      ProxyProvider
	Limiter      *ratelimit.Limiter
	Tiers        *ratelimit.TierTable
	Adaptive     *ratelimit.AdaptiveRateLimiter
	Quarantine   *quarantine.DomainQuarantine
	Audit        AuditLog
	AuditFactory AuditFactory
	Metrics      *metrics.Metrics
	Logger       logger.Interface
}

// Worker runs the acquire/fetch/checkpoint loop until its context is
// cancelled or its proxy supply is exhausted. Crashing mid-target is safe:
// the claim is reclaimed by heartbeat recovery and work resumes from the last
// checkpointed page.
type Worker struct {
	id        string
	cfg       Config
	deps      Deps
	log       logger.Interface
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) bool

	targetsWorked    atomic.Int64
	targetsCompleted atomic.Int64
	targetsFailed    atomic.Int64
	targetsCooled    atomic.Int64
	pagesFetched     atomic.Int64
}

// NewWorker creates a worker with the given identity.
func NewWorker(id string, cfg Config, deps Deps) *Worker {
	if deps.Audit == nil {
		deps.Audit = NopAudit{}
	}
	return &Worker{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger.With("worker_id", id),
		nowFunc: time.Now,
	}
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string {
	return w.id
}

// Run executes the worker loop. It returns nil on cancellation and an error
// only when the worker cannot continue, which today means proxy exhaustion.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "partitions", strings.Join(w.cfg.PartitionKeys, ","))

	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return nil
		}

		target, err := w.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("acquire failed after retries", "error", err)
			if !w.sleep(ctx, w.cfg.AcquireIdleWait) {
				return nil
			}
			continue
		}

		if target == nil {
			if !w.sleep(ctx, w.cfg.AcquireIdleWait) {
				return nil
			}
			continue
		}

		w.targetsWorked.Add(1)
		if workErr := w.workTarget(ctx, target); workErr != nil {
			w.log.Error("worker cannot continue", "error", workErr)
			return workErr
		}

		// Pace between targets so back-to-back claims do not hammer a site.
		if !w.sleep(ctx, w.deps.Tiers.For(target.PartitionKey).JitteredDelay()) {
			return nil
		}
	}
}

// acquire claims the next eligible target, retrying transient database
// errors. A nil target with nil error means the queue is empty.
func (w *Worker) acquire(ctx context.Context) (*domain.Target, error) {
	var target *domain.Target

	operation := func() error {
		t, err := w.deps.Store.Acquire(
			ctx, w.cfg.PartitionKeys, w.id, w.cfg.MaxPerPartition, w.cfg.MaxPages)
		if err != nil {
			return err
		}
		target = t
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.cfg.DBRetryWindow
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("failed to acquire target: %w", err)
	}
	return target, nil
}

// workTarget drives one claimed target from its resume page to a terminal
// disposition. The returned error is fatal for the worker; per-target
// failures are absorbed into target state.
func (w *Worker) workTarget(ctx context.Context, target *domain.Target) error {
	partition := target.PartitionKey
	site := siteOf(target.PrimaryURL)
	started := w.nowFunc()

	w.deps.Metrics.RecordAcquire(partition)
	defer func() {
		w.deps.Metrics.RecordRelease(partition, w.nowFunc().Sub(started).Seconds())
	}()

	if w.deps.Quarantine.IsQuarantined(site) {
		w.coolTarget(ctx, target, "quarantined:"+site)
		w.backoffAfterBlock(ctx, site)
		return nil
	}

	prx, err := w.deps.Proxies.GetProxy(w.cfg.ProxyStrategy)
	if err != nil {
		// Exhaustion is fatal for this worker; the claim is left for
		// heartbeat recovery.
		return fmt.Errorf("failed to get proxy for target %d: %w", target.ID, err)
	}

	w.log.Info("target claimed",
		"target_id", target.ID,
		"partition", partition,
		"resume_page", target.ResumePage(),
		"attempt", target.Attempts,
	)
	w.auditAppend(w.deps.Audit.TargetStart(target.ID, partition, target.ResumePage()))

	for page := target.ResumePage(); ; page++ {
		if ctx.Err() != nil {
			// Shutdown mid-target: leave the claim; recovery will requeue it.
			w.log.Info("shutdown mid-target", "target_id", target.ID, "page", page)
			return nil
		}

		if target.PageTarget > 0 && page > target.PageTarget {
			w.completeTarget(ctx, target, fmt.Sprintf("page target %d reached", target.PageTarget))
			return nil
		}

		if paceErr := w.pace(ctx, site); paceErr != nil {
			if ctx.Err() == nil {
				// Token starvation: give the target back instead of
				// holding the claim while the bucket drains.
				w.coolTarget(ctx, target, "rate_limit_wait")
			}
			return nil
		}

		w.heartbeat(ctx, target.ID)

		result, fetchErr := w.deps.Fetcher.FetchPage(ctx, target, page, prx)
		w.pagesFetched.Add(1)
		if fetchErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			var dataErr *DataError
			if errors.As(fetchErr, &dataErr) {
				// Malformed payload, not infrastructure: the proxy and the
				// retry budget stay untouched, pagination just stops here.
				w.deps.Metrics.RecordFetchOutcome("data_error")
				w.log.Warn("unparseable page, stopping pagination",
					"target_id", target.ID, "page", page, "error", dataErr.Err)
				w.completeTarget(ctx, target, fmt.Sprintf("stopped at page %d: unparseable response", page))
				return nil
			}
			w.deps.Proxies.ReportFailure(prx, "transport: "+fetchErr.Error())
			w.deps.Adaptive.Record(ratelimit.OutcomeError)
			w.deps.Metrics.RecordFetchOutcome("transport_error")
			w.failTarget(ctx, target, fmt.Sprintf("page %d: %v", page, fetchErr))
			return nil
		}

		verdict := blockdetect.Classify(result.StatusCode, result.Body, result.Header)
		w.deps.Metrics.RecordFetchOutcome(string(verdict.Outcome))

		switch {
		case verdict.Outcome == blockdetect.OutcomeOK:
			done, pageErr := w.commitPage(ctx, target, prx, site, page, result)
			if pageErr != nil || done {
				return pageErr
			}

		case verdict.Outcome.AntiBot():
			w.handleAntiBot(ctx, target, site, prx, page, verdict)
			w.backoffAfterBlock(ctx, site)
			return nil

		default:
			w.deps.Adaptive.Record(ratelimit.OutcomeError)
			w.deps.Quarantine.RecordErrorEvent(site, verdict.StatusCode)
			w.failTarget(ctx, target, fmt.Sprintf("page %d: status %d", page, verdict.StatusCode))
			return nil
		}
	}
}

// commitPage checkpoints one clean page. done=true ends the target's page
// loop; a non-nil error is fatal for the worker.
func (w *Worker) commitPage(
	ctx context.Context,
	target *domain.Target,
	prx *domain.ProxyInfo,
	site string,
	page int,
	result *PageResult,
) (bool, error) {
	w.deps.Proxies.ReportSuccess(prx)
	w.deps.Adaptive.Record(ratelimit.OutcomeSuccess)
	w.deps.Quarantine.ResetRetryAttempts(site)

	stats, err := w.checkpoint(ctx, target.ID, database.CheckpointParams{
		Page:        page,
		NextPageURL: result.NextPageURL,
		Records:     result.Records,
	})
	if err != nil {
		if errors.Is(err, database.ErrStaleCheckpoint) {
			// Another worker owns this target now, likely after an
			// orphan-recovery sweep. Walk away without touching its state.
			w.log.Warn("lost target ownership", "target_id", target.ID, "page", page)
			return true, nil
		}
		if ctx.Err() != nil {
			return true, nil
		}
		w.failTarget(ctx, target, fmt.Sprintf("checkpoint page %d: %v", page, err))
		return true, nil
	}

	w.auditAppend(w.deps.Audit.PageComplete(target.ID, page, len(result.Records)))
	w.deps.Metrics.RecordCheckpoint(target.PartitionKey, stats.Inserted, stats.Updated, stats.Skipped)
	w.log.Debug("page checkpointed",
		"target_id", target.ID,
		"page", page,
		"records", len(result.Records),
		"inserted", stats.Inserted,
	)

	target.PageCurrent = page
	target.NextPageURL = result.NextPageURL

	if len(result.Records) == 0 || !result.HasMore {
		w.completeTarget(ctx, target, fmt.Sprintf("exhausted at page %d", page))
		return true, nil
	}
	return false, nil
}

// checkpoint persists a page with transient-error retry. ErrStaleCheckpoint
// is permanent: the page will never become committable.
func (w *Worker) checkpoint(
	ctx context.Context,
	targetID int64,
	params database.CheckpointParams,
) (database.UpsertStats, error) {
	var stats database.UpsertStats

	operation := func() error {
		s, err := w.deps.Store.CheckpointPage(ctx, targetID, params)
		if err != nil {
			if errors.Is(err, database.ErrStaleCheckpoint) {
				return backoff.Permanent(err)
			}
			return err
		}
		stats = s
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = w.cfg.DBRetryWindow
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	return stats, err
}

// handleAntiBot parks the domain and cools the target. Anti-bot signals say
// nothing about the target itself, so the retry budget is untouched.
func (w *Worker) handleAntiBot(
	ctx context.Context,
	target *domain.Target,
	site string,
	prx *domain.ProxyInfo,
	page int,
	verdict blockdetect.Result,
) {
	reason := quarantineReason(verdict.Outcome)

	switch verdict.Outcome {
	case blockdetect.OutcomeCaptcha:
		w.deps.Adaptive.Record(ratelimit.OutcomeCaptcha)
	default:
		w.deps.Adaptive.Record(ratelimit.OutcomeError)
	}
	w.deps.Proxies.ReportFailure(prx, reason)

	retryAfter := int(verdict.RetryAfter.Seconds())
	switch verdict.Outcome {
	case blockdetect.OutcomeRateLimited:
		if retryAfter > 0 {
			// An explicit Retry-After is an unambiguous ban signal.
			w.deps.Quarantine.QuarantineDomain(site, reason, 0, retryAfter, nil)
		} else {
			w.deps.Quarantine.RecordErrorEvent(site, verdict.StatusCode)
		}
	default:
		w.deps.Quarantine.QuarantineDomain(site, reason, 0, retryAfter, map[string]string{
			"marker": verdict.Marker,
		})
	}

	w.log.Warn("anti-bot response",
		"target_id", target.ID,
		"page", page,
		"site", site,
		"outcome", string(verdict.Outcome),
		"status", verdict.StatusCode,
	)
	w.coolTarget(ctx, target, reason)
}

// pace applies the adaptive delay plus the tier's jitter, then takes a bucket
// token for the site. A non-nil error means cancellation or a token wait past
// the configured cap.
func (w *Worker) pace(ctx context.Context, site string) error {
	delay := w.deps.Adaptive.GetDelay()
	if jitter := w.deps.Tiers.For(site).JitteredDelay(); jitter > delay {
		delay = jitter
	}
	if !w.sleep(ctx, delay) {
		return ctx.Err()
	}

	if ok, _ := w.deps.Limiter.Consume(site, 1); ok {
		return nil
	}
	w.deps.Metrics.RateLimitWaitsTotal.WithLabelValues(site).Inc()
	return w.deps.Limiter.WaitAndConsume(ctx, site, 1, w.cfg.RateLimitMaxWait)
}

// heartbeat proves liveness. Failures are logged only: the worst case is an
// early orphan recovery, which the checkpoint monotonicity check absorbs.
func (w *Worker) heartbeat(ctx context.Context, targetID int64) {
	if err := w.deps.Store.Heartbeat(ctx, targetID); err != nil {
		w.log.Warn("heartbeat failed", "target_id", targetID, "error", err)
		return
	}
	w.auditAppend(w.deps.Audit.Heartbeat(targetID))
}

func (w *Worker) completeTarget(ctx context.Context, target *domain.Target, note string) {
	if err := w.deps.Store.Complete(ctx, target.ID, note); err != nil {
		w.log.Error("failed to complete target", "target_id", target.ID, "error", err)
		return
	}
	w.targetsCompleted.Add(1)
	w.deps.Metrics.TargetsCompletedTotal.WithLabelValues(target.PartitionKey).Inc()
	w.auditAppend(w.deps.Audit.TargetComplete(target.ID, note))
	w.log.Info("target complete", "target_id", target.ID, "note", note)
}

func (w *Worker) failTarget(ctx context.Context, target *domain.Target, errMsg string) {
	if err := w.deps.Store.Fail(ctx, target.ID, errMsg, w.cfg.MaxRetries); err != nil {
		w.log.Error("failed to record target failure", "target_id", target.ID, "error", err)
		return
	}
	w.targetsFailed.Add(1)
	w.deps.Metrics.TargetsFailedTotal.WithLabelValues(target.PartitionKey).Inc()
	w.auditAppend(w.deps.Audit.TargetError(target.ID, errMsg))
	w.log.Warn("target failed", "target_id", target.ID, "error", errMsg)
}

func (w *Worker) coolTarget(ctx context.Context, target *domain.Target, reason string) {
	if err := w.deps.Store.Cooldown(ctx, target.ID, reason); err != nil {
		w.log.Error("failed to cool down target", "target_id", target.ID, "error", err)
		return
	}
	w.targetsCooled.Add(1)
	w.deps.Metrics.TargetsCooldownTotal.WithLabelValues(reason).Inc()
	w.auditAppend(w.deps.Audit.TargetError(target.ID, "cooldown: "+reason))
	w.log.Info("target cooled down", "target_id", target.ID, "reason", reason)
}

// backoffAfterBlock waits one backoff step for the site before the worker
// returns to acquiring, capped so shutdown stays responsive and one worker
// never sleeps out a whole quarantine.
func (w *Worker) backoffAfterBlock(ctx context.Context, site string) {
	wait := quarantine.GetBackoffDelay(w.deps.Quarantine.RetryAttempt(site))
	if wait > w.cfg.RateLimitMaxWait {
		wait = w.cfg.RateLimitMaxWait
	}
	w.sleep(ctx, wait)
}

// sleep waits for d or cancellation; false means cancelled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if w.sleepFunc != nil {
		return w.sleepFunc(ctx, d)
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) auditAppend(err error) {
	if err != nil {
		w.log.Warn("audit log append failed", "error", err)
	}
}

// Stats returns the worker's lifetime counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		ID:               w.id,
		TargetsWorked:    w.targetsWorked.Load(),
		TargetsCompleted: w.targetsCompleted.Load(),
		TargetsFailed:    w.targetsFailed.Load(),
		TargetsCooled:    w.targetsCooled.Load(),
		PagesFetched:     w.pagesFetched.Load(),
	}
}

// WorkerStats holds one worker's lifetime counters.
type WorkerStats struct {
	ID               string
	TargetsWorked    int64
	TargetsCompleted int64
	TargetsFailed    int64
	TargetsCooled    int64
	PagesFetched     int64
}

// quarantineReason maps a classified outcome to a quarantine reason code.
func quarantineReason(outcome blockdetect.Outcome) string {
	switch outcome {
	case blockdetect.OutcomeCaptcha:
		return domain.QuarantineReasonCaptcha
	case blockdetect.OutcomeRateLimited:
		return domain.QuarantineReasonRateLimited429
	default:
		return domain.QuarantineReasonForbidden403
	}
}

// siteOf extracts the rate-limit and quarantine key from a target URL.
func siteOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}
