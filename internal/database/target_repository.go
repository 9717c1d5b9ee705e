package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/leadharvest/bizcrawl/internal/domain"
)

// ErrStaleCheckpoint is returned when CheckpointPage is called with a page
// number at or below the already-checkpointed page. Callers should check with
// errors.Is(); the target row is never regressed.
var ErrStaleCheckpoint = errors.New("checkpoint page not beyond current page")

// targetSelectColumns lists columns for SELECT queries on crawl_targets (aliased as t).
const targetSelectColumns = `t.id, t.partition_key, t.city, t.category_label, t.status,
	t.priority, t.attempts, t.claimed_by, t.claimed_at, t.heartbeat_at,
	t.page_current, t.page_target, t.next_page_url, t.primary_url, t.fallback_url,
	t.last_error, t.note, t.created_at, t.updated_at`

// UpsertStats reports the outcome of a result-batch upsert.
type UpsertStats struct {
	Inserted int
	Updated  int
	Skipped  int
}

// ResultSink persists a page's result batch inside the checkpoint transaction.
// Implementations must use the supplied transaction so a crash can never leave
// persisted results without a matching checkpoint advance.
type ResultSink interface {
	UpsertResults(ctx context.Context, tx *sqlx.Tx, records []domain.Listing) (UpsertStats, error)
}

// CheckpointParams carries one checkpointed page: the page number just
// completed, the URL of the page after it (nil on the last page), and the
// records the page produced.
type CheckpointParams struct {
	Page        int
	NextPageURL *string
	Records     []domain.Listing
}

// TargetRepository handles database operations for crawl targets. It is the
// single source of truth for target ownership: acquisition, heartbeats,
// page checkpoints, terminal states, and orphan recovery.
type TargetRepository struct {
	db   *sqlx.DB
	sink ResultSink
}

// NewTargetRepository creates a new target repository.
func NewTargetRepository(db *sqlx.DB, sink ResultSink) *TargetRepository {
	return &TargetRepository{db: db, sink: sink}
}

// Acquire claims the next eligible PLANNED target for workerID within one
// transaction. Partitions already holding maxPerPartition IN_PROGRESS targets
// are excluded, and the candidate row is selected with SKIP LOCKED so
// concurrent workers never contend on the same row. Returns (nil, nil) when no
// eligible target exists; callers should back off and retry.
func (r *TargetRepository) Acquire(
	ctx context.Context,
	partitionKeys []string,
	workerID string,
	maxPerPartition int,
	maxPages int,
) (*domain.Target, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin acquire transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	target, selectErr := acquireSelect(ctx, tx, partitionKeys, maxPerPartition)
	if selectErr != nil {
		return nil, selectErr
	}
	if target == nil {
		return nil, nil
	}

	if claimErr := acquireClaim(ctx, tx, target.ID, workerID, maxPages); claimErr != nil {
		return nil, claimErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return nil, fmt.Errorf("failed to commit acquire transaction: %w", commitErr)
	}

	now := time.Now()
	target.Status = domain.TargetStatusInProgress
	target.ClaimedBy = &workerID
	target.ClaimedAt = &now
	target.HeartbeatAt = &now
	target.Attempts++
	target.PageTarget = maxPages
	return target, nil
}

// acquireSelect locks the lowest-(priority, id) PLANNED target in a partition
// below its IN_PROGRESS cap. Locked rows are skipped, not waited on.
func acquireSelect(
	ctx context.Context,
	tx *sqlx.Tx,
	partitionKeys []string,
	maxPerPartition int,
) (*domain.Target, error) {
	query := `
		SELECT ` + targetSelectColumns + `
		FROM crawl_targets t
		WHERE t.status = 'PLANNED'
		  AND t.partition_key = ANY($1)
		  AND t.partition_key NOT IN (
			SELECT partition_key FROM crawl_targets
			WHERE status = 'IN_PROGRESS' AND partition_key = ANY($1)
			GROUP BY partition_key
			HAVING COUNT(*) >= $2
		  )
		ORDER BY t.priority ASC, t.id ASC
		LIMIT 1
		FOR UPDATE OF t SKIP LOCKED
	`

	var target domain.Target
	err := tx.GetContext(ctx, &target, query, pq.Array(partitionKeys), maxPerPartition)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select acquirable target: %w", err)
	}

	return &target, nil
}

// acquireClaim marks the locked target as owned by workerID.
func acquireClaim(ctx context.Context, tx *sqlx.Tx, id int64, workerID string, maxPages int) error {
	query := `
		UPDATE crawl_targets
		SET status = 'IN_PROGRESS',
			claimed_by = $2,
			claimed_at = NOW(),
			heartbeat_at = NOW(),
			attempts = attempts + 1,
			page_target = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := tx.ExecContext(ctx, query, id, workerID, maxPages)
	if err != nil {
		return fmt.Errorf("failed to claim target: %w", err)
	}

	return nil
}

// Heartbeat proves liveness for an owned target.
func (r *TargetRepository) Heartbeat(ctx context.Context, targetID int64) error {
	query := `UPDATE crawl_targets SET heartbeat_at = NOW(), updated_at = NOW() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, targetID)
	return execRequireRows(result, err, fmt.Errorf("target not found: %d", targetID))
}

// CheckpointPage atomically persists a page's result batch and advances the
// target's checkpoint. Both happen in one transaction: a crash can never leave
// results without a matching page_current advance. Pages at or below the
// current checkpoint are rejected with ErrStaleCheckpoint.
func (r *TargetRepository) CheckpointPage(
	ctx context.Context,
	targetID int64,
	params CheckpointParams,
) (UpsertStats, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertStats{}, fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var pageCurrent int
	lockQuery := `SELECT page_current FROM crawl_targets WHERE id = $1 FOR UPDATE`
	if lockErr := tx.GetContext(ctx, &pageCurrent, lockQuery, targetID); lockErr != nil {
		if errors.Is(lockErr, sql.ErrNoRows) {
			return UpsertStats{}, fmt.Errorf("target not found: %d", targetID)
		}
		return UpsertStats{}, fmt.Errorf("failed to lock target for checkpoint: %w", lockErr)
	}

	if params.Page <= pageCurrent {
		return UpsertStats{}, fmt.Errorf("target %d page %d (current %d): %w",
			targetID, params.Page, pageCurrent, ErrStaleCheckpoint)
	}

	stats, sinkErr := r.sink.UpsertResults(ctx, tx, params.Records)
	if sinkErr != nil {
		return UpsertStats{}, fmt.Errorf("failed to upsert page results: %w", sinkErr)
	}

	advanceQuery := `
		UPDATE crawl_targets
		SET page_current = $2,
			next_page_url = $3,
			heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`
	if _, advanceErr := tx.ExecContext(ctx, advanceQuery, targetID, params.Page, params.NextPageURL); advanceErr != nil {
		return UpsertStats{}, fmt.Errorf("failed to advance checkpoint: %w", advanceErr)
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return UpsertStats{}, fmt.Errorf("failed to commit checkpoint transaction: %w", commitErr)
	}

	return stats, nil
}

// Complete marks a target DONE with an explanatory note.
func (r *TargetRepository) Complete(ctx context.Context, targetID int64, note string) error {
	query := `
		UPDATE crawl_targets
		SET status = 'DONE',
			note = CONCAT_WS(E'\n', note, $2::text),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, targetID, note)
	return execRequireRows(result, err, fmt.Errorf("target not found: %d", targetID))
}

// Fail records a target failure. If attempts >= maxRetries the target becomes
// terminal FAILED; otherwise it returns to PLANNED for re-acquisition by any
// worker.
func (r *TargetRepository) Fail(ctx context.Context, targetID int64, errMsg string, maxRetries int) error {
	query := `
		UPDATE crawl_targets
		SET status = CASE WHEN attempts >= $2 THEN 'FAILED' ELSE 'PLANNED' END,
			last_error = $3,
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, targetID, maxRetries, errMsg)
	return execRequireRows(result, err, fmt.Errorf("target not found: %d", targetID))
}

// Cooldown returns a blocked target to PLANNED with an explanatory note. This
// is deliberately distinct from Fail: an anti-bot signal says nothing about the
// target itself, so it never consumes the retry budget the same way.
func (r *TargetRepository) Cooldown(ctx context.Context, targetID int64, reason string) error {
	query := `
		UPDATE crawl_targets
		SET status = 'PLANNED',
			note = CONCAT_WS(E'\n', note, 'cooldown(' || $2::text || ') attempt=' || attempts),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, targetID, reason)
	return execRequireRows(result, err, fmt.Errorf("target not found: %d", targetID))
}

// RecoverOrphans resets IN_PROGRESS targets whose heartbeat is older than
// timeout back to PLANNED. Heartbeat staleness is the failure detector; there
// is no separate liveness protocol. The stale CTE captures the pre-update
// owner, so returned rows carry the crashed worker in claimed_by even though
// the row itself is already released.
func (r *TargetRepository) RecoverOrphans(
	ctx context.Context,
	timeout time.Duration,
	partitionKeys []string,
) (int, []domain.Target, error) {
	returning := strings.Replace(
		targetSelectColumns, "t.claimed_by", "stale.prior_owner AS claimed_by", 1)
	query := `
		WITH stale AS (
			SELECT id, claimed_by AS prior_owner, heartbeat_at AS last_beat
			FROM crawl_targets
			WHERE status = 'IN_PROGRESS'
			  AND partition_key = ANY($1)
			  AND (heartbeat_at IS NULL OR heartbeat_at < NOW() - $2 * INTERVAL '1 second')
			FOR UPDATE SKIP LOCKED
		)
		UPDATE crawl_targets t
		SET status = 'PLANNED',
			note = CONCAT_WS(E'\n', t.note,
				'recovered from ' || COALESCE(stale.prior_owner, 'unknown') ||
				' last heartbeat ' || COALESCE(stale.last_beat::text, 'never')),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = NOW()
		FROM stale
		WHERE t.id = stale.id
		RETURNING ` + returning + `
	`

	var recovered []domain.Target
	err := r.db.SelectContext(ctx, &recovered, query, pq.Array(partitionKeys), timeout.Seconds())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to recover orphaned targets: %w", err)
	}

	return len(recovered), recovered, nil
}

// ResetFailed re-queues FAILED targets still under the attempts ceiling. A
// non-positive maxAttempts resets every failed target in the partitions.
// Administrative operation; returns the number of targets reset.
func (r *TargetRepository) ResetFailed(
	ctx context.Context,
	partitionKeys []string,
	maxAttempts int,
) (int, error) {
	query := `
		UPDATE crawl_targets
		SET status = 'PLANNED',
			last_error = NULL,
			updated_at = NOW()
		WHERE status = 'FAILED'
		  AND partition_key = ANY($1)
		  AND ($2 <= 0 OR attempts < $2)
	`

	result, err := r.db.ExecContext(ctx, query, pq.Array(partitionKeys), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed targets: %w", err)
	}

	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return 0, fmt.Errorf("failed to count reset targets: %w", affectedErr)
	}

	return int(n), nil
}

// Progress returns target counts by status for the given partitions.
func (r *TargetRepository) Progress(
	ctx context.Context,
	partitionKeys []string,
) (*domain.ProgressSnapshot, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PLANNED')     AS planned,
			COUNT(*) FILTER (WHERE status = 'IN_PROGRESS') AS in_progress,
			COUNT(*) FILTER (WHERE status = 'DONE')        AS done,
			COUNT(*) FILTER (WHERE status = 'FAILED')      AS failed,
			COUNT(*) FILTER (WHERE status = 'PARKED')      AS parked,
			COUNT(*)                                       AS total
		FROM crawl_targets
		WHERE partition_key = ANY($1)
	`

	var snapshot domain.ProgressSnapshot
	if err := r.db.GetContext(ctx, &snapshot, query, pq.Array(partitionKeys)); err != nil {
		return nil, fmt.Errorf("failed to query target progress: %w", err)
	}

	return &snapshot, nil
}

// Seed inserts a PLANNED target. Used by the seeding process and tests.
func (r *TargetRepository) Seed(ctx context.Context, target *domain.Target) error {
	query := `
		INSERT INTO crawl_targets
			(partition_key, city, category_label, status, priority, primary_url, fallback_url)
		VALUES ($1, $2, $3, 'PLANNED', $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(
		ctx, query,
		target.PartitionKey, target.City, target.CategoryLabel,
		target.Priority, target.PrimaryURL, target.FallbackURL,
	).Scan(&target.ID, &target.CreatedAt, &target.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to seed target: %w", err)
	}

	target.Status = domain.TargetStatusPlanned
	return nil
}
