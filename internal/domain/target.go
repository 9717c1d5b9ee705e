// Package domain provides domain models shared across the application.
package domain

import "time"

// Target status constants.
const (
	TargetStatusPlanned    = "PLANNED"
	TargetStatusInProgress = "IN_PROGRESS"
	TargetStatusDone       = "DONE"
	TargetStatusFailed     = "FAILED"
	TargetStatusParked     = "PARKED"
)

// Priority bounds and defaults. Lower values are scheduled first.
const (
	TargetMinPriority     = 1
	TargetMaxPriority     = 10
	TargetDefaultPriority = 5
)

// Target represents one schedulable unit of crawl work: a city x category x
// source combination within a partition.
type Target struct {
	// Identity
	ID            int64  `db:"id"             json:"id"`
	PartitionKey  string `db:"partition_key"  json:"partition_key"`
	City          string `db:"city"           json:"city"`
	CategoryLabel string `db:"category_label" json:"category_label"`

	// Scheduling
	Status   string `db:"status"   json:"status"`
	Priority int    `db:"priority" json:"priority"`
	Attempts int    `db:"attempts" json:"attempts"`

	// Claim state
	ClaimedBy   *string    `db:"claimed_by"   json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time `db:"claimed_at"   json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`

	// Pagination checkpoint. PageCurrent is the last fully persisted page,
	// zero when no page has been checkpointed yet.
	PageCurrent int     `db:"page_current"  json:"page_current"`
	PageTarget  int     `db:"page_target"   json:"page_target"`
	NextPageURL *string `db:"next_page_url" json:"next_page_url,omitempty"`

	// URLs
	PrimaryURL  string  `db:"primary_url"  json:"primary_url"`
	FallbackURL *string `db:"fallback_url" json:"fallback_url,omitempty"`

	// Audit
	LastError *string   `db:"last_error" json:"last_error,omitempty"`
	Note      *string   `db:"note"       json:"note,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ResumePage returns the next page this target should fetch.
func (t *Target) ResumePage() int {
	return t.PageCurrent + 1
}

// ProgressSnapshot holds counts of targets by status for a set of partitions.
type ProgressSnapshot struct {
	Planned    int `db:"planned"     json:"planned"`
	InProgress int `db:"in_progress" json:"in_progress"`
	Done       int `db:"done"        json:"done"`
	Failed     int `db:"failed"      json:"failed"`
	Parked     int `db:"parked"      json:"parked"`
	Total      int `db:"total"       json:"total"`
}

// ProgressPct returns completion as a fraction of all targets.
func (s ProgressSnapshot) ProgressPct() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Done) / float64(s.Total)
}
