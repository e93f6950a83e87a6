package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the batch_runs.status column.
type RunStatus string

// Batch run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// BatchRun models one row of batch_runs.
type BatchRun struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Total      int
	// Succeeded, Skipped and Failed are summed from site_stats.
	Succeeded    int64
	Skipped      int64
	Failed       int64
	ErrorMessage *string
}

// SiteStats aggregates item results per host for a batch.
type SiteStats struct {
	BatchID    uuid.UUID
	Site       string
	LastUpdate time.Time
	Succeeded  int64
	Skipped    int64
	Failed     int64
}

// SiteDelta is an increment applied to one SiteStats row.
type SiteDelta struct {
	Succeeded int64
	Skipped   int64
	Failed    int64
}

// IsZero reports whether the delta changes nothing.
func (d SiteDelta) IsZero() bool {
	return d.Succeeded == 0 && d.Skipped == 0 && d.Failed == 0
}

// OutcomeRecord is one persisted item result.
type OutcomeRecord struct {
	BatchID    uuid.UUID
	URL        string
	Result     string
	Message    string
	Duration   time.Duration
	FinishedAt time.Time
}

// ProgressRepository persists incremental batch progress.
type ProgressRepository interface {
	// UpsertBatchStart inserts the run or moves it back to running.
	UpsertBatchStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time, total int) error
	// CompleteBatch marks the run finished.
	CompleteBatch(ctx context.Context, batchID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	UpsertSiteStats(ctx context.Context, batchID uuid.UUID, site string, delta SiteDelta, at time.Time) error
	InsertOutcomes(ctx context.Context, records []OutcomeRecord) error

	// GetBatch loads a single run or returns ErrNotFound.
	GetBatch(ctx context.Context, batchID uuid.UUID) (BatchRun, error)
	// ListBatches returns runs filtered by optional status plus limit/offset.
	ListBatches(ctx context.Context, status *RunStatus, limit, offset int) ([]BatchRun, error)
	ListBatchSites(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
