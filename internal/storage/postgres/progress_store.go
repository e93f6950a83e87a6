package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/creator-downloader/internal/store"
)

// ProgressStore implements store.ProgressRepository on Postgres.
type ProgressStore struct {
	pool Pool
}

// NewProgressStore wraps an open pool.
func NewProgressStore(pool Pool) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProgressStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertBatchStart inserts the run, or resets it to running when it exists.
func (s *ProgressStore) UpsertBatchStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time, total int) error {
	const query = `
		INSERT INTO batch_runs (id, started_at, status, total)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, total = EXCLUDED.total, finished_at = NULL, error_message = NULL;
	`
	if _, err := s.pool.Exec(ctx, query, batchID, startedAt, string(store.RunRunning), total); err != nil {
		return fmt.Errorf("upsert batch start: %w", err)
	}
	return nil
}

// CompleteBatch records the final status of a run.
func (s *ProgressStore) CompleteBatch(
	ctx context.Context,
	batchID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `
		UPDATE batch_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, batchID)
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpsertSiteStats adds delta to the (batch, site) row.
func (s *ProgressStore) UpsertSiteStats(
	ctx context.Context,
	batchID uuid.UUID,
	site string,
	delta store.SiteDelta,
	at time.Time,
) error {
	if delta.IsZero() {
		return nil
	}
	const query = `
		INSERT INTO site_stats (batch_id, site, last_update, succeeded, skipped, failed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, site) DO UPDATE
		SET succeeded = site_stats.succeeded + EXCLUDED.succeeded,
			skipped = site_stats.skipped + EXCLUDED.skipped,
			failed = site_stats.failed + EXCLUDED.failed,
			last_update = GREATEST(site_stats.last_update, EXCLUDED.last_update);
	`
	_, err := s.pool.Exec(ctx, query, batchID, site, at, delta.Succeeded, delta.Skipped, delta.Failed)
	if err != nil {
		return fmt.Errorf("upsert site stats: %w", err)
	}
	return nil
}

// InsertOutcomes appends item results to fetch_outcomes.
func (s *ProgressStore) InsertOutcomes(ctx context.Context, records []store.OutcomeRecord) error {
	const query = `
		INSERT INTO fetch_outcomes (batch_id, url, result, message, duration_ms, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	for _, rec := range records {
		_, err := s.pool.Exec(ctx, query,
			rec.BatchID,
			rec.URL,
			rec.Result,
			rec.Message,
			rec.Duration.Milliseconds(),
			rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	return nil
}

const batchColumns = `
	r.id, r.started_at, r.finished_at, r.status, r.total, r.error_message,
	COALESCE(SUM(s.succeeded), 0)::BIGINT, COALESCE(SUM(s.skipped), 0)::BIGINT, COALESCE(SUM(s.failed), 0)::BIGINT`

// GetBatch loads a run with its summed counters.
func (s *ProgressStore) GetBatch(ctx context.Context, batchID uuid.UUID) (store.BatchRun, error) {
	query := `SELECT` + batchColumns + `
		FROM batch_runs r
		LEFT JOIN site_stats s ON s.batch_id = r.id
		WHERE r.id = $1
		GROUP BY r.id;`
	run, err := scanBatchRun(s.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BatchRun{}, store.ErrNotFound
		}
		return store.BatchRun{}, fmt.Errorf("get batch: %w", err)
	}
	return run, nil
}

// ListBatches lists runs newest first, optionally filtered by status.
func (s *ProgressStore) ListBatches(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.BatchRun, error) {
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	query := `SELECT` + batchColumns + `
		FROM batch_runs r
		LEFT JOIN site_stats s ON s.batch_id = r.id
		WHERE ($1::text IS NULL OR r.status = $1)
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	runs := []store.BatchRun{}
	for rows.Next() {
		run, err := scanBatchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return runs, nil
}

// ListBatchSites returns per-host counters for one run.
func (s *ProgressStore) ListBatchSites(
	ctx context.Context,
	batchID uuid.UUID,
	limit,
	offset int,
) ([]store.SiteStats, error) {
	const query = `
		SELECT batch_id, site, last_update, succeeded, skipped, failed
		FROM site_stats
		WHERE batch_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batch sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(
			&stat.BatchID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Succeeded,
			&stat.Skipped,
			&stat.Failed,
		); err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site stats rows: %w", err)
	}
	return stats, nil
}

func scanBatchRun(row pgx.Row) (store.BatchRun, error) {
	var (
		run    store.BatchRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Total,
		&run.ErrorMessage,
		&run.Succeeded,
		&run.Skipped,
		&run.Failed,
	)
	if err != nil {
		return store.BatchRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
