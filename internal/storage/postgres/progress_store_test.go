package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/store"
)

func newMockStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewProgressStore(mock)
	require.NoError(t, err)
	return s, mock
}

func TestNewProgressStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewProgressStore(nil)
	require.Error(t, err)
}

func TestUpsertBatchStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO batch_runs").
		WithArgs(id, started, "running", 12).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertBatchStart(context.Background(), id, started, 12))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBatch(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()
	msg := "canceled"
	mock.ExpectExec("UPDATE batch_runs").
		WithArgs(finished, "error", &msg, id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE batch_runs").
		WithArgs(finished, "success", (*string)(nil), id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteBatch(context.Background(), id, finished, store.RunError, &msg))
	err := s.CompleteBatch(context.Background(), id, finished, store.RunSuccess, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSiteStats(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO site_stats").
		WithArgs(id, "cdn.example.com", at, int64(3), int64(1), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertSiteStats(context.Background(), id, "cdn.example.com",
		store.SiteDelta{Succeeded: 3, Skipped: 1}, at))
	require.NoError(t, s.UpsertSiteStats(context.Background(), id, "cdn.example.com", store.SiteDelta{}, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertOutcomesWrapsErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	records := []store.OutcomeRecord{
		{BatchID: id, URL: "https://a.example/1.jpg", Result: "success", Duration: 1500 * time.Millisecond, FinishedAt: at},
		{BatchID: id, URL: "https://a.example/2.jpg", Result: "failed", Message: "status 404", FinishedAt: at},
	}
	mock.ExpectExec("INSERT INTO fetch_outcomes").
		WithArgs(id, "https://a.example/1.jpg", "success", "", int64(1500), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO fetch_outcomes").
		WithArgs(id, "https://a.example/2.jpg", "failed", "status 404", int64(0), at).
		WillReturnError(errors.New("connection reset"))

	err := s.InsertOutcomes(context.Background(), records)
	require.ErrorContains(t, err, "insert outcome: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func batchRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "started_at", "finished_at", "status", "total", "error_message", "succeeded", "skipped", "failed",
	})
}

func TestGetBatch(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)
	mock.ExpectQuery("FROM batch_runs r").
		WithArgs(id).
		WillReturnRows(batchRows().AddRow(id, started, &finished, "success", 4, (*string)(nil),
			int64(3), int64(1), int64(0)))

	run, err := s.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, run.ID)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 4, run.Total)
	assert.Equal(t, int64(3), run.Succeeded)
	assert.Equal(t, int64(1), run.Skipped)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, *run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatchNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM batch_runs r").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), id)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListBatchesFiltersByStatus(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	running := store.RunRunning
	filter := "running"
	mock.ExpectQuery("FROM batch_runs r").
		WithArgs(&filter, 10, 0).
		WillReturnRows(batchRows().
			AddRow(uuid.New(), started, (*time.Time)(nil), "running", 2, (*string)(nil), int64(1), int64(0), int64(0)).
			AddRow(uuid.New(), started, (*time.Time)(nil), "running", 5, (*string)(nil), int64(0), int64(0), int64(2)))
	mock.ExpectQuery("FROM batch_runs r").
		WithArgs((*string)(nil), 10, 10).
		WillReturnRows(batchRows())

	runs, err := s.ListBatches(context.Background(), &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, store.RunRunning, runs[0].Status)
	assert.Equal(t, int64(2), runs[1].Failed)

	runs, err = s.ListBatches(context.Background(), nil, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBatchSites(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	id := uuid.New()
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("FROM site_stats").
		WithArgs(id, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{"batch_id", "site", "last_update", "succeeded", "skipped", "failed"}).
			AddRow(id, "cdn.example.com", at, int64(7), int64(2), int64(1)))

	stats, err := s.ListBatchSites(context.Background(), id, 50, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "cdn.example.com", stats[0].Site)
	assert.Equal(t, int64(7), stats[0].Succeeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS batch_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
