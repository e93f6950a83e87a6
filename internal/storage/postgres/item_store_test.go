package postgres

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

func TestNewItemStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewItemStore(mock, "items; DROP TABLE x")
	require.Error(t, err)
	_, err = NewItemStore(nil, "")
	require.Error(t, err)

	s, err := NewItemStore(mock, "")
	require.NoError(t, err)
	require.Equal(t, "crawled_items", s.table)
}

func TestSaveItemsUpsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewItemStore(mock, "creator_items")
	require.NoError(t, err)

	items := []downloader.CrawledItem{
		{URL: "https://a.example/1.jpg", Filename: "1.jpg", DownloadPath: "/d/1.jpg", IsDownloaded: true},
		{URL: "https://a.example/2.jpg", Referer: "https://a.example/post/2"},
	}
	mock.ExpectExec("INSERT INTO creator_items").
		WithArgs("batch-1", "https://a.example/1.jpg", "1.jpg", "/d/1.jpg", "", true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO creator_items").
		WithArgs("batch-1", "https://a.example/2.jpg", "", "", "https://a.example/post/2", false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveItems(context.Background(), "batch-1", items))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, s.SaveItems(context.Background(), "", items))
}

func TestEnsureTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewItemStore(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawled_items").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureTable(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
