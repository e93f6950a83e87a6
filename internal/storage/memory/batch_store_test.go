package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

func TestBatchStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	batch := downloader.Batch{
		ID:     "b1",
		Status: downloader.StatusReady,
		Items:  []downloader.CrawledItem{{URL: "https://a.example/1.jpg"}, {URL: "https://a.example/2.jpg"}},
	}

	require.NoError(t, store.CreateBatch(ctx, batch))
	require.Error(t, store.CreateBatch(ctx, batch))

	require.NoError(t, store.UpdateBatchStatus(ctx, "b1", downloader.StatusDownloading, ""))
	require.NoError(t, store.RecordOutcome(ctx, "b1", downloader.FetchOutcome{URL: "https://a.example/1.jpg", Success: true}))
	require.NoError(t, store.RecordOutcome(ctx, "b1",
		downloader.FetchOutcome{URL: "https://a.example/2.jpg", Success: true, Skipped: true}))
	require.NoError(t, store.RecordOutcome(ctx, "b1", downloader.FetchOutcome{URL: "https://a.example/3.jpg"}))

	items := []downloader.CrawledItem{{URL: "https://a.example/1.jpg", IsDownloaded: true}}
	require.NoError(t, store.SaveItems(ctx, "b1", items))
	require.NoError(t, store.UpdateBatchStatus(ctx, "b1", downloader.StatusDone, ""))

	got, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusDone, got.Status)
	assert.Equal(t, downloader.BatchCounters{Succeeded: 1, Skipped: 1, Failed: 1}, got.Counters)
	require.NotNil(t, got.Started)
	require.NotNil(t, got.Finished)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].IsDownloaded)

	outcomes, err := store.ListOutcomes(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "https://a.example/3.jpg", outcomes[2].URL)
}

func TestBatchStoreUnknownBatch(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()

	_, err := store.GetBatch(ctx, "nope")
	require.ErrorIs(t, err, downloader.ErrNotFound)
	require.ErrorIs(t, store.UpdateBatchStatus(ctx, "nope", downloader.StatusDone, ""), downloader.ErrNotFound)
	require.ErrorIs(t, store.RecordOutcome(ctx, "nope", downloader.FetchOutcome{}), downloader.ErrNotFound)
	require.ErrorIs(t, store.SaveItems(ctx, "nope", nil), downloader.ErrNotFound)
	_, err = store.ListOutcomes(ctx, "nope")
	require.ErrorIs(t, err, downloader.ErrNotFound)
}

func TestBatchStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewBatchStore()
	ctx := context.Background()
	require.NoError(t, store.CreateBatch(ctx, downloader.Batch{
		ID:    "b1",
		Items: []downloader.CrawledItem{{URL: "https://a.example/1.jpg"}},
	}))

	got, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	got.Items[0].URL = "mutated"

	again, err := store.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/1.jpg", again.Items[0].URL)
}
