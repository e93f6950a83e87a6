package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	queuememory "github.com/JakeFAU/creator-downloader/internal/queue/memory"
	"github.com/JakeFAU/creator-downloader/internal/storage/memory"
)

type fakeIDGen struct {
	ids []string
	err error
}

func (f *fakeIDGen) NewID() (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if len(f.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type testServer struct {
	server *Server
	store  *memory.BatchStore
	queue  *queuememory.Queue
}

func newTestServer(t *testing.T, ids ...string) testServer {
	t.Helper()
	batches := memory.NewBatchStore()
	queue := queuememory.NewQueue(4)
	srv, err := NewServer(Deps{
		Store:    batches,
		Queue:    queue,
		IDs:      &fakeIDGen{ids: ids},
		Clock:    &fakeClock{now: time.Unix(100, 0)},
		MaxItems: 3,
	}, zap.NewNop())
	require.NoError(t, err)
	return testServer{server: srv, store: batches, queue: queue}
}

func (ts testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, nil)
	require.Error(t, err)
	_, err = NewServer(Deps{Store: memory.NewBatchStore()}, nil)
	require.Error(t, err)
}

func TestServerSubmitBatchQueuesItems(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "batch-1")
	body := []byte(`{"items":[{"url":"https://cdn.example.com/a.jpg","referer":"https://creator.example.com"}],` +
		`"download_dir":"/data/creator"}`)
	rec := ts.do(http.MethodPost, "/v1/batches", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "batch-1", resp.BatchID)
	assert.Equal(t, 1, resp.Items)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	item, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "batch-1", item.BatchID)
	assert.Equal(t, int64(100), item.Submitted)

	batch, err := ts.store.GetBatch(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusReady, batch.Status)
	assert.Equal(t, "/data/creator", batch.DownloadDir)
	require.Len(t, batch.Items, 1)
	assert.Equal(t, "https://creator.example.com", batch.Items[0].Referer)
}

func TestServerSubmitBatchValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"invalid json", `{`, "invalid JSON"},
		{"no items", `{"items":[]}`, "at least one item"},
		{"missing url", `{"items":[{"filename":"a.jpg"}]}`, "items[0].url"},
		{"too many", `{"items":[{"url":"a"},{"url":"b"},{"url":"c"},{"url":"d"}]}`, "exceeds 3 items"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, "batch-x")
			rec := ts.do(http.MethodPost, "/v1/batches", []byte(tt.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.Zero(t, ts.queue.Len())
		})
	}
}

func TestServerSubmitBatchClosedQueue(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "batch-closed")
	ts.queue.Close()
	rec := ts.do(http.MethodPost, "/v1/batches", []byte(`{"items":[{"url":"https://cdn.example.com/a"}]}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	batch, err := ts.store.GetBatch(context.Background(), "batch-closed")
	require.NoError(t, err)
	assert.Equal(t, downloader.StatusFailed, batch.Status)
}

func TestServerGetBatchAndOutcomes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateBatch(ctx, downloader.Batch{
		ID:     "batch-2",
		Status: downloader.StatusReady,
		Items:  []downloader.CrawledItem{{URL: "https://cdn.example.com/a"}},
	}))
	require.NoError(t, ts.store.RecordOutcome(ctx, "batch-2", downloader.FetchOutcome{
		URL: "https://cdn.example.com/a", Success: true, Completed: 1, Total: 1,
	}))

	rec := ts.do(http.MethodGet, "/v1/batches/batch-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Batch downloader.Batch `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Batch.Counters.Succeeded)

	rec = ts.do(http.MethodGet, "/v1/batches/batch-2/outcomes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var outcomes struct {
		Outcomes []downloader.FetchOutcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes.Outcomes, 1)
	assert.True(t, outcomes.Outcomes[0].Success)
}

func TestServerGetBatchNotFound(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/batches/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/v1/batches/missing/outcomes", nil).Code)
}

func TestServerHealthAndReadiness(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/readyz", nil).Code)

	srv, err := NewServer(Deps{
		Store: memory.NewBatchStore(),
		Queue: queuememory.NewQueue(1),
		IDs:   &fakeIDGen{},
		Clock: &fakeClock{},
		Checks: map[string]ReadinessCheck{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	}, zap.NewNop())
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.do(http.MethodGet, "/healthz", nil)
	rec := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServerProgressRoutesWithoutRepo(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/api/batches", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
