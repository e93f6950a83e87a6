package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/store"
)

// ExampleProgressHandler_ListBatches shows how to serve the /api/batches endpoint.
func ExampleProgressHandler_ListBatches() {
	repo := &mockProgressRepo{
		runs: []store.BatchRun{{
			ID:        uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
			Status:    store.RunSuccess,
			StartedAt: time.Unix(0, 0),
			Total:     12,
		}},
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/batches?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListBatches(rec, req)

	var payload struct {
		Batches []map[string]any `json:"batches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned batches: %d, total items: %v\n", len(payload.Batches), payload.Batches[0]["total"])
	// Output:
	// returned batches: 1, total items: 12
}
