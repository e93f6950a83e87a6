package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// BatchStore implements downloader.BatchStore in memory.
type BatchStore struct {
	mu       sync.RWMutex
	batches  map[string]downloader.Batch
	outcomes map[string][]downloader.FetchOutcome
	now      func() time.Time
}

// NewBatchStore constructs an empty BatchStore.
func NewBatchStore() *BatchStore {
	return &BatchStore{
		batches:  make(map[string]downloader.Batch),
		outcomes: make(map[string][]downloader.FetchOutcome),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateBatch stores a new batch; IDs must be unique.
func (s *BatchStore) CreateBatch(_ context.Context, batch downloader.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[batch.ID]; exists {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	batch.Items = append([]downloader.CrawledItem(nil), batch.Items...)
	s.batches[batch.ID] = batch
	return nil
}

// UpdateBatchStatus moves a batch to status, stamping start and finish times.
func (s *BatchStore) UpdateBatchStatus(_ context.Context, batchID string, status downloader.Status, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, downloader.ErrNotFound)
	}
	now := s.now()
	batch.Status = status
	batch.ErrorText = errText
	if status == downloader.StatusDownloading && batch.Started == nil {
		batch.Started = &now
	}
	if status == downloader.StatusDone || status == downloader.StatusFailed {
		batch.Finished = &now
	}
	s.batches[batchID] = batch
	return nil
}

// RecordOutcome appends an outcome and bumps the batch counters.
func (s *BatchStore) RecordOutcome(_ context.Context, batchID string, outcome downloader.FetchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, downloader.ErrNotFound)
	}
	switch {
	case outcome.Skipped:
		batch.Counters.Skipped++
	case outcome.Success:
		batch.Counters.Succeeded++
	default:
		batch.Counters.Failed++
	}
	s.batches[batchID] = batch
	s.outcomes[batchID] = append(s.outcomes[batchID], outcome)
	return nil
}

// SaveItems replaces the stored item list, typically with IsDownloaded filled in.
func (s *BatchStore) SaveItems(_ context.Context, batchID string, items []downloader.CrawledItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s: %w", batchID, downloader.ErrNotFound)
	}
	batch.Items = append([]downloader.CrawledItem(nil), items...)
	s.batches[batchID] = batch
	return nil
}

// GetBatch returns a copy of the batch.
func (s *BatchStore) GetBatch(_ context.Context, batchID string) (downloader.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return downloader.Batch{}, fmt.Errorf("batch %s: %w", batchID, downloader.ErrNotFound)
	}
	batch.Items = append([]downloader.CrawledItem(nil), batch.Items...)
	return batch, nil
}

// ListOutcomes returns the outcomes recorded so far, in arrival order.
func (s *BatchStore) ListOutcomes(_ context.Context, batchID string) ([]downloader.FetchOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.batches[batchID]; !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, downloader.ErrNotFound)
	}
	return append([]downloader.FetchOutcome{}, s.outcomes[batchID]...), nil
}
