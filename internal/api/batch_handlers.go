package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

const enqueueTimeout = 5 * time.Second

type submitBatchRequest struct {
	Items       []downloader.CrawledItem `json:"items"`
	DownloadDir string                   `json:"download_dir"`
}

type submitBatchResponse struct {
	BatchID string            `json:"batch_id"`
	Status  downloader.Status `json:"status"`
	Items   int               `json:"items"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validateItems(req.Items); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batchID, err := s.enqueueBatch(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, downloader.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		s.logger.Error("submit batch failed", zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitBatchResponse{
		BatchID: batchID,
		Status:  downloader.StatusReady,
		Items:   len(req.Items),
	})
}

func (s *Server) validateItems(items []downloader.CrawledItem) error {
	if len(items) == 0 {
		return errors.New("at least one item required")
	}
	if len(items) > s.deps.MaxItems {
		return fmt.Errorf("batch exceeds %d items", s.deps.MaxItems)
	}
	for i, item := range items {
		if strings.TrimSpace(item.URL) == "" {
			return fmt.Errorf("items[%d].url is required", i)
		}
	}
	return nil
}

func (s *Server) enqueueBatch(ctx context.Context, req submitBatchRequest) (string, error) {
	batchID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate batch id: %w", err)
	}
	now := s.deps.Clock.Now()
	batch := downloader.Batch{
		ID:          batchID,
		Status:      downloader.StatusReady,
		DownloadDir: strings.TrimSpace(req.DownloadDir),
		Submitted:   now,
		Items:       req.Items,
	}
	if err := s.deps.Store.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := downloader.QueueItem{BatchID: batchID, Submitted: now.Unix()}
	if err := s.deps.Queue.Enqueue(queueCtx, item); err != nil {
		err = fmt.Errorf("enqueue batch: %w", err)
		if updErr := s.deps.Store.UpdateBatchStatus(
			context.WithoutCancel(ctx), batchID, downloader.StatusFailed, err.Error(),
		); updErr != nil {
			s.logger.Warn("mark unqueued batch failed", zap.String("batch_id", batchID), zap.Error(updErr))
		}
		return "", err
	}
	s.logger.Info("batch queued", zap.String("batch_id", batchID), zap.Int("items", len(req.Items)))
	return batchID, nil
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	batch, err := s.deps.Store.GetBatch(r.Context(), batchID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
}

func (s *Server) listOutcomes(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	outcomes, err := s.deps.Store.ListOutcomes(r.Context(), batchID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "outcomes": outcomes})
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, downloader.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	s.logger.Error("batch lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load batch")
}
