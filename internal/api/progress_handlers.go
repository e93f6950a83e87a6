package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/store"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// ProgressHandler exposes read-only batch progress endpoints.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// ListBatches handles GET /api/batches?status=&limit=&offset=. It returns
// {"batches": [...]}, 400 for invalid filters, 503 when no repository is
// configured, or 500 if the repository call fails.
func (h *ProgressHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultBatchLimit, maxBatchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statusParam := strings.TrimSpace(r.URL.Query().Get("status"))
	var status *store.RunStatus
	if statusParam != "" {
		statusVal, parseErr := parseStatus(statusParam)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &statusVal
	}
	batches, err := h.repo.ListBatches(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list batches failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": toBatchDTOs(batches),
	})
}

// GetBatch handles GET /api/batches/{batch_id}.
func (h *ProgressHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		h.logger.Error("get batch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load batch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": toBatchDTO(run)})
}

// ListBatchSites handles GET /api/batches/{batch_id}/sites?limit=&offset=
// and returns per-host result counts.
func (h *ProgressHandler) ListBatchSites(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	batchID, err := parseBatchID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sites, err := h.repo.ListBatchSites(ctx, batchID, limit, offset)
	if err != nil {
		h.logger.Error("list batch sites failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list batch sites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sites": toSiteDTOs(sites),
	})
}

func parseBatchID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "batch_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("batch_id is required")
	}
	batchID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid batch_id")
	}
	return batchID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "", "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toBatchDTOs(in []store.BatchRun) []batchDTO {
	out := make([]batchDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toBatchDTO(run))
	}
	return out
}

func toBatchDTO(run store.BatchRun) batchDTO {
	return batchDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Total:      run.Total,
		Succeeded:  run.Succeeded,
		Skipped:    run.Skipped,
		Failed:     run.Failed,
		Error:      run.ErrorMessage,
	}
}

func toSiteDTOs(in []store.SiteStats) []siteDTO {
	out := make([]siteDTO, 0, len(in))
	for _, s := range in {
		out = append(out, siteDTO{
			Site:       s.Site,
			LastUpdate: s.LastUpdate,
			Succeeded:  s.Succeeded,
			Skipped:    s.Skipped,
			Failed:     s.Failed,
		})
	}
	return out
}

type batchDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Succeeded  int64      `json:"succeeded"`
	Skipped    int64      `json:"skipped"`
	Failed     int64      `json:"failed"`
	Error      *string    `json:"error,omitempty"`
}

type siteDTO struct {
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Succeeded  int64     `json:"succeeded"`
	Skipped    int64     `json:"skipped"`
	Failed     int64     `json:"failed"`
}
