package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/progress"
	"github.com/JakeFAU/creator-downloader/internal/store"
)

// StoreSink persists progress through a store.ProgressRepository. Site
// counters are collapsed per batch before writing.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes batch starts first, then outcomes and site deltas, then
// batch completions, so a run is never marked finished before its counters.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var (
		records []store.OutcomeRecord
		done    []progress.Event
	)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			if err := s.repo.UpsertBatchStart(ctx, evt.BatchUUID(), evt.TS, evt.Total); err != nil {
				return fmt.Errorf("upsert batch start: %w", err)
			}
		case progress.StageItemDone:
			s.recordSiteStats(stats, evt)
			records = append(records, store.OutcomeRecord{
				BatchID:    evt.BatchUUID(),
				URL:        evt.URL,
				Result:     string(evt.Result),
				Message:    evt.Note,
				Duration:   evt.Dur,
				FinishedAt: evt.TS,
			})
		case progress.StageBatchDone, progress.StageBatchError:
			done = append(done, evt)
		}
	}

	if len(records) > 0 {
		if err := s.repo.InsertOutcomes(ctx, records); err != nil {
			return fmt.Errorf("insert outcomes: %w", err)
		}
	}
	for key, delta := range stats {
		if err := s.repo.UpsertSiteStats(ctx, key.batchID, key.site, delta.SiteDelta, delta.at); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	for _, evt := range done {
		status := store.RunSuccess
		var note *string
		if evt.Stage == progress.StageBatchError {
			status = store.RunError
			if evt.Note != "" {
				msg := evt.Note
				note = &msg
			}
		}
		if err := s.repo.CompleteBatch(ctx, evt.BatchUUID(), evt.TS, status, note); err != nil {
			return fmt.Errorf("complete batch: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) recordSiteStats(stats map[statsKey]*statsDelta, evt progress.Event) {
	key := statsKey{batchID: evt.BatchUUID(), site: evt.Site}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	switch evt.Result {
	case progress.ResultSuccess:
		stat.Succeeded++
	case progress.ResultSkipped:
		stat.Skipped++
	default:
		stat.Failed++
	}
	if evt.TS.After(stat.at) {
		stat.at = evt.TS
	}
}

// Close is a no-op.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	batchID uuid.UUID
	site    string
}

type statsDelta struct {
	store.SiteDelta
	at time.Time
}
