package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
)

// Summary is what a Reporter saw on one outcome stream.
type Summary struct {
	Counters downloader.BatchCounters
	Outcomes []downloader.FetchOutcome
	Elapsed  time.Duration
	// Canceled is true when ctx ended before the stream closed.
	Canceled bool
}

// Reporter drains a dispatcher outcome stream and turns it into events.
type Reporter struct {
	emitter Emitter
	clock   downloader.Clock
	logger  *zap.Logger
}

// NewReporter creates a Reporter. A nil emitter discards events.
func NewReporter(emitter Emitter, clock downloader.Clock, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{emitter: emitter, clock: clock, logger: logger}
}

// Run emits BATCH_START, one ITEM_DONE per outcome and a final BATCH_DONE
// (or BATCH_ERROR when ctx was canceled). It returns once outcomes is closed.
// onOutcome, when set, is called synchronously for every outcome.
func (r *Reporter) Run(
	ctx context.Context,
	batchID uuid.UUID,
	total int,
	outcomes <-chan downloader.FetchOutcome,
	onOutcome func(downloader.FetchOutcome),
) Summary {
	id := UUIDToBytes(batchID)
	start := r.now()
	r.emit(Event{BatchID: id, TS: start, Stage: StageBatchStart, Total: total})
	r.logger.Info("batch started", zap.String("batch_id", batchID.String()), zap.Int("items", total))

	var summary Summary
	for outcome := range outcomes {
		result := ResultOf(outcome)
		switch result {
		case ResultSkipped:
			summary.Counters.Skipped++
		case ResultSuccess:
			summary.Counters.Succeeded++
		default:
			summary.Counters.Failed++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
		if onOutcome != nil {
			onOutcome(outcome)
		}
		r.emit(Event{
			BatchID:   id,
			TS:        r.now(),
			Stage:     StageItemDone,
			Site:      metrics.SanitizeSite(outcome.URL),
			URL:       outcome.URL,
			Result:    result,
			Completed: outcome.Completed,
			Total:     outcome.Total,
			Dur:       outcome.Duration,
			Note:      outcome.Message,
		})
		r.logger.Info("item finished",
			zap.String("batch_id", batchID.String()),
			zap.String("url", outcome.URL),
			zap.String("result", string(result)),
			zap.Int("completed", outcome.Completed),
			zap.Int("total", outcome.Total),
			zap.String("message", outcome.Message),
		)
	}

	end := r.now()
	summary.Elapsed = end.Sub(start)
	if summary.Elapsed < 0 {
		summary.Elapsed = 0
	}
	final := Event{
		BatchID:   id,
		TS:        end,
		Stage:     StageBatchDone,
		Completed: len(summary.Outcomes),
		Total:     total,
		Dur:       summary.Elapsed,
		Note: fmt.Sprintf("succeeded=%d skipped=%d failed=%d",
			summary.Counters.Succeeded, summary.Counters.Skipped, summary.Counters.Failed),
	}
	if ctx.Err() != nil {
		summary.Canceled = true
		final.Stage = StageBatchError
		final.Note = fmt.Sprintf("canceled after %d of %d items: %v", len(summary.Outcomes), total, ctx.Err())
	}
	r.emit(final)
	r.logger.Info("batch finished",
		zap.String("batch_id", batchID.String()),
		zap.String("stage", string(final.Stage)),
		zap.Int("succeeded", summary.Counters.Succeeded),
		zap.Int("skipped", summary.Counters.Skipped),
		zap.Int("failed", summary.Counters.Failed),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary
}

func (r *Reporter) emit(evt Event) {
	if r.emitter != nil {
		r.emitter.Emit(evt)
	}
}

func (r *Reporter) now() time.Time {
	if r.clock != nil {
		return r.clock.Now().UTC()
	}
	return time.Now().UTC()
}
