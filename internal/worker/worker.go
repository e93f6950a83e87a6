// Package worker runs queued download batches end to end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/id/uuid"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
	"github.com/JakeFAU/creator-downloader/internal/progress"
)

// BatchRunner fans one batch out to the download plugins.
type BatchRunner interface {
	RunBatch(
		ctx context.Context,
		items []*downloader.CrawledItem,
		policy downloader.RetrievalPolicy,
	) (<-chan downloader.FetchOutcome, error)
}

// RunnerFactory builds a BatchRunner writing into downloadDir.
type RunnerFactory func(downloadDir string) (BatchRunner, error)

// Config controls Worker behavior.
type Config struct {
	// DefaultDownloadDir is used when a batch does not name its own directory.
	DefaultDownloadDir string
}

// Worker consumes queued batches and drives each through the status
// lifecycle: initialization, downloading, exporting and done.
type Worker struct {
	queue     downloader.Queue
	store     downloader.BatchStore
	newRunner RunnerFactory
	reporter  *progress.Reporter
	exporter  downloader.Exporter
	policy    downloader.RetrievalPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. queue may be nil when batches are only run
// directly through RunBatch.
func New(
	queue downloader.Queue,
	store downloader.BatchStore,
	newRunner RunnerFactory,
	reporter *progress.Reporter,
	exporter downloader.Exporter,
	policy downloader.RetrievalPolicy,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if store == nil {
		return nil, errors.New("batch store is required")
	}
	if newRunner == nil {
		return nil, errors.New("runner factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = progress.NewReporter(nil, nil, logger)
	}
	return &Worker{
		queue:     queue,
		store:     store,
		newRunner: newRunner,
		reporter:  reporter,
		exporter:  exporter,
		policy:    policy,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	if w.queue == nil {
		w.logger.Error("worker started without a queue")
		return
	}
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, downloader.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued batch", zap.String("batch_id", item.BatchID))
		if _, err := w.RunBatch(ctx, item.BatchID); err != nil {
			w.logger.Error("batch failed", zap.String("batch_id", item.BatchID), zap.Error(err))
		}
	}
}

// RunBatch executes a stored batch. The returned summary covers every outcome
// observed, even when an error is returned.
func (w *Worker) RunBatch(ctx context.Context, batchID string) (progress.Summary, error) {
	id, err := uuid.Parse(batchID)
	if err != nil {
		return progress.Summary{}, err
	}
	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return progress.Summary{}, fmt.Errorf("load batch: %w", err)
	}
	// Bookkeeping must survive cancellation of the batch itself.
	bookCtx := context.WithoutCancel(ctx)

	w.setStatus(bookCtx, batchID, downloader.StatusInitialization, "")
	dir := strings.TrimSpace(batch.DownloadDir)
	if dir == "" {
		dir = w.cfg.DefaultDownloadDir
	}
	runner, err := w.newRunner(dir)
	if err != nil {
		return progress.Summary{}, w.fail(bookCtx, batchID, fmt.Errorf("build dispatcher: %w", err))
	}

	items := make([]*downloader.CrawledItem, len(batch.Items))
	for i := range batch.Items {
		items[i] = &batch.Items[i]
	}

	w.setStatus(bookCtx, batchID, downloader.StatusDownloading, "")
	outcomes, err := runner.RunBatch(ctx, items, w.policy)
	if err != nil {
		return progress.Summary{}, w.fail(bookCtx, batchID, fmt.Errorf("start batch: %w", err))
	}
	summary := w.reporter.Run(ctx, id, len(items), outcomes, func(outcome downloader.FetchOutcome) {
		if err := w.store.RecordOutcome(bookCtx, batchID, outcome); err != nil {
			w.logger.Warn("record outcome failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	})

	if err := w.store.SaveItems(bookCtx, batchID, batch.Items); err != nil {
		w.logger.Warn("save items failed", zap.String("batch_id", batchID), zap.Error(err))
	}
	if summary.Canceled {
		return summary, w.fail(bookCtx, batchID, fmt.Errorf("batch canceled: %w", ctx.Err()))
	}

	if w.exporter != nil {
		w.setStatus(bookCtx, batchID, downloader.StatusExporting, "")
		if err := w.exporter.Export(bookCtx, batchID, batch.Items); err != nil {
			return summary, w.fail(bookCtx, batchID, fmt.Errorf("export crawl results: %w", err))
		}
	}

	w.setStatus(bookCtx, batchID, downloader.StatusDone, "")
	metrics.ObserveBatch(string(downloader.StatusDone))
	return summary, nil
}

func (w *Worker) setStatus(ctx context.Context, batchID string, status downloader.Status, errText string) {
	if err := w.store.UpdateBatchStatus(ctx, batchID, status, errText); err != nil {
		w.logger.Error("update batch status failed",
			zap.String("batch_id", batchID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("batch status", zap.String("batch_id", batchID), zap.String("status", string(status)))
}

func (w *Worker) fail(ctx context.Context, batchID string, err error) error {
	w.setStatus(ctx, batchID, downloader.StatusFailed, err.Error())
	metrics.ObserveBatch(string(downloader.StatusFailed))
	return err
}
