// Package dispatcher runs a batch of crawled items through validation,
// processing and download with bounded concurrency.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/metrics"
	"github.com/JakeFAU/creator-downloader/internal/urlgate"
)

const tracerName = "github.com/JakeFAU/creator-downloader/internal/dispatcher"

// DefaultConcurrency is the number of items fetched at once.
const DefaultConcurrency = 4

// Config controls a Dispatcher.
type Config struct {
	Concurrency  int
	DownloadDir  string
	BlockedHosts []string
}

// Dispatcher fans a batch out to the router's plugins.
type Dispatcher struct {
	cfg       Config
	processor downloader.ItemProcessor
	router    *Router
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, processor downloader.ItemProcessor, router *Router, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, processor: processor, router: router, logger: logger}
}

// RunBatch validates its inputs and starts the batch. Exactly one outcome is
// sent for every dispatched item, and the channel is closed once all of them
// have finished. Cancellation stops further dispatch; items already running
// are allowed to complete.
func (d *Dispatcher) RunBatch(
	ctx context.Context,
	items []*downloader.CrawledItem,
	policy downloader.RetrievalPolicy,
) (<-chan downloader.FetchOutcome, error) {
	if items == nil {
		return nil, errors.New("batch is nil")
	}
	if strings.TrimSpace(d.cfg.DownloadDir) == "" {
		return nil, errors.New("download directory is required")
	}
	if d.router == nil {
		return nil, errors.New("retrieval engine is not configured")
	}
	if d.processor == nil {
		return nil, errors.New("item processor is not configured")
	}

	gate := urlgate.New(policy.URLBlacklist(), d.cfg.BlockedHosts)
	out := make(chan downloader.FetchOutcome, len(items))
	go d.run(ctx, gate, items, out)
	return out, nil
}

func (d *Dispatcher) run(
	ctx context.Context,
	gate *urlgate.Gate,
	items []*downloader.CrawledItem,
	out chan<- downloader.FetchOutcome,
) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatcher.RunBatch")
	span.SetAttributes(attribute.Int("items", len(items)))
	defer span.End()
	defer close(out)

	var (
		wg        sync.WaitGroup
		emitMu    sync.Mutex
		completed int
	)
	total := len(items)
	sem := make(chan struct{}, d.cfg.Concurrency)
	// Cancellation is only observed between dispatches.
	itemCtx := context.WithoutCancel(ctx)

	emit := func(outcome downloader.FetchOutcome) {
		emitMu.Lock()
		defer emitMu.Unlock()
		completed++
		outcome.Completed = completed
		outcome.Total = total
		out <- outcome
	}

dispatch:
	for i, item := range items {
		if ctx.Err() != nil {
			d.logger.Info("batch canceled", zap.Int("dispatched", i), zap.Int("total", total))
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			d.logger.Info("batch canceled", zap.Int("dispatched", i), zap.Int("total", total))
			break dispatch
		}
		wg.Add(1)
		go func(pos int, item *downloader.CrawledItem) {
			defer wg.Done()
			defer func() { <-sem }()
			metrics.IncActiveFetches()
			defer metrics.DecActiveFetches()

			d.logger.Debug("dispatching item",
				zap.Int("position", pos+1),
				zap.Int("total", total),
				zap.String("url", itemURL(item)),
			)
			emit(d.processItem(itemCtx, gate, item))
		}(i, item)
	}
	wg.Wait()
}

// processItem never returns an error; every failure becomes an outcome.
func (d *Dispatcher) processItem(
	ctx context.Context,
	gate *urlgate.Gate,
	item *downloader.CrawledItem,
) downloader.FetchOutcome {
	start := time.Now()
	outcome := downloader.FetchOutcome{URL: itemURL(item)}
	finish := func(result string) downloader.FetchOutcome {
		outcome.Duration = time.Since(start)
		metrics.ObserveItem(result)
		return outcome
	}

	if item == nil {
		outcome.Message = "item is nil"
		return finish("failed")
	}
	if ok, reason := gate.Allow(item.URL); !ok {
		d.logger.Warn("rejected url", zap.String("url", item.URL), zap.String("reason", reason))
		outcome.Message = reason
		return finish("failed")
	}

	allowed, err := d.processor.Process(ctx, item, d.cfg.DownloadDir)
	if err != nil {
		d.logger.Error("item processing failed", zap.String("url", item.URL), zap.Error(err))
		outcome.Message = fmt.Sprintf("process item: %v", err)
		return finish("failed")
	}
	if !allowed {
		d.logger.Debug("processor skipped item", zap.String("url", item.URL))
		item.IsDownloaded = true
		outcome.Success = true
		outcome.Skipped = true
		outcome.Message = "skipped"
		return finish("skipped")
	}
	if strings.TrimSpace(item.DownloadPath) == "" {
		outcome.Message = "download path is not filled"
		d.logger.Error("download path missing", zap.String("url", item.URL))
		return finish("failed")
	}

	plugin := d.router.Route(ctx, item.URL)
	if err := plugin.Download(ctx, item); err != nil {
		d.logger.Error("download failed",
			zap.String("url", item.URL),
			zap.String("plugin", plugin.Name()),
			zap.Error(err),
		)
		outcome.Message = err.Error()
		return finish("failed")
	}
	item.IsDownloaded = true
	outcome.Success = true
	return finish("success")
}

func itemURL(item *downloader.CrawledItem) string {
	if item == nil {
		return ""
	}
	return item.URL
}
