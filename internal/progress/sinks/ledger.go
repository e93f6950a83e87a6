package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/progress"
)

// LedgerSink marks successfully downloaded URLs in a downloader.Ledger so
// later runs can skip them. Skipped and failed items are left alone.
type LedgerSink struct {
	ledger downloader.Ledger
	logger *zap.Logger
}

// NewLedgerSink wires a ledger.
func NewLedgerSink(ledger downloader.Ledger, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{ledger: ledger, logger: logger}
}

// Consume marks every successful ITEM_DONE URL.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.ledger == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageItemDone || evt.Result != progress.ResultSuccess || evt.URL == "" {
			continue
		}
		if err := s.ledger.MarkDownloaded(ctx, evt.URL); err != nil {
			s.logger.Warn("ledger mark failed", zap.String("url", evt.URL), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mark %d urls: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Close is a no-op.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
