// Package export persists crawl results (items with IsDownloaded filled in)
// once a batch has finished.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// ResultsFile is the object name written under each batch directory.
const ResultsFile = "crawl_results.json"

// Document is the JSON layout written by BlobExporter.
type Document struct {
	BatchID    string                   `json:"batch_id"`
	ExportedAt time.Time                `json:"exported_at"`
	Total      int                      `json:"total"`
	Downloaded int                      `json:"downloaded"`
	Items      []downloader.CrawledItem `json:"items"`
}

// BlobExporter writes one JSON document per batch to a BlobStore.
type BlobExporter struct {
	blobs  downloader.BlobStore
	clock  downloader.Clock
	logger *zap.Logger
}

// NewBlobExporter wires a BlobExporter. clock may be nil.
func NewBlobExporter(blobs downloader.BlobStore, clock downloader.Clock, logger *zap.Logger) (*BlobExporter, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobExporter{blobs: blobs, clock: clock, logger: logger}, nil
}

// ObjectPath is where the results for batchID are stored.
func ObjectPath(batchID string) string {
	return path.Join("batches", batchID, ResultsFile)
}

// Export implements downloader.Exporter.
func (e *BlobExporter) Export(ctx context.Context, batchID string, items []downloader.CrawledItem) error {
	if batchID == "" {
		return errors.New("batch id is required")
	}
	doc := Document{
		BatchID:    batchID,
		ExportedAt: e.now(),
		Total:      len(items),
		Items:      items,
	}
	if doc.Items == nil {
		doc.Items = []downloader.CrawledItem{}
	}
	for _, item := range items {
		if item.IsDownloaded {
			doc.Downloaded++
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crawl results: %w", err)
	}
	uri, err := e.blobs.PutObject(ctx, ObjectPath(batchID), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("put crawl results: %w", err)
	}
	e.logger.Info("crawl results exported",
		zap.String("batch_id", batchID),
		zap.String("uri", uri),
		zap.Int("items", doc.Total),
		zap.Int("downloaded", doc.Downloaded),
	)
	return nil
}

func (e *BlobExporter) now() time.Time {
	if e.clock != nil {
		return e.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// ItemSaver is implemented by storage/postgres.ItemStore.
type ItemSaver interface {
	SaveItems(ctx context.Context, batchID string, items []downloader.CrawledItem) error
}

// TableExporter writes crawl results as rows through an ItemSaver.
type TableExporter struct {
	saver  ItemSaver
	logger *zap.Logger
}

// NewTableExporter wires a TableExporter.
func NewTableExporter(saver ItemSaver, logger *zap.Logger) (*TableExporter, error) {
	if saver == nil {
		return nil, errors.New("item saver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableExporter{saver: saver, logger: logger}, nil
}

// Export implements downloader.Exporter.
func (e *TableExporter) Export(ctx context.Context, batchID string, items []downloader.CrawledItem) error {
	if err := e.saver.SaveItems(ctx, batchID, items); err != nil {
		return fmt.Errorf("save crawl results: %w", err)
	}
	e.logger.Info("crawl results saved", zap.String("batch_id", batchID), zap.Int("items", len(items)))
	return nil
}

// Multi runs every exporter and joins their errors.
type Multi []downloader.Exporter

// Export implements downloader.Exporter.
func (m Multi) Export(ctx context.Context, batchID string, items []downloader.CrawledItem) error {
	var errs []error
	for _, exp := range m {
		if exp == nil {
			continue
		}
		if err := exp.Export(ctx, batchID, items); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
