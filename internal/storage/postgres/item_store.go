package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// ItemStore writes crawl results into a crawled_items style table.
type ItemStore struct {
	pool  Pool
	table string
}

// NewItemStore validates table and wraps pool. An empty table means "crawled_items".
func NewItemStore(pool Pool, table string) (*ItemStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "crawled_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{pool: pool, table: table}, nil
}

// EnsureTable creates the table when it does not exist.
func (s *ItemStore) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	batch_id      TEXT NOT NULL,
	url           TEXT NOT NULL,
	filename      TEXT,
	download_path TEXT,
	referer       TEXT,
	is_downloaded BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (batch_id, url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveItems upserts every item of a batch.
func (s *ItemStore) SaveItems(ctx context.Context, batchID string, items []downloader.CrawledItem) error {
	if batchID == "" {
		return errors.New("batch id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (batch_id, url, filename, download_path, referer, is_downloaded)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (batch_id, url) DO UPDATE
SET filename = EXCLUDED.filename,
	download_path = EXCLUDED.download_path,
	referer = EXCLUDED.referer,
	is_downloaded = EXCLUDED.is_downloaded`, s.table)
	for _, item := range items {
		_, err := s.pool.Exec(ctx, query,
			batchID,
			item.URL,
			item.Filename,
			item.DownloadPath,
			item.Referer,
			item.IsDownloaded,
		)
		if err != nil {
			return fmt.Errorf("insert crawled item: %w", err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
