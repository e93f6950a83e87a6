// Package processor decides where each crawled item is saved and whether it
// needs downloading at all.
package processor

import (
	"context"
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/retrieval"
)

// Processor implements downloader.ItemProcessor.
type Processor struct {
	prober downloader.Prober
	ledger downloader.Ledger
	logger *zap.Logger
}

// New creates a Processor. prober and ledger are optional.
func New(prober downloader.Prober, ledger downloader.Ledger, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{prober: prober, ledger: ledger, logger: logger}
}

// Process refuses items the ledger already knows, then picks a filename: the
// item's own, the server's Content-Disposition hint, the last URL path
// segment, or a generated name, in that order.
func (p *Processor) Process(ctx context.Context, item *downloader.CrawledItem, downloadDir string) (bool, error) {
	if item == nil {
		return false, errors.New("item is nil")
	}
	if p.ledger != nil {
		done, err := p.ledger.IsDownloaded(ctx, item.URL)
		if err != nil {
			p.logger.Warn("ledger lookup failed", zap.String("url", item.URL), zap.Error(err))
		} else if done {
			p.logger.Debug("already downloaded in an earlier run", zap.String("url", item.URL))
			return false, nil
		}
	}

	name := SanitizeFilename(item.Filename)
	var contentType string
	if name == "" && p.prober != nil {
		probe, err := p.prober.Probe(ctx, item.URL, item.Referer)
		if err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			p.logger.Debug("probe failed", zap.String("url", item.URL), zap.Error(err))
		}
		name = SanitizeFilename(probe.FilenameHint)
		contentType = probe.ContentType
	}
	if name == "" {
		name = SanitizeFilename(nameFromURL(item.URL))
	}
	if name == "" {
		name = retrieval.GeneratedFilename(item.URL, contentType)
	}

	item.Filename = name
	item.DownloadPath = filepath.Join(downloadDir, name)
	return true, nil
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return strings.TrimSpace(base)
}
