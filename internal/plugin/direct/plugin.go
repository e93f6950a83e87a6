// Package direct provides the fallback plugin that downloads an item's URL as-is.
package direct

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// Name identifies the plugin in logs.
const Name = "direct"

// Plugin hands every item to the retrieval engine unchanged.
type Plugin struct {
	retriever downloader.Retriever
}

// New creates the plugin around retriever.
func New(retriever downloader.Retriever) (*Plugin, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	return &Plugin{retriever: retriever}, nil
}

// Name implements downloader.Plugin.
func (p *Plugin) Name() string { return Name }

// IsSupportedURL accepts everything.
func (p *Plugin) IsSupportedURL(context.Context, string) bool { return true }

// Download fetches item.URL into item.DownloadPath.
func (p *Plugin) Download(ctx context.Context, item *downloader.CrawledItem) error {
	if item == nil {
		return errors.New("item is nil")
	}
	if err := p.retriever.FetchFile(ctx, item.URL, item.DownloadPath, item.Referer); err != nil {
		return fmt.Errorf("direct download: %w", err)
	}
	return nil
}
