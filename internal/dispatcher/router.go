package dispatcher

import (
	"context"
	"errors"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// Router picks the plugin responsible for an item.
type Router struct {
	plugins []downloader.Plugin
	def     downloader.Plugin
}

// NewRouter builds a Router. Plugins are consulted in order; def handles
// everything none of them claims.
func NewRouter(def downloader.Plugin, plugins ...downloader.Plugin) (*Router, error) {
	if def == nil {
		return nil, errors.New("default plugin is required")
	}
	filtered := make([]downloader.Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return &Router{plugins: filtered, def: def}, nil
}

// Route returns the first plugin that supports rawURL, or the default.
func (r *Router) Route(ctx context.Context, rawURL string) downloader.Plugin {
	for _, p := range r.plugins {
		if p.IsSupportedURL(ctx, rawURL) {
			return p
		}
	}
	return r.def
}
