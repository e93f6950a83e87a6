// Package memory provides an in-process downloaded-URL ledger.
package memory

import (
	"context"
	"sync"
)

// Ledger implements downloader.Ledger with a map.
type Ledger struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{urls: make(map[string]struct{})}
}

// IsDownloaded reports whether url was marked.
func (l *Ledger) IsDownloaded(_ context.Context, url string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.urls[url]
	return ok, nil
}

// MarkDownloaded records url.
func (l *Ledger) MarkDownloaded(_ context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls[url] = struct{}{}
	return nil
}
