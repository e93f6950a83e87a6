// Package redis persists the downloaded-URL ledger in Redis so later runs can
// skip work finished earlier.
package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces ledger keys.
const DefaultKeyPrefix = "downloaded:"

// Commands is the subset of the go-redis client the ledger uses.
type Commands interface {
	SetEx(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Ledger implements downloader.Ledger with one key per URL hash.
type Ledger struct {
	client Commands
	prefix string
	ttl    time.Duration
}

// Options configures the ledger. A zero TTL keeps keys forever.
type Options struct {
	KeyPrefix string
	TTL       time.Duration
}

// New wraps an existing client.
func New(client Commands, opts Options) *Ledger {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Ledger{client: client, prefix: prefix, ttl: opts.TTL}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, opts Options) (*Ledger, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, opts), client, nil
}

func (l *Ledger) key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return l.prefix + hex.EncodeToString(sum[:])
}

// MarkDownloaded sets the URL's key.
func (l *Ledger) MarkDownloaded(ctx context.Context, url string) error {
	if err := l.client.SetEx(ctx, l.key(url), "1", l.ttl).Err(); err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return nil
}

// IsDownloaded checks for the URL's key.
func (l *Ledger) IsDownloaded(ctx context.Context, url string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(url)).Result()
	if err != nil {
		return false, fmt.Errorf("check downloaded: %w", err)
	}
	return n == 1, nil
}
