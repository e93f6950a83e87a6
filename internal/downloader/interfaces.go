package downloader

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper waits between retries; implementations must return early when ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Hasher computes digests for in-memory data.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// FileHasher computes a content digest of a file on disk.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// ChallengeDetector reports whether a response is an anti-bot challenge.
// Implementations that read the body must leave it readable for the caller.
type ChallengeDetector interface {
	IsChallenge(resp *http.Response) (bool, error)
}

// ChallengeSolver clears a challenge for url and returns the cookies proving it.
// A nil or empty result means the challenge could not be solved.
type ChallengeSolver interface {
	Solve(ctx context.Context, url string) ([]*http.Cookie, error)
}

// Prober retrieves remote file metadata without downloading the body.
type Prober interface {
	Probe(ctx context.Context, url, referer string) (RemoteProbe, error)
}

// Retriever performs one logical fetch.
type Retriever interface {
	FetchFile(ctx context.Context, url, dest, referer string) error
	FetchString(ctx context.Context, url, referer string) (string, error)
}

// Plugin downloads items for the URLs it supports.
type Plugin interface {
	Name() string
	IsSupportedURL(ctx context.Context, url string) bool
	Download(ctx context.Context, item *CrawledItem) error
}

// ItemProcessor decides whether an item should be downloaded and fills its
// DownloadPath when it should.
type ItemProcessor interface {
	Process(ctx context.Context, item *CrawledItem, downloadDir string) (bool, error)
}

// Exporter persists crawl results after a batch.
type Exporter interface {
	Export(ctx context.Context, batchID string, items []CrawledItem) error
}

// Ledger remembers URLs downloaded in earlier runs.
type Ledger interface {
	IsDownloaded(ctx context.Context, url string) (bool, error)
	MarkDownloaded(ctx context.Context, url string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes outcome events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for submitted batches.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// BatchStore persists batch metadata and outcomes.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch Batch) error
	UpdateBatchStatus(ctx context.Context, batchID string, status Status, errText string) error
	RecordOutcome(ctx context.Context, batchID string, outcome FetchOutcome) error
	SaveItems(ctx context.Context, batchID string, items []CrawledItem) error
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListOutcomes(ctx context.Context, batchID string) ([]FetchOutcome, error)
}
