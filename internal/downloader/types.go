// Package downloader defines core types shared across the retrieval subsystems.
package downloader

import (
	"fmt"
	"strings"
	"time"
)

// TempSuffix is appended to a destination path while a download is in flight.
const TempSuffix = ".dwnldtmp"

// CrawledItem is a single resource discovered by the crawler.
type CrawledItem struct {
	URL                 string `json:"url"`
	Filename            string `json:"filename,omitempty"`
	DownloadPath        string `json:"download_path,omitempty"`
	Referer             string `json:"referer,omitempty"`
	IsDownloaded        bool   `json:"is_downloaded"`
	IsProcessedByPlugin bool   `json:"is_processed_by_plugin"`
}

// FetchOutcome is the terminal result for one item of a batch.
type FetchOutcome struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	// Skipped is true when the item was not fetched but still counts as done.
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
	// Completed is the running number of outcomes emitted so far, Total the batch size.
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// RemoteProbe is the metadata returned by a HEAD probe. SizeBytes <= 0 means unknown.
type RemoteProbe struct {
	FilenameHint string
	SizeBytes    int64
	ContentType  string
}

// ConflictPolicy is the strategy applied when the destination file already exists.
type ConflictPolicy int

// Supported conflict policies.
const (
	AlwaysReplace ConflictPolicy = iota
	ReplaceIfDifferent
	BackupIfDifferent
	KeepExisting
)

var conflictPolicyNames = map[ConflictPolicy]string{
	AlwaysReplace:      "AlwaysReplace",
	ReplaceIfDifferent: "ReplaceIfDifferent",
	BackupIfDifferent:  "BackupIfDifferent",
	KeepExisting:       "KeepExisting",
}

func (p ConflictPolicy) String() string {
	if name, ok := conflictPolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ConflictPolicy(%d)", int(p))
}

// ParseConflictPolicy maps a config value (case-insensitive) to a ConflictPolicy.
func ParseConflictPolicy(raw string) (ConflictPolicy, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.NewReplacer("_", "", "-", "").Replace(value)
	for policy, name := range conflictPolicyNames {
		if strings.ToLower(name) == value {
			return policy, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidPolicy, raw)
}

// Status describes the lifecycle stage of a download run.
type Status string

// Run status values.
const (
	StatusReady          Status = "ready"
	StatusInitialization Status = "initialization"
	StatusDownloading    Status = "downloading"
	StatusExporting      Status = "exporting_crawl_results"
	StatusDone           Status = "done"
	StatusFailed         Status = "failed"
)

// BatchCounters summarizes outcomes for a batch.
type BatchCounters struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Batch is a submitted group of crawled items processed as one run.
type Batch struct {
	ID          string        `json:"id"`
	Status      Status        `json:"status"`
	DownloadDir string        `json:"download_dir"`
	Submitted   time.Time     `json:"submitted_at"`
	Started     *time.Time    `json:"started_at,omitempty"`
	Finished    *time.Time    `json:"finished_at,omitempty"`
	ErrorText   string        `json:"error_text,omitempty"`
	Items       []CrawledItem `json:"items"`
	Counters    BatchCounters `json:"counters"`
}

// QueueItem wraps a batch ready to run.
type QueueItem struct {
	BatchID   string
	Submitted int64
}
