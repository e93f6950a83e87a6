// Package progress defines the event structures emitted while a batch runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart Stage = "BATCH_START"
	StageItemDone   Stage = "ITEM_DONE"
	StageBatchDone  Stage = "BATCH_DONE"
	StageBatchError Stage = "BATCH_ERROR"
)

// Result classifies a finished item.
type Result string

// Item results.
const (
	ResultSuccess Result = "success"
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

// Event captures a single milestone of a batch run.
type Event struct {
	// BatchID is the 16-byte UUID of the batch.
	BatchID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Site is the lower-cased host of URL; ITEM_DONE only.
	Site   string
	URL    string
	Result Result
	// Completed and Total mirror the outcome counters.
	Completed int
	Total     int
	// Dur is the item latency for ITEM_DONE and the batch wall time for BATCH_DONE.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == [16]byte{} {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchError:
	case StageItemDone:
		if e.Site == "" {
			return errors.New("item done requires site")
		}
		switch e.Result {
		case ResultSuccess, ResultSkipped, ResultFailed:
		default:
			return fmt.Errorf("item done has unknown result %q", e.Result)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchUUID converts the binary batch ID to uuid.UUID for repositories.
func (e Event) BatchUUID() uuid.UUID {
	return uuid.UUID(e.BatchID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ResultOf classifies a fetch outcome.
func ResultOf(outcome downloader.FetchOutcome) Result {
	switch {
	case outcome.Skipped:
		return ResultSkipped
	case outcome.Success:
		return ResultSuccess
	default:
		return ResultFailed
	}
}
