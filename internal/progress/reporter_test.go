package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func feed(outcomes ...downloader.FetchOutcome) <-chan downloader.FetchOutcome {
	ch := make(chan downloader.FetchOutcome, len(outcomes))
	for _, o := range outcomes {
		ch <- o
	}
	close(ch)
	return ch
}

func TestReporterEmitsLifecycle(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	clock := &steppingClock{now: time.Unix(1700000000, 0)}
	r := NewReporter(emitter, clock, nil)
	batchID := uuid.New()

	var seen []string
	summary := r.Run(context.Background(), batchID, 3, feed(
		downloader.FetchOutcome{URL: "https://a.example/1.jpg", Success: true, Completed: 1, Total: 3},
		downloader.FetchOutcome{URL: "https://b.example/2.jpg", Success: true, Skipped: true, Completed: 2, Total: 3},
		downloader.FetchOutcome{URL: "https://a.example/3.jpg", Message: "status 404", Completed: 3, Total: 3},
	), func(o downloader.FetchOutcome) { seen = append(seen, o.URL) })

	assert.Equal(t, downloader.BatchCounters{Succeeded: 1, Skipped: 1, Failed: 1}, summary.Counters)
	assert.Len(t, summary.Outcomes, 3)
	assert.False(t, summary.Canceled)
	assert.Equal(t, 4*time.Second, summary.Elapsed)
	assert.Equal(t, []string{"https://a.example/1.jpg", "https://b.example/2.jpg", "https://a.example/3.jpg"}, seen)

	events := emitter.Events()
	require.Len(t, events, 5)
	assert.Equal(t, StageBatchStart, events[0].Stage)
	assert.Equal(t, 3, events[0].Total)
	for _, evt := range events {
		assert.Equal(t, batchID, evt.BatchUUID())
		require.NoError(t, evt.Validate())
	}
	assert.Equal(t, ResultSuccess, events[1].Result)
	assert.Equal(t, "a.example", events[1].Site)
	assert.Equal(t, ResultSkipped, events[2].Result)
	assert.Equal(t, ResultFailed, events[3].Result)
	assert.Equal(t, "status 404", events[3].Note)
	assert.Equal(t, StageBatchDone, events[4].Stage)
	assert.Equal(t, 3, events[4].Completed)
	assert.Equal(t, "succeeded=1 skipped=1 failed=1", events[4].Note)
}

func TestReporterMarksCanceledBatches(t *testing.T) {
	t.Parallel()

	emitter := &recordingEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := NewReporter(emitter, nil, nil).Run(ctx, uuid.New(), 5, feed(
		downloader.FetchOutcome{URL: "https://a.example/1.jpg", Success: true, Completed: 1, Total: 5},
	), nil)

	assert.True(t, summary.Canceled)
	events := emitter.Events()
	require.Len(t, events, 3)
	assert.Equal(t, StageBatchError, events[2].Stage)
	assert.Contains(t, events[2].Note, "canceled after 1 of 5 items")
}

func TestReporterWithoutEmitter(t *testing.T) {
	t.Parallel()

	summary := NewReporter(nil, nil, nil).Run(context.Background(), uuid.New(), 0, feed(), nil)
	assert.Empty(t, summary.Outcomes)
	assert.Equal(t, downloader.BatchCounters{}, summary.Counters)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	id := UUIDToBytes(uuid.New())
	now := time.Now()
	tests := []struct {
		name    string
		evt     Event
		wantErr bool
	}{
		{"batch start", Event{BatchID: id, TS: now, Stage: StageBatchStart}, false},
		{"missing id", Event{TS: now, Stage: StageBatchStart}, true},
		{"missing ts", Event{BatchID: id, Stage: StageBatchDone}, true},
		{"unknown stage", Event{BatchID: id, TS: now, Stage: "NOPE"}, true},
		{"item without site", Event{BatchID: id, TS: now, Stage: StageItemDone, Result: ResultFailed}, true},
		{"item without result", Event{BatchID: id, TS: now, Stage: StageItemDone, Site: "x"}, true},
		{"item ok", Event{BatchID: id, TS: now, Stage: StageItemDone, Site: "x", Result: ResultFailed}, false},
		{"negative duration", Event{BatchID: id, TS: now, Stage: StageBatchDone, Dur: -1}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.evt.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
