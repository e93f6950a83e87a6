package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/creator-downloader/internal/progress"
)

// PrometheusSink exports batch progress through its own collectors.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesCompleted *prometheus.CounterVec
	batchesRunning   prometheus.Gauge
	batchRuntime     *prometheus.HistogramVec

	itemResults  *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec

	tracker *batchTracker
}

// NewPrometheusSink registers the collectors against reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "downloader_batch_runs_started_total",
			Help: "Batches that have started downloading.",
		}),
		batchesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_batch_runs_completed_total",
			Help: "Batches finished, partitioned by result.",
		}, []string{"result"}),
		batchesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "downloader_batch_runs_running",
			Help: "Batches currently downloading.",
		}),
		batchRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downloader_batch_run_seconds",
			Help:    "Wall time per finished batch.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		itemResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "downloader_item_results_total",
			Help: "Finished items partitioned by site and result.",
		}, []string{"site", "result"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "downloader_item_duration_seconds",
			Help:    "Time from dispatch to outcome per item.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"site", "result"}),
		tracker: newBatchTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesCompleted,
		s.batchesRunning,
		s.batchRuntime,
		s.itemResults,
		s.itemDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageBatchStart:
			s.batchesStarted.Inc()
			if s.tracker.start(evt.BatchID) {
				s.batchesRunning.Inc()
			}
		case progress.StageBatchDone:
			s.finishBatch(evt, "success")
		case progress.StageBatchError:
			s.finishBatch(evt, "error")
		case progress.StageItemDone:
			site := evt.Site
			if site == "" {
				site = "unknown"
			}
			s.itemResults.WithLabelValues(site, string(evt.Result)).Inc()
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(site, string(evt.Result)).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finishBatch(evt progress.Event, result string) {
	s.batchesCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.batchRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.BatchID) {
		s.batchesRunning.Dec()
	}
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type batchTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newBatchTracker() *batchTracker {
	return &batchTracker{running: make(map[[16]byte]struct{})}
}

func (t *batchTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *batchTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
