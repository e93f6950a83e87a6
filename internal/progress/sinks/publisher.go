package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
	"github.com/JakeFAU/creator-downloader/internal/progress"
)

// Notification is the JSON payload published for item and batch completions.
type Notification struct {
	BatchID    string    `json:"batch_id"`
	Stage      string    `json:"stage"`
	URL        string    `json:"url,omitempty"`
	Result     string    `json:"result,omitempty"`
	Completed  int       `json:"completed"`
	Total      int       `json:"total"`
	DurationMS int64     `json:"duration_ms"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// PublisherSink forwards ITEM_DONE, BATCH_DONE and BATCH_ERROR events to a
// downloader.Publisher. BATCH_START is not published.
type PublisherSink struct {
	publisher downloader.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink wires a publisher; topic may be empty when the publisher
// has a default.
func NewPublisherSink(publisher downloader.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each eligible event and keeps going past failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage == progress.StageBatchStart {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, notificationFor(evt)); err != nil {
			s.logger.Warn("publish progress notification failed",
				zap.String("stage", string(evt.Stage)),
				zap.String("url", evt.URL),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d notifications: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Close is a no-op; the publisher's owner closes it.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func notificationFor(evt progress.Event) Notification {
	return Notification{
		BatchID:    evt.BatchUUID().String(),
		Stage:      string(evt.Stage),
		URL:        evt.URL,
		Result:     string(evt.Result),
		Completed:  evt.Completed,
		Total:      evt.Total,
		DurationMS: evt.Dur.Milliseconds(),
		Message:    evt.Note,
		Timestamp:  evt.TS,
	}
}
