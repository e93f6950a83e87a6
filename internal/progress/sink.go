package progress

import "context"

// Sink receives flushed groups of events from the Hub. The Hub calls Consume
// from a single goroutine with a deadline of Config.SinkTimeout.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts one event at a time. The Reporter writes to it.
type Emitter interface {
	Emit(evt Event)
}
