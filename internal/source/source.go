package source

import "context"

// Event is one raw message line consumed from a source, before decoding.
type Event struct {
	Value  []byte
	Topic  string
	Offset int64
}

// Source consumes messages from an upstream tap or broker.
type Source interface {
	// Start begins consuming. Messages are delivered to the handler one at a
	// time, preserving input order. Blocks until the input is exhausted or
	// ctx is cancelled.
	Start(ctx context.Context, handler func(context.Context, Event) error) error

	// Close performs graceful shutdown.
	Close() error
}
