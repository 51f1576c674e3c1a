package sink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/drift/internal/schema"
)

// Resolver decides which sink owns records for a stream. The default
// implementation is Coordinator; an alternative can be injected where sink
// selection needs different rules.
type Resolver interface {
	Resolve(stream string, desc *schema.Descriptor) (*Sink, error)
}

// Events receives structured lifecycle notifications. Implementations must
// not block; they are called on the ingestion and drain paths.
type Events interface {
	SinkCreated(stream, sinkID string)
	SinkRetired(stream, sinkID, reason string)
	FlushSucceeded(stream, sinkID string, records int, took time.Duration)
	FlushFailed(stream, sinkID string, records int, err error)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SinkCreated(string, string) {}

func (NopEvents) SinkRetired(string, string, string) {}

func (NopEvents) FlushSucceeded(string, string, int, time.Duration) {}

func (NopEvents) FlushFailed(string, string, int, error) {}

// Config holds coordinator configuration.
type Config struct {
	// Greedy is read once per Resolve call. When it reports true, an existing
	// active sink is reused unconditionally, suppressing retirement on schema
	// drift. Escape hatch for producers known to send fluctuating schemas;
	// kept live so operators can toggle it without a restart.
	Greedy func() bool
}

// Coordinator is the sink lifecycle decision engine: given a stream name and
// an optional incoming descriptor it reuses the active sink, retires it and
// creates a replacement, or rejects the record. The hot path (descriptor
// unchanged) is a map lookup plus an equality check, with no allocation.
type Coordinator struct {
	pool   *Pool
	writer Writer
	greedy func() bool
	logger *slog.Logger
	events Events
}

// NewCoordinator creates a Coordinator over the given pool and destination
// writer. A nil events sink discards notifications.
func NewCoordinator(pool *Pool, writer Writer, cfg Config, logger *slog.Logger, events Events) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = NopEvents{}
	}
	greedy := cfg.Greedy
	if greedy == nil {
		greedy = func() bool { return false }
	}
	return &Coordinator{
		pool:   pool,
		writer: writer,
		greedy: greedy,
		logger: logger,
		events: events,
	}
}

// Pool returns the pool the coordinator operates on.
func (c *Coordinator) Pool() *Pool { return c.pool }

// Resolve returns the sink that must buffer the next record for the stream.
//
// With no descriptor, the stream's active sink is returned; if none exists
// the record is unroutable and ErrNoSchema is reported. With a descriptor,
// a new sink is created when the stream has none, the active sink is reused
// when the descriptor matches (or greedy mode is on), and otherwise the
// active sink is retired and replaced. No I/O happens here; side effects are
// limited to pool bookkeeping.
func (c *Coordinator) Resolve(stream string, desc *schema.Descriptor) (*Sink, error) {
	existing, ok := c.pool.Active(stream)

	if desc == nil {
		if !ok {
			return nil, fmt.Errorf("stream %s: %w", stream, ErrNoSchema)
		}
		return existing, nil
	}

	if !ok {
		return c.install(stream, desc)
	}

	if c.greedy() {
		return existing, nil
	}

	diff := existing.Describe().Compare(desc)
	if !diff.Any() {
		return existing, nil
	}

	retired, ok := c.pool.Retire(stream)
	if !ok {
		// The single-writer-per-stream assumption was broken.
		return nil, fmt.Errorf("%w: active sink for stream %s vanished during resolve", ErrPoolInvariant, stream)
	}
	c.logger.Info("schema drift detected, retiring sink",
		"stream", stream,
		"sink_id", retired.ID(),
		"reason", diff.Reason(),
		"buffered", retired.Buffered(),
	)
	c.events.SinkRetired(stream, retired.ID(), diff.Reason())

	return c.install(stream, desc)
}

func (c *Coordinator) install(stream string, desc *schema.Descriptor) (*Sink, error) {
	s := NewSink(stream, desc, c.writer)
	if err := c.pool.PutActive(s); err != nil {
		return nil, err
	}
	c.logger.Info("sink created", "stream", stream, "sink_id", s.ID())
	c.events.SinkCreated(stream, s.ID())
	return s, nil
}
