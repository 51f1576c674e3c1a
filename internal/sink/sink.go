// Package sink routes stream records to per-stream buffering sinks and
// coordinates their lifecycle across schema changes.
package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lsm/drift/internal/schema"
)

// Record is one decoded record bound for the destination store.
type Record struct {
	Stream     string
	Data       map[string]any
	ReceivedAt time.Time
	Sequence   int64
}

// Writer persists record batches to the destination store. Each Persist call
// is an all-or-nothing unit: on failure the same batch may be retried later
// (at-least-once delivery).
type Writer interface {
	Persist(ctx context.Context, stream string, desc *schema.Descriptor, records []Record) error
	Close() error
}

// Status is the lifecycle state of a sink.
type Status int32

const (
	// StatusActive means the sink accepts new records for its stream.
	StatusActive Status = iota
	// StatusRetiring means the sink has been superseded and only awaits drain.
	StatusRetiring
)

func (s Status) String() string {
	if s == StatusRetiring {
		return "retiring"
	}
	return "active"
}

// Sink buffers pending records for one (stream, schema version) pairing and
// flushes them to the destination store as a single batch.
type Sink struct {
	id     string
	stream string
	desc   *schema.Descriptor
	writer Writer
	status atomic.Int32

	mu  sync.Mutex
	buf []Record
}

// NewSink creates an active sink for the given stream and descriptor.
func NewSink(stream string, desc *schema.Descriptor, writer Writer) *Sink {
	return &Sink{
		id:     uuid.NewString(),
		stream: stream,
		desc:   desc,
		writer: writer,
	}
}

// ID returns the sink's unique identity, used in observability events.
func (s *Sink) ID() string { return s.id }

// Stream returns the owning stream name.
func (s *Sink) Stream() string { return s.stream }

// Describe returns the descriptor the sink was created for.
func (s *Sink) Describe() *schema.Descriptor { return s.desc }

// Status returns the sink's current lifecycle state.
func (s *Sink) Status() Status { return Status(s.status.Load()) }

func (s *Sink) retire() { s.status.Store(int32(StatusRetiring)) }

// Append buffers a record. Appending to a retiring sink is a programming
// error and is rejected with ErrSinkRetired.
func (s *Sink) Append(rec Record) error {
	if s.Status() == StatusRetiring {
		return fmt.Errorf("stream %s: %w", s.stream, ErrSinkRetired)
	}

	s.mu.Lock()
	s.buf = append(s.buf, rec)
	s.mu.Unlock()
	return nil
}

// Buffered returns the number of records currently held.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Flush persists all buffered records as one atomic batch and returns how
// many were written. On failure the buffer is left intact for retry. An empty
// buffer is a no-op. Records appended concurrently while the write is in
// flight stay buffered for the next flush.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	n := len(s.buf)
	batch := s.buf[:n:n]
	s.mu.Unlock()

	if n == 0 {
		return 0, nil
	}

	if err := s.writer.Persist(ctx, s.stream, s.desc, batch); err != nil {
		return 0, fmt.Errorf("persist %d records for stream %s: %w", n, s.stream, err)
	}

	s.mu.Lock()
	s.buf = s.buf[n:]
	s.mu.Unlock()
	return n, nil
}
