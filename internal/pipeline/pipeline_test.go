package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lsm/drift/internal/dlq"
	"github.com/lsm/drift/internal/observability"
	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
	"github.com/lsm/drift/internal/source"
)

const ordersSchemaLine = `{"type":"SCHEMA","stream":"orders","schema":{"type":"object","properties":{"id":{"type":"integer"},"name":{"type":["string","null"]}},"required":["id"]},"key_properties":["id"]}`

func recordLine(stream string, id int) string {
	return fmt.Sprintf(`{"type":"RECORD","stream":%q,"record":{"id":%d,"name":"n%d"}}`, stream, id, id)
}

type scriptedSource struct {
	lines  []string
	closed bool
}

func (s *scriptedSource) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	for i, line := range s.lines {
		if err := handler(ctx, source.Event{Value: []byte(line), Topic: "test", Offset: int64(i)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

type capturedBatch struct {
	stream  string
	records []sink.Record
}

type captureWriter struct {
	mu      sync.Mutex
	batches []capturedBatch
	failOn  map[string]error
}

func (w *captureWriter) Persist(_ context.Context, stream string, _ *schema.Descriptor, records []sink.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failOn[stream]; err != nil {
		return err
	}
	w.batches = append(w.batches, capturedBatch{stream: stream, records: append([]sink.Record(nil), records...)})
	return nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) persisted(stream string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, b := range w.batches {
		if b.stream == stream {
			total += len(b.records)
		}
	}
	return total
}

type capturedPublish struct {
	topic   string
	value   []byte
	headers map[string]string
}

type capturePublisher struct {
	mu        sync.Mutex
	published []capturedPublish
}

func (p *capturePublisher) Publish(_ context.Context, topic string, _, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, capturedPublish{topic: topic, value: value, headers: headers})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestPipeline(t *testing.T, lines []string, writer sink.Writer, opts ...Option) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	coordinator := sink.NewCoordinator(sink.NewPool(), writer, sink.Config{}, nil, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	var stateOut bytes.Buffer
	opts = append(opts, WithStateWriter(&stateOut))

	cfg := Config{
		DrainInterval:     time.Hour, // scheduled drains stay out of the way
		AddRecordMetadata: true,
		ShutdownTimeout:   5 * time.Second,
	}
	return New(&scriptedSource{lines: lines}, coordinator, cfg, nil, metrics, opts...), &stateOut
}

func TestRunPersistsRecordsOnFinalDrain(t *testing.T) {
	writer := &captureWriter{}
	p, _ := newTestPipeline(t, []string{
		ordersSchemaLine,
		recordLine("orders", 1),
		recordLine("orders", 2),
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := writer.persisted("orders"); got != 2 {
		t.Fatalf("expected 2 persisted records, got %d", got)
	}

	first := writer.batches[0].records[0]
	if first.Sequence == 0 || first.ReceivedAt.IsZero() {
		t.Fatalf("expected record metadata to be stamped, got %+v", first)
	}
}

func TestRunEmitsStateAfterSuccessfulDrain(t *testing.T) {
	writer := &captureWriter{}
	p, stateOut := newTestPipeline(t, []string{
		ordersSchemaLine,
		recordLine("orders", 1),
		`{"type":"STATE","value":{"bookmarks":{"orders":{"id":1}}}}`,
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := strings.TrimSpace(stateOut.String())
	if got != `{"bookmarks":{"orders":{"id":1}}}` {
		t.Fatalf("unexpected state output: %q", got)
	}
}

func TestStateHeldBackWhenDrainFails(t *testing.T) {
	boom := errors.New("store unavailable")
	writer := &captureWriter{failOn: map[string]error{"orders": boom}}
	p, stateOut := newTestPipeline(t, []string{
		ordersSchemaLine,
		recordLine("orders", 1),
		`{"type":"STATE","value":{"bookmarks":{}}}`,
	}, writer)

	err := p.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected drain failure, got %v", err)
	}
	if stateOut.Len() != 0 {
		t.Fatalf("state must not be emitted after a failed drain, got %q", stateOut.String())
	}
}

func TestOnlyLatestStateIsEmitted(t *testing.T) {
	writer := &captureWriter{}
	p, stateOut := newTestPipeline(t, []string{
		ordersSchemaLine,
		`{"type":"STATE","value":{"seq":1}}`,
		`{"type":"STATE","value":{"seq":2}}`,
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stateOut.String()), "\n")
	if len(lines) != 1 || lines[0] != `{"seq":2}` {
		t.Fatalf("expected only the latest state, got %q", stateOut.String())
	}
}

func TestRecordWithoutSchemaFailsWithoutDeadLetterHandler(t *testing.T) {
	writer := &captureWriter{}
	p, _ := newTestPipeline(t, []string{
		recordLine("orders", 1),
	}, writer)

	err := p.Run(context.Background())
	if !errors.Is(err, sink.ErrNoSchema) {
		t.Fatalf("expected ErrNoSchema, got %v", err)
	}
}

func TestRecordWithoutSchemaGoesToDeadLetterTopic(t *testing.T) {
	writer := &captureWriter{}
	pub := &capturePublisher{}
	p, _ := newTestPipeline(t, []string{
		recordLine("orders", 1),
		ordersSchemaLine,
		recordLine("orders", 2),
	}, writer, WithDeadLetterHandler(dlq.NewHandler(pub)))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(pub.published))
	}
	msg := pub.published[0]
	if msg.topic != "drift-dlq-orders" {
		t.Fatalf("unexpected DLQ topic %q", msg.topic)
	}
	if msg.headers["drift-error-code"] != "no-schema" {
		t.Fatalf("unexpected error code header %q", msg.headers["drift-error-code"])
	}

	// The stream recovers once a schema arrives.
	if got := writer.persisted("orders"); got != 1 {
		t.Fatalf("expected 1 persisted record after recovery, got %d", got)
	}
}

func TestMalformedLineGoesToDeadLetterTopic(t *testing.T) {
	writer := &captureWriter{}
	pub := &capturePublisher{}
	p, _ := newTestPipeline(t, []string{
		`{"not json`,
		ordersSchemaLine,
		recordLine("orders", 1),
	}, writer, WithDeadLetterHandler(dlq.NewHandler(pub)))

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 dead-lettered message, got %d", len(pub.published))
	}
	if pub.published[0].headers["drift-error-code"] != "decode-error" {
		t.Fatalf("unexpected error code %q", pub.published[0].headers["drift-error-code"])
	}
}

func TestUnknownMessageTypeIsSkipped(t *testing.T) {
	writer := &captureWriter{}
	p, _ := newTestPipeline(t, []string{
		`{"type":"BATCH","stream":"orders"}`,
		ordersSchemaLine,
		recordLine("orders", 1),
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := writer.persisted("orders"); got != 1 {
		t.Fatalf("expected 1 persisted record, got %d", got)
	}
}

func TestActivateVersionIsIgnored(t *testing.T) {
	writer := &captureWriter{}
	p, _ := newTestPipeline(t, []string{
		ordersSchemaLine,
		`{"type":"ACTIVATE_VERSION","stream":"orders","version":17}`,
		recordLine("orders", 1),
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := writer.persisted("orders"); got != 1 {
		t.Fatalf("expected 1 persisted record, got %d", got)
	}
}

func TestSchemaDriftSplitsBatches(t *testing.T) {
	driftedSchema := `{"type":"SCHEMA","stream":"orders","schema":{"type":"object","properties":{"id":{"type":"integer"},"name":{"type":["string","null"]},"total":{"type":"number"}},"required":["id"]},"key_properties":["id"]}`

	writer := &captureWriter{}
	p, _ := newTestPipeline(t, []string{
		ordersSchemaLine,
		recordLine("orders", 1),
		driftedSchema,
		recordLine("orders", 2),
	}, writer)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(writer.batches) != 2 {
		t.Fatalf("expected 2 batches (one per schema version), got %d", len(writer.batches))
	}
	// Retiring sink drains first, preserving replay order.
	if writer.batches[0].records[0].Data["id"] != float64(1) {
		t.Fatalf("expected superseded batch to persist first, got %v", writer.batches[0].records[0].Data)
	}
}

func TestDrainNowFlushesRetiringOnly(t *testing.T) {
	driftedSchema := `{"type":"SCHEMA","stream":"orders","schema":{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]},"key_properties":["id"]}`

	writer := &captureWriter{}
	coordinator := sink.NewCoordinator(sink.NewPool(), writer, sink.Config{}, nil, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	src := &scriptedSource{}
	p := New(src, coordinator, Config{DrainInterval: time.Hour}, nil, metrics)

	feed := func(line string) {
		t.Helper()
		if err := p.handleMessage(context.Background(), source.Event{Value: []byte(line)}); err != nil {
			t.Fatalf("handleMessage: %v", err)
		}
	}
	feed(ordersSchemaLine)
	feed(recordLine("orders", 1))
	feed(driftedSchema)
	feed(recordLine("orders", 2))

	if err := p.DrainNow(context.Background()); err != nil {
		t.Fatalf("DrainNow: %v", err)
	}
	// FlushActive is off: only the retired sink's records are persisted.
	if got := writer.persisted("orders"); got != 1 {
		t.Fatalf("expected 1 persisted record, got %d", got)
	}
}
