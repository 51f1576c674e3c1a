package stdout

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
)

func testDescriptor() *schema.Descriptor {
	return &schema.Descriptor{
		Fields: []schema.Field{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "string", Nullable: true},
		},
		Keys: []string{"id"},
	}
}

func TestPersistWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, false)

	records := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": float64(1), "name": "a"}},
		{Stream: "orders", Data: map[string]any{"id": float64(2)}},
	}
	if err := w.Persist(context.Background(), "orders", testDescriptor(), records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first["_stream"] != "orders" || first["id"] != float64(1) || first["name"] != "a" {
		t.Fatalf("unexpected first line: %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal second line: %v", err)
	}
	if v, ok := second["name"]; !ok || v != nil {
		t.Fatalf("expected explicit null for missing field, got %v", second)
	}
}

func TestPersistIncludesMetadata(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, true)

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": float64(1)}, ReceivedAt: received, Sequence: 7},
	}
	if err := w.Persist(context.Background(), "orders", testDescriptor(), records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if line["_sdc_received_at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected received_at: %v", line["_sdc_received_at"])
	}
	if line["_sdc_sequence"] != float64(7) {
		t.Fatalf("unexpected sequence: %v", line["_sdc_sequence"])
	}
}

func TestPersistStopsOnCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": float64(1)}},
	}
	if err := w.Persist(ctx, "orders", testDescriptor(), records); err == nil {
		t.Fatal("expected context error")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}
