package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
)

func testDescriptor() *schema.Descriptor {
	return &schema.Descriptor{
		Fields: []schema.Field{
			{Name: "amount", Type: "number"},
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "string", Nullable: true},
		},
		Keys: []string{"id"},
	}
}

func openWriter(t *testing.T, addMeta bool) *Writer {
	t.Helper()
	w, err := NewWriter(Config{
		Path:              filepath.Join(t.TempDir(), "drift.db"),
		AddRecordMetadata: addMeta,
	}, nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestPersistCreatesTableAndInserts(t *testing.T) {
	w := openWriter(t, false)

	records := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": int64(1), "amount": 9.5, "name": "a"}},
		{Stream: "orders", Data: map[string]any{"id": int64(2), "amount": 3.0}},
	}
	if err := w.Persist(context.Background(), "orders", testDescriptor(), records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var count int
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM "orders"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}

	var name sql.NullString
	if err := w.db.QueryRow(`SELECT "name" FROM "orders" WHERE "id" = 2`).Scan(&name); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name.Valid {
		t.Fatalf("expected NULL name, got %q", name.String)
	}
}

func TestPersistUpsertsOnKeys(t *testing.T) {
	w := openWriter(t, false)
	desc := testDescriptor()
	ctx := context.Background()

	first := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": int64(1), "amount": 1.0, "name": "old"}},
	}
	if err := w.Persist(ctx, "orders", desc, first); err != nil {
		t.Fatalf("first Persist: %v", err)
	}

	second := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": int64(1), "amount": 2.0, "name": "new"}},
	}
	if err := w.Persist(ctx, "orders", desc, second); err != nil {
		t.Fatalf("second Persist: %v", err)
	}

	var count int
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM "orders"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected upsert to keep 1 row, got %d", count)
	}

	var name string
	var amount float64
	if err := w.db.QueryRow(`SELECT "name", "amount" FROM "orders" WHERE "id" = 1`).Scan(&name, &amount); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "new" || amount != 2.0 {
		t.Fatalf("expected updated row, got name=%q amount=%v", name, amount)
	}
}

func TestPersistSerializesNestedValues(t *testing.T) {
	w := openWriter(t, false)
	desc := &schema.Descriptor{
		Fields: []schema.Field{
			{Name: "id", Type: "integer"},
			{Name: "payload", Type: "object", Nullable: true},
		},
		Keys: []string{"id"},
	}

	records := []sink.Record{
		{Stream: "events", Data: map[string]any{
			"id":      int64(7),
			"payload": map[string]any{"kind": "click", "count": float64(3)},
		}},
	}
	if err := w.Persist(context.Background(), "events", desc, records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var payload string
	if err := w.db.QueryRow(`SELECT "payload" FROM "events" WHERE "id" = 7`).Scan(&payload); err != nil {
		t.Fatalf("select: %v", err)
	}
	if payload != `{"count":3,"kind":"click"}` {
		t.Fatalf("unexpected payload serialization: %s", payload)
	}
}

func TestPersistAddsMetadataColumns(t *testing.T) {
	w := openWriter(t, true)

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []sink.Record{
		{Stream: "orders", Data: map[string]any{"id": int64(1), "amount": 1.0}, ReceivedAt: received, Sequence: 42},
	}
	if err := w.Persist(context.Background(), "orders", testDescriptor(), records); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	var receivedAt string
	var seq int64
	row := w.db.QueryRow(`SELECT "_sdc_received_at", "_sdc_sequence" FROM "orders" WHERE "id" = 1`)
	if err := row.Scan(&receivedAt, &seq); err != nil {
		t.Fatalf("select metadata: %v", err)
	}
	if receivedAt != "2026-03-01T12:00:00.000Z" || seq != 42 {
		t.Fatalf("unexpected metadata: received=%q seq=%d", receivedAt, seq)
	}
}

func TestPersistKeylessStreamAppends(t *testing.T) {
	w := openWriter(t, false)
	desc := &schema.Descriptor{
		Fields: []schema.Field{{Name: "msg", Type: "string"}},
	}
	ctx := context.Background()

	batch := []sink.Record{
		{Stream: "logs", Data: map[string]any{"msg": "one"}},
	}
	if err := w.Persist(ctx, "logs", desc, batch); err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	if err := w.Persist(ctx, "logs", desc, batch); err != nil {
		t.Fatalf("second Persist: %v", err)
	}

	var count int
	if err := w.db.QueryRow(`SELECT COUNT(*) FROM "logs"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestNewWriterRequiresPath(t *testing.T) {
	if _, err := NewWriter(Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
