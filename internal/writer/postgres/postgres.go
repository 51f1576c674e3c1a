// Package postgres persists record batches to PostgreSQL tables derived from
// each stream's descriptor.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq" // registers the postgres driver

	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
)

// Config holds PostgreSQL writer configuration.
type Config struct {
	DSN    string
	Schema string // table namespace, e.g. "public"
	// AddRecordMetadata appends _sdc_received_at and _sdc_sequence columns.
	AddRecordMetadata bool
}

// Writer writes record batches to PostgreSQL. Each Persist call runs in a
// single transaction: the batch lands in full or not at all.
type Writer struct {
	db      *sql.DB
	schema  string
	addMeta bool
	logger  *slog.Logger
}

// NewWriter creates a PostgreSQL writer. The connection is established
// lazily on first use.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &Writer{db: db, schema: cfg.Schema, addMeta: cfg.AddRecordMetadata, logger: logger}, nil
}

// Persist writes the batch atomically, creating the stream's table on first
// contact. Streams with key columns are upserted so a replayed batch is
// idempotent; keyless streams are append-only.
func (w *Writer) Persist(ctx context.Context, stream string, desc *schema.Descriptor, records []sink.Record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, w.createTableSQL(stream, desc)); err != nil {
		return fmt.Errorf("ensure table for %s: %w", stream, err)
	}

	stmt, args := w.insertSQL(stream, desc, records)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(records), stream, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (w *Writer) Close() error {
	return w.db.Close()
}

func (w *Writer) table(stream string) string {
	return quoteIdent(w.schema) + "." + quoteIdent(stream)
}

func (w *Writer) columns(desc *schema.Descriptor) []string {
	cols := make([]string, 0, len(desc.Fields)+2)
	for _, f := range desc.Fields {
		cols = append(cols, f.Name)
	}
	if w.addMeta {
		cols = append(cols, "_sdc_received_at", "_sdc_sequence")
	}
	return cols
}

func (w *Writer) createTableSQL(stream string, desc *schema.Descriptor) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(w.table(stream))
	b.WriteString(" (")

	for i, f := range desc.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(f.Name))
		b.WriteByte(' ')
		b.WriteString(columnType(f.Type))
	}
	if w.addMeta {
		b.WriteString(`, "_sdc_received_at" TIMESTAMPTZ, "_sdc_sequence" BIGINT`)
	}
	if len(desc.Keys) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, k := range desc.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(k))
		}
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.String()
}

func (w *Writer) insertSQL(stream string, desc *schema.Descriptor, records []sink.Record) (string, []any) {
	cols := w.columns(desc)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(w.table(stream))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(cols))
	n := 1
	for ri, rec := range records {
		if ri > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for ci := range cols {
			if ci > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
			args = append(args, w.value(cols[ci], desc, rec))
		}
		b.WriteByte(')')
	}

	if len(desc.Keys) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, k := range desc.Keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(k))
		}
		b.WriteString(") DO UPDATE SET ")
		first := true
		for _, c := range cols {
			if isKey(desc, c) {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			first = false
			b.WriteString(quoteIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(quoteIdent(c))
		}
	}

	return b.String(), args
}

func (w *Writer) value(col string, desc *schema.Descriptor, rec sink.Record) any {
	switch col {
	case "_sdc_received_at":
		return rec.ReceivedAt
	case "_sdc_sequence":
		return rec.Sequence
	}

	v, ok := rec.Data[col]
	if !ok || v == nil {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any:
		// Nested documents land in JSONB columns.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(raw)
	default:
		return v
	}
}

func isKey(desc *schema.Descriptor, col string) bool {
	for _, k := range desc.Keys {
		if k == col {
			return true
		}
	}
	return false
}

func columnType(fieldType string) string {
	switch fieldType {
	case "integer":
		return "BIGINT"
	case "number":
		return "DOUBLE PRECISION"
	case "boolean":
		return "BOOLEAN"
	case "object", "array":
		return "JSONB"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
