// Package sqlite persists record batches to a local SQLite database, mainly
// for development runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
)

// Config holds SQLite writer configuration.
type Config struct {
	Path string
	// AddRecordMetadata appends _sdc_received_at and _sdc_sequence columns.
	AddRecordMetadata bool
}

// Writer writes record batches to SQLite, one transaction per batch.
type Writer struct {
	db      *sql.DB
	addMeta bool
	logger  *slog.Logger
}

// NewWriter creates a SQLite writer backed by the database file at path.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// SQLite allows one writer; serialize access through the pool.
	db.SetMaxOpenConns(1)

	return &Writer{db: db, addMeta: cfg.AddRecordMetadata, logger: logger}, nil
}

// Persist writes the batch atomically, creating the stream's table on first
// contact. Keyed streams are upserted; keyless streams are append-only.
func (w *Writer) Persist(ctx context.Context, stream string, desc *schema.Descriptor, records []sink.Record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if _, err := tx.ExecContext(ctx, createTableSQL(stream, desc, w.addMeta)); err != nil {
		return fmt.Errorf("ensure table for %s: %w", stream, err)
	}

	// One statement per row keeps the placeholder count well under the
	// SQLite variable limit; the surrounding transaction keeps it atomic.
	stmt, err := tx.PrepareContext(ctx, insertSQL(stream, desc, w.addMeta))
	if err != nil {
		return fmt.Errorf("prepare insert for %s: %w", stream, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rowArgs(desc, rec, w.addMeta)...); err != nil {
			return fmt.Errorf("insert into %s: %w", stream, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

func columns(desc *schema.Descriptor, addMeta bool) []string {
	cols := make([]string, 0, len(desc.Fields)+2)
	for _, f := range desc.Fields {
		cols = append(cols, f.Name)
	}
	if addMeta {
		cols = append(cols, "_sdc_received_at", "_sdc_sequence")
	}
	return cols
}

func createTableSQL(stream string, desc *schema.Descriptor, addMeta bool) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(quoteIdent(stream))
	b.WriteString(" (")

	for i, f := range desc.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(f.Name))
		b.WriteByte(' ')
		b.WriteString(columnType(f.Type))
	}
	if addMeta {
		b.WriteString(`, "_sdc_received_at" TEXT, "_sdc_sequence" INTEGER`)
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

func insertSQL(stream string, desc *schema.Descriptor, addMeta bool) string {
	cols := columns(desc, addMeta)

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(stream))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteByte(')')

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
			b.WriteString(" = excluded.")
			b.WriteString(quoteIdent(c))
		}
	}

	return b.String()
}

func rowArgs(desc *schema.Descriptor, rec sink.Record, addMeta bool) []any {
	cols := columns(desc, addMeta)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		switch c {
		case "_sdc_received_at":
			args = append(args, rec.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			continue
		case "_sdc_sequence":
			args = append(args, rec.Sequence)
			continue
		}

		v, ok := rec.Data[c]
		if !ok || v == nil {
			args = append(args, nil)
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err != nil {
				args = append(args, nil)
				continue
			}
			args = append(args, string(raw))
		default:
			args = append(args, v)
		}
	}
	return args
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
		return "INTEGER"
	case "number":
		return "REAL"
	case "boolean":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
