// Package stdout echoes record batches as JSON lines, useful for dry runs
// and pipeline debugging.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
)

// Writer emits one JSON object per record to an io.Writer.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	// AddRecordMetadata appends _sdc_received_at and _sdc_sequence fields.
	addMeta bool
}

// NewWriter returns a writer targeting out. A nil out defaults to os.Stdout.
func NewWriter(out io.Writer, addRecordMetadata bool) *Writer {
	if out == nil {
		out = os.Stdout
	}
	return &Writer{out: out, addMeta: addRecordMetadata}
}

// Persist writes each record as a single line of JSON with the stream name
// attached. Output order follows batch order.
func (w *Writer) Persist(ctx context.Context, stream string, desc *schema.Descriptor, records []sink.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	enc := json.NewEncoder(w.out)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := make(map[string]any, len(rec.Data)+3)
		for _, f := range desc.Fields {
			if v, ok := rec.Data[f.Name]; ok {
				line[f.Name] = v
			} else {
				line[f.Name] = nil
			}
		}
		line["_stream"] = stream
		if w.addMeta {
			line["_sdc_received_at"] = rec.ReceivedAt.UTC().Format(time.RFC3339Nano)
			line["_sdc_sequence"] = rec.Sequence
		}

		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode record for %s: %w", stream, err)
		}
	}
	return nil
}

// Close is a no-op; the writer does not own the underlying stream.
func (w *Writer) Close() error {
	return nil
}
