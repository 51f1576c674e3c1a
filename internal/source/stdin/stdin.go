// Package stdin reads newline-delimited messages from an io.Reader,
// typically a tap process piped into the target.
package stdin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/lsm/drift/internal/source"
)

// maxLineSize bounds a single message line. Wide records with embedded
// documents can get large; 20MiB matches what common taps emit at most.
const maxLineSize = 20 * 1024 * 1024

// Source reads one message per line until EOF.
type Source struct {
	r      io.Reader
	logger *slog.Logger
}

// NewSource creates a line-oriented source over r.
func NewSource(r io.Reader, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{r: r, logger: logger}
}

// Start scans lines and delivers them in order. Returns nil on EOF — a
// closed input means the tap finished. A handler error stops consumption
// and is returned as-is.
func (s *Source) Start(ctx context.Context, handler func(context.Context, source.Event) error) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var offset int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; the handler owns the event.
		value := make([]byte, len(line))
		copy(value, line)

		evt := source.Event{Value: value, Topic: "stdin", Offset: offset}
		offset++

		if err := handler(ctx, evt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	s.logger.Info("input exhausted", "messages", offset)
	return nil
}

// Close is a no-op; the reader is owned by the caller.
func (s *Source) Close() error { return nil }
