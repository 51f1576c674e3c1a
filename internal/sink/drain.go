package sink

import (
	"context"
	"errors"
	"time"
)

// DrainAll flushes every retiring sink in FIFO retirement order and prunes
// the ones that flushed cleanly. When flushActive is true, active sinks are
// flushed as well; they stay registered regardless of outcome. One sink's
// flush failure never blocks the rest of the cycle: failures are accumulated
// and returned joined, and the failed sinks keep their buffers for the next
// cycle.
//
// Flushes are blocking I/O and run outside the pool lock, on snapshots. Once
// a sink for a stream fails, later sinks for that same stream are skipped for
// the rest of the cycle so superseded data is never written behind newer data.
func (c *Coordinator) DrainAll(ctx context.Context, flushActive bool) error {
	var errs []error
	var drained []*Sink
	failed := make(map[string]bool)

	for _, s := range c.pool.Retiring() {
		if failed[s.Stream()] {
			continue
		}
		if err := c.flush(ctx, s); err != nil {
			failed[s.Stream()] = true
			errs = append(errs, err)
			continue
		}
		drained = append(drained, s)
	}
	c.pool.Prune(drained)

	if flushActive {
		for _, s := range c.pool.ActiveSinks() {
			if failed[s.Stream()] {
				continue
			}
			if err := c.flush(ctx, s); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Coordinator) flush(ctx context.Context, s *Sink) error {
	buffered := s.Buffered()
	start := time.Now()

	n, err := s.Flush(ctx)
	if err != nil {
		c.logger.Error("sink flush failed",
			"stream", s.Stream(),
			"sink_id", s.ID(),
			"status", s.Status().String(),
			"buffered", buffered,
			"error", err,
		)
		c.events.FlushFailed(s.Stream(), s.ID(), buffered, err)
		return err
	}

	if n > 0 {
		c.logger.Info("sink flushed",
			"stream", s.Stream(),
			"sink_id", s.ID(),
			"status", s.Status().String(),
			"records", n,
			"took", time.Since(start),
		)
	}
	c.events.FlushSucceeded(s.Stream(), s.ID(), n, time.Since(start))
	return nil
}
