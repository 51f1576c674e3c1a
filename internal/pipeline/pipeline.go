// Package pipeline wires a message source through the decoder into the sink
// coordinator and runs the drain schedule.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/drift/internal/decoder"
	"github.com/lsm/drift/internal/dlq"
	"github.com/lsm/drift/internal/observability"
	"github.com/lsm/drift/internal/schema"
	"github.com/lsm/drift/internal/sink"
	"github.com/lsm/drift/internal/source"
	"github.com/lsm/drift/internal/tracing"
)

// Config holds pipeline configuration.
type Config struct {
	// DrainInterval is the period between scheduled drain cycles. Ignored
	// when DrainCron is set.
	DrainInterval time.Duration
	// DrainCron is an optional cron spec for drain scheduling.
	DrainCron string
	// FlushActive also flushes active sinks on scheduled cycles. The final
	// shutdown drain always flushes active sinks.
	FlushActive bool
	// AddRecordMetadata stamps records with receipt time and sequence.
	AddRecordMetadata bool
	// ShutdownTimeout bounds the final drain after the source stops.
	ShutdownTimeout time.Duration
}

// Pipeline consumes messages, routes records to sinks and drains them on a
// schedule. State messages are checkpointed to the state writer only after
// the records preceding them have been persisted.
type Pipeline struct {
	source      source.Source
	coordinator *sink.Coordinator
	deadLetters *dlq.Handler
	cfg         Config

	logger  *slog.Logger
	tlog    *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer

	stateOut io.Writer
	seq      atomic.Int64

	mu           sync.Mutex
	pendingState []byte
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDeadLetterHandler routes undecodable and unroutable messages to a
// dead-letter topic instead of failing the run.
func WithDeadLetterHandler(h *dlq.Handler) Option {
	return func(p *Pipeline) {
		p.deadLetters = h
	}
}

// WithTracer enables span emission on the message and drain paths.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = tracer
	}
}

// WithStateWriter overrides where checkpointed state lines are written.
// Defaults to os.Stdout, which downstream orchestrators capture.
func WithStateWriter(w io.Writer) Option {
	return func(p *Pipeline) {
		p.stateOut = w
	}
}

// New creates a pipeline over the given source and coordinator.
func New(src source.Source, coordinator *sink.Coordinator, cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	p := &Pipeline{
		source:      src,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		tlog:        observability.NewTraceLogger(logger),
		metrics:     metrics,
		stateOut:    os.Stdout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes the source until it is exhausted or ctx is cancelled, then
// performs a final drain that flushes every sink, active ones included. The
// final drain runs on its own timeout so cancellation does not lose buffered
// records.
func (p *Pipeline) Run(ctx context.Context) error {
	schedulerDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runDrainSchedule(schedulerDone)
	}()

	srcErr := p.source.Start(ctx, p.handleMessage)

	close(schedulerDone)
	wg.Wait()

	// The run context may already be cancelled; buffered records still need
	// to reach the store.
	flushCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
	defer cancel()
	drainErr := p.drain(flushCtx, true)

	if srcErr != nil && !errors.Is(srcErr, context.Canceled) {
		return errors.Join(fmt.Errorf("source: %w", srcErr), drainErr)
	}
	return drainErr
}

// SinkCounts reports current sink-pool occupancy, for health reporting.
func (p *Pipeline) SinkCounts() (active, retiring int) {
	return p.coordinator.Pool().Counts()
}

// DrainNow runs one drain cycle outside the schedule.
func (p *Pipeline) DrainNow(ctx context.Context) error {
	return p.drain(ctx, p.cfg.FlushActive)
}

func (p *Pipeline) runDrainSchedule(done <-chan struct{}) {
	if p.cfg.DrainCron != "" {
		c := cron.New()
		_, err := c.AddFunc(p.cfg.DrainCron, func() {
			if err := p.DrainNow(context.Background()); err != nil {
				p.logger.Error("scheduled drain failed", "error", err)
			}
		})
		if err != nil {
			p.logger.Error("invalid drain cron spec, falling back to interval",
				"cron", p.cfg.DrainCron, "interval", p.cfg.DrainInterval, "error", err)
		} else {
			c.Start()
			<-done
			<-c.Stop().Done()
			return
		}
	}

	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.DrainNow(context.Background()); err != nil {
				p.logger.Error("scheduled drain failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) handleMessage(ctx context.Context, ev source.Event) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanMessage)
	defer span.End()

	msg, err := decoder.Decode(ev.Value)
	if err != nil {
		if errors.Is(err, decoder.ErrUnknownType) {
			p.tlog.Warn(ctx, "skipping message of unknown type", "error", err)
			return nil
		}
		return p.reject(ctx, ev, "", "decode-error", err)
	}

	if p.metrics != nil {
		p.metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	}
	span.SetAttributes(tracing.StreamAttr(msg.Stream))

	switch msg.Type {
	case decoder.TypeSchema:
		err = p.handleSchema(msg)
	case decoder.TypeRecord:
		err = p.handleRecord(ctx, ev, msg)
	case decoder.TypeState:
		p.holdState(msg.State)
	case decoder.TypeActivateVersion:
		p.logger.Debug("ignoring ACTIVATE_VERSION message", "stream", msg.Stream, "version", msg.Version)
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}

	p.updateSinkGauges()
	return nil
}

func (p *Pipeline) handleSchema(msg *decoder.Message) error {
	desc, err := schema.FromJSON(msg.Schema, msg.KeyProperties)
	if err != nil {
		return fmt.Errorf("stream %s: %w", msg.Stream, err)
	}
	if _, err := p.coordinator.Resolve(msg.Stream, desc); err != nil {
		return fmt.Errorf("resolve sink for stream %s: %w", msg.Stream, err)
	}
	return nil
}

func (p *Pipeline) handleRecord(ctx context.Context, ev source.Event, msg *decoder.Message) error {
	s, err := p.coordinator.Resolve(msg.Stream, nil)
	if err != nil {
		if errors.Is(err, sink.ErrNoSchema) {
			if p.metrics != nil {
				p.metrics.NoSchemaTotal.WithLabelValues(msg.Stream).Inc()
			}
			return p.reject(ctx, ev, msg.Stream, "no-schema", err)
		}
		return err
	}

	rec := sink.Record{Stream: msg.Stream, Data: msg.Record}
	if p.cfg.AddRecordMetadata {
		rec.ReceivedAt = time.Now().UTC()
		rec.Sequence = p.seq.Add(1)
	}
	if err := s.Append(rec); err != nil {
		return fmt.Errorf("append to sink for stream %s: %w", msg.Stream, err)
	}

	if p.metrics != nil {
		p.metrics.RecordsTotal.WithLabelValues(msg.Stream).Inc()
	}
	return nil
}

// reject diverts a failed message to the dead-letter topic when one is
// configured, otherwise surfaces the error and stops the run.
func (p *Pipeline) reject(ctx context.Context, ev source.Event, stream, code string, cause error) error {
	if p.deadLetters == nil {
		return cause
	}

	info := dlq.FailureInfo{
		Stream:       stream,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		SourceTopic:  ev.Topic,
		SourceOffset: ev.Offset,
	}
	if err := p.deadLetters.Send(ctx, ev.Value, info); err != nil {
		return fmt.Errorf("%w (dead-letter publish also failed: %v)", cause, err)
	}

	p.tlog.Warn(ctx, "message sent to dead-letter topic",
		"stream", stream, "code", code, "error", cause)
	if p.metrics != nil {
		p.metrics.DLQTotal.WithLabelValues(stream).Inc()
	}
	return nil
}

func (p *Pipeline) drain(ctx context.Context, flushActive bool) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDrain)
	defer span.End()

	err := p.coordinator.DrainAll(ctx, flushActive)
	p.updateSinkGauges()
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)

	p.emitState()
	return nil
}

func (p *Pipeline) holdState(state []byte) {
	if len(state) == 0 {
		return
	}
	p.mu.Lock()
	// Only the latest state matters; intermediate ones are superseded.
	p.pendingState = append(p.pendingState[:0], state...)
	p.mu.Unlock()
}

// emitState writes the held state line after a fully successful drain, which
// is the point where everything received before it is durably stored.
func (p *Pipeline) emitState() {
	p.mu.Lock()
	state := p.pendingState
	p.pendingState = nil
	p.mu.Unlock()

	if len(state) == 0 {
		return
	}

	if _, err := fmt.Fprintf(p.stateOut, "%s\n", state); err != nil {
		p.logger.Error("failed to emit state checkpoint", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.StateCheckpoint.Inc()
	}
	p.logger.Debug("state checkpoint emitted")
}

func (p *Pipeline) updateSinkGauges() {
	if p.metrics == nil {
		return
	}
	active, retiring := p.coordinator.Pool().Counts()
	p.metrics.ActiveSinks.Set(float64(active))
	p.metrics.RetiringSinks.Set(float64(retiring))
}
