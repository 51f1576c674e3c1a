// Package dlq publishes unprocessable messages to a dead-letter topic.
package dlq

import (
	"context"
	"fmt"
	"time"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why a message failed processing.
type FailureInfo struct {
	Stream       string
	ErrorCode    string
	ErrorMessage string
	SourceTopic  string
	SourceOffset int64
}

// Handler publishes failed messages to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(stream string) string
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(stream string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(stream string) string { return "drift-dlq-" + stream },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a failed message to the appropriate DLQ topic. The original
// message line is carried as the value, failure metadata as headers.
func (h *Handler) Send(ctx context.Context, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.Stream)

	headers := map[string]string{
		"drift-stream":        info.Stream,
		"drift-error-code":    info.ErrorCode,
		"drift-error-message": info.ErrorMessage,
		"drift-source-topic":  info.SourceTopic,
		"drift-source-offset": fmt.Sprintf("%d", info.SourceOffset),
		"drift-failed-at":     time.Now().UTC().Format(time.RFC3339),
	}

	if err := h.publisher.Publish(ctx, topic, []byte(info.Stream), value, headers); err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages. Used when no
// message broker is configured (stdin ingestion).
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
