// Package dlq reports spool files that could not be delivered to a dead-letter topic.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lsm/cdcsink/internal/retry"
)

// DefaultTopic receives reports when no topic is configured.
const DefaultTopic = "cdcsink-dlq"

// Publish retry defaults: three attempts, waiting 200ms then 400ms.
const (
	DefaultMaxRetries = 2
	DefaultUnit       = 100 * time.Millisecond
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo describes a spool file that stayed on disk after delivery was
// not confirmed.
type FailureInfo struct {
	Path    string `json:"path"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

type report struct {
	FailureInfo
	Host     string `json:"host"`
	FailedAt string `json:"failed_at"`
}

// Handler publishes failure reports to the dead-letter topic.
type Handler struct {
	publisher Publisher
	topic     string
	loop      retry.Loop
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopic overrides the dead-letter topic.
func WithTopic(topic string) Option {
	return func(h *Handler) {
		if topic != "" {
			h.topic = topic
		}
	}
}

// WithRetry sets how many times a failed publish is retried and the backoff unit.
func WithRetry(maxRetries int, unit time.Duration) Option {
	return func(h *Handler) {
		h.loop.Policy = retry.BrokerPolicy(maxRetries, unit)
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn retry.Sleeper) Option {
	return func(h *Handler) { h.loop.Sleep = fn }
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topic:     DefaultTopic,
		loop:      retry.Loop{Policy: retry.BrokerPolicy(DefaultMaxRetries, DefaultUnit)},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes a report keyed by the destination table.
func (h *Handler) Send(ctx context.Context, info FailureInfo) error {
	host, _ := os.Hostname()
	value, err := json.Marshal(report{
		FailureInfo: info,
		Host:        host,
		FailedAt:    h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode dlq report: %w", err)
	}

	headers := map[string]string{
		"cdcsink-outcome": info.Outcome,
		"cdcsink-path":    info.Path,
		"cdcsink-schema":  info.Schema,
		"cdcsink-table":   info.Table,
	}

	res := h.loop.Run(ctx, func(ctx context.Context, _ int) (retry.Class, time.Duration, error) {
		err := h.publisher.Publish(ctx, h.topic, []byte(info.Table), value, headers)
		switch {
		case err == nil:
			return retry.Success, 0, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return retry.Aborted, 0, err
		default:
			return retry.TransportError, 0, err
		}
	})
	if !res.OK() {
		return fmt.Errorf("dlq publish to %s after %d attempts: %w", h.topic, res.State.Attempt, res.Err)
	}
	return nil
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
