package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gatekeeper/internal/registry"
	"gatekeeper/pkg/platform/circuit"
)

// ErrSinkUnavailable is returned while the breaker is open and events are dropped.
var ErrSinkUnavailable = errors.New("event sink unavailable")

// Producer is the subset of the Kafka producer the sink needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// KafkaSink publishes registry events as JSON, keyed by registry name so all
// events of one registry land on the same partition in order.
type KafkaSink struct {
	producer Producer
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

type SinkOption func(*KafkaSink)

// WithBreaker stops calling the producer after repeated failures.
func WithBreaker(b *circuit.Breaker) SinkOption {
	return func(s *KafkaSink) {
		s.breaker = b
	}
}

func WithLogger(logger *slog.Logger) SinkOption {
	return func(s *KafkaSink) {
		s.logger = logger
	}
}

func NewKafkaSink(producer Producer, opts ...SinkOption) *KafkaSink {
	s := &KafkaSink{producer: producer}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

func (s *KafkaSink) Publish(ctx context.Context, event registry.Event) error {
	if s.breaker != nil && !s.breaker.Allow() {
		return ErrSinkUnavailable
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode registry event: %w", err)
	}
	err = s.producer.Produce(ctx, []byte(event.Registry), value)
	s.record(ctx, err)
	return err
}

func (s *KafkaSink) record(ctx context.Context, err error) {
	if s.breaker == nil {
		return
	}
	if err != nil {
		if _, change := s.breaker.RecordFailure(); change.Opened {
			s.logger.WarnContext(ctx, "event sink circuit opened", "breaker", s.breaker.Name(), "error", err)
		}
		return
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.InfoContext(ctx, "event sink circuit closed", "breaker", s.breaker.Name())
	}
}
