package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitterConfig configures a KafkaEmitter.
type KafkaEmitterConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// KafkaEmitter publishes each Event as a JSON message keyed by its
// CorrelationID, so a downstream consumer can reconstruct the full sequence
// of events for one ActionPlan or canary by partition affinity.
type KafkaEmitter struct {
	writer      *kafka.Writer
	maxAttempts int
}

// NewKafkaEmitter builds a KafkaEmitter.
func NewKafkaEmitter(cfg KafkaEmitterConfig) (*KafkaEmitter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka emitter: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka emitter: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	}

	return &KafkaEmitter{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Emit publishes ev, keyed by CorrelationID, retrying transient write
// failures with a simple capped backoff.
func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.CorrelationID),
		Value: value,
		Time:  time.Now().UTC(),
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = k.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("emit event after %d attempts: %w", k.maxAttempts, lastErr)
}

// Close shuts down the underlying Kafka writer.
func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
