// Package eventbus wraps the Kafka clients used by the services. Publishes
// are at-least-once: the producer waits for all in-sync replicas, retries
// transient failures, and anything that still fails stays in the outbox for
// the relay to re-emit.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"shopcore/internal/config"
)

func InitProducer(logger *zap.Logger) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	brokers := []string{config.GetEnv("KAFKA_BROKER", "localhost:9092")}

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("Kafka producer initialized")
	return producer, nil
}

// Publisher publishes JSON events keyed by order id so that per-order
// ordering survives partitioning.
type Publisher struct {
	producer sarama.SyncProducer
	logger   *zap.Logger
}

func NewPublisher(producer sarama.SyncProducer, logger *zap.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, event any) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(eventJSON),
	}

	// Inject trace context into Kafka message headers
	carrier := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = []sarama.RecordHeader(carrier)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.Info("Event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// PublishWithRetry retries with linear backoff. The caller treats a final
// failure as deferred, not lost: the outbox relay picks the event up later.
func (p *Publisher) PublishWithRetry(ctx context.Context, topic, key string, event any, maxAttempts int) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = p.Publish(ctx, topic, key, event)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			backoff := time.Duration(attempt) * time.Second
			p.logger.Warn("Retrying event publish",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
