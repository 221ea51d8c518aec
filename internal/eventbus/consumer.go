package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"shopcore/internal/config"
)

// InitConsumerGroup joins groupID with committed offsets. A group member
// is assigned every partition of its topics, so key-partitioned events are
// all seen, and a restarted consumer resumes from its last committed offset
// instead of skipping whatever was published while it was down.
func InitConsumerGroup(groupID string, logger *zap.Logger) (sarama.ConsumerGroup, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Retry.Backoff = 1 * time.Second
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	brokers := []string{config.GetEnv("KAFKA_BROKER", "localhost:9092")}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	logger.Info("Kafka consumer group initialized", zap.String("group_id", groupID))
	return group, nil
}

// Handler processes one consumed message. Errors are logged by the loop and
// the offset is committed regardless: redelivery safety comes from the
// idempotency guard, not from reprocessing within the loop.
type Handler func(ctx context.Context, message *sarama.ConsumerMessage) error

type groupHandler struct {
	handler Handler
	logger  *zap.Logger
}

func (groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	// The range exits cleanly when sarama closes the claim channel on
	// rebalance or shutdown.
	for message := range claim.Messages() {
		msgCtx := otel.GetTextMapPropagator().Extract(session.Context(), ConsumerHeaderCarrier(message.Headers))
		if err := h.handler(msgCtx, message); err != nil {
			h.logger.Error("Failed to handle message",
				zap.String("topic", message.Topic),
				zap.Int32("partition", message.Partition),
				zap.Int64("offset", message.Offset),
				zap.Error(err),
			)
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// Consume runs group sessions over topic until ctx is canceled, rejoining
// after rebalances and transient session failures.
func Consume(ctx context.Context, group sarama.ConsumerGroup, topic string, handler Handler, logger *zap.Logger) error {
	go func() {
		for err := range group.Errors() {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	h := groupHandler{handler: handler, logger: logger}
	for {
		if err := group.Consume(ctx, []string{topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Error("Consumer group session failed", zap.String("topic", topic), zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
