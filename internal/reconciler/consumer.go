package reconciler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/eventbus"
	"shopcore/internal/models"
)

// StartConsumer runs the confirmation stream loop. Every message is
// acknowledged after Process returns: redelivery of a failed message would
// replay through the idempotency guard, so re-queueing here adds nothing.
func StartConsumer(ctx context.Context, group sarama.ConsumerGroup, rec *Reconciler, logger *zap.Logger) error {
	return eventbus.Consume(ctx, group, models.TopicPaymentEvents,
		func(msgCtx context.Context, message *sarama.ConsumerMessage) error {
			return handleMessage(msgCtx, message, rec)
		}, logger)
}

func handleMessage(ctx context.Context, message *sarama.ConsumerMessage, rec *Reconciler) error {
	ctx, span := otel.Tracer("payment-service").Start(ctx, "ProcessPaymentConfirmation")
	defer span.End()

	var conf models.PaymentConfirmation
	if err := json.Unmarshal(message.Value, &conf); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal confirmation: %w", err)
	}

	span.SetAttributes(
		attribute.String("payment.intent", conf.PaymentIntent),
		attribute.Int("order.id", conf.OrderID),
		attribute.String("payment.outcome", conf.Outcome),
	)

	if err := rec.Process(ctx, conf); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
