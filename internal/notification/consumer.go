// Package notification consumes order events and simulates user-facing
// email. Events arrive at-least-once and unordered across orders; the only
// side effect here is a notification, so a duplicate costs one extra email
// and is accepted.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"shopcore/internal/eventbus"
	"shopcore/internal/middleware"
	"shopcore/internal/models"
)

// StartConsumer runs the notification loop over the order events topic.
func StartConsumer(ctx context.Context, group sarama.ConsumerGroup, logger *zap.Logger) error {
	return eventbus.Consume(ctx, group, models.TopicOrderEvents,
		func(msgCtx context.Context, message *sarama.ConsumerMessage) error {
			return handleMessage(msgCtx, message, logger)
		}, logger)
}

type envelope struct {
	EventType string `json:"event_type"`
	OrderID   int    `json:"order_id"`
}

func handleMessage(ctx context.Context, message *sarama.ConsumerMessage, logger *zap.Logger) error {
	ctx, span := otel.Tracer("notification-service").Start(ctx, "ProcessNotification")
	defer span.End()

	var env envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if env.EventType == "" {
		return fmt.Errorf("missing event_type in event")
	}

	span.SetAttributes(
		attribute.String("event.type", env.EventType),
		attribute.Int("order.id", env.OrderID),
	)

	switch env.EventType {
	case models.EventOrderCreated:
		var event models.OrderCreatedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		handleOrderCreated(ctx, event, logger)
	case models.EventOrderPaid:
		var event models.OrderPaidEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		handleOrderPaid(ctx, event, logger)
	case models.EventOrderPaymentFailed:
		var event models.OrderPaymentFailedEvent
		if err := json.Unmarshal(message.Value, &event); err != nil {
			return err
		}
		handlePaymentFailed(ctx, event, logger)
	default:
		logger.Debug("Unknown event type", zap.String("event_type", env.EventType))
	}

	return nil
}

func handleOrderCreated(ctx context.Context, event models.OrderCreatedEvent, logger *zap.Logger) {
	middleware.RecordNotificationSent(models.EventOrderCreated)

	message := fmt.Sprintf("Your order #%d has been placed successfully! We'll notify you once it's confirmed.", event.OrderID)
	logger.Info("Order notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", event.OrderID),
		zap.Int("user_id", event.UserID),
		zap.String("message", message),
	)

	// Simulate email sending
	fmt.Printf("[EMAIL] To: user_%d@example.com\n", event.UserID)
	fmt.Printf("[EMAIL] Subject: Order Confirmation\n")
	fmt.Printf("[EMAIL] Body: %s\n\n", message)
}

func handleOrderPaid(ctx context.Context, event models.OrderPaidEvent, logger *zap.Logger) {
	middleware.RecordNotificationSent(models.EventOrderPaid)

	message := fmt.Sprintf("Payment of %s for order #%d was successful!", event.Amount.StringFixed(2), event.OrderID)
	logger.Info("Payment success notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", event.OrderID),
		zap.String("payment_intent", event.PaymentIntent),
		zap.String("message", message),
	)

	fmt.Printf("[EMAIL] Subject: Payment Successful\n")
	fmt.Printf("[EMAIL] Body: %s\n\n", message)
}

func handlePaymentFailed(ctx context.Context, event models.OrderPaymentFailedEvent, logger *zap.Logger) {
	middleware.RecordNotificationSent(models.EventOrderPaymentFailed)

	message := fmt.Sprintf("Payment for order #%d failed. Please try again or contact support.", event.OrderID)
	logger.Info("Payment failure notification sent",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", event.OrderID),
		zap.String("reason", event.Reason),
		zap.String("message", message),
	)

	fmt.Printf("[EMAIL] Subject: Payment Failed\n")
	fmt.Printf("[EMAIL] Body: %s\n\n", message)
}
