package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kafka topics. order_events is partitioned by order id, so same-order
// events keep their relative order; nothing is guaranteed across orders.
const (
	TopicOrderEvents   = "order_events"
	TopicPaymentEvents = "payment_events"
)

const (
	EventOrderCreated       = "order_created"
	EventOrderPaid          = "order_paid"
	EventOrderPaymentFailed = "order_payment_failed"
)

type OrderCreatedEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	OrderID   int             `json:"order_id"`
	UserID    int             `json:"user_id"`
	Total     decimal.Decimal `json:"total"`
	LineItems []OrderItem     `json:"line_items"`
	Timestamp time.Time       `json:"timestamp"`
}

type OrderPaidEvent struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OrderID       int             `json:"order_id"`
	PaymentIntent string          `json:"payment_intent"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

type OrderPaymentFailedEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OrderID       int       `json:"order_id"`
	PaymentIntent string    `json:"payment_intent"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}
