package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

type Payment struct {
	ID            int             `json:"id"`
	OrderID       int             `json:"order_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        PaymentStatus   `json:"status"`
	PaymentIntent string          `json:"payment_intent"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Confirmation outcomes reported by the payment gateway.
const (
	PaymentOutcomeSucceeded = "succeeded"
	PaymentOutcomeFailed    = "failed"
)

// PaymentConfirmation is the asynchronous gateway event, arriving either on
// the payment_events topic or the webhook. PaymentIntent is globally unique
// and doubles as the dedup key; delivery is at-least-once and unordered.
type PaymentConfirmation struct {
	PaymentIntent string          `json:"payment_intent" binding:"required"`
	OrderID       int             `json:"order_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Outcome       string          `json:"outcome" binding:"required"`
	Reason        string          `json:"reason"`
}
