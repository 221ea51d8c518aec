package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// OrderItem captures the unit price at checkout time. It is never re-read
// from the catalog after the order commits.
type OrderItem struct {
	ProductID int             `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type Order struct {
	ID             int             `json:"id"`
	UserID         int             `json:"user_id"`
	Total          decimal.Decimal `json:"total"`
	Status         OrderStatus     `json:"status"`
	IdempotencyKey string          `json:"-"`
	Items          []OrderItem     `json:"items,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CheckoutResult is the client-visible outcome of a checkout. It is also the
// snapshot stored by the idempotency guard and replayed verbatim.
type CheckoutResult struct {
	OrderID int             `json:"order_id"`
	Total   decimal.Decimal `json:"total"`
	Status  OrderStatus     `json:"status"`
}
