package models

import "github.com/shopspring/decimal"

// CartItem is one line of a user's cart as stored in the ledger.
type CartItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

// CartLine is a cart item joined with its current catalog price, used for
// display only. Checkout re-reads prices inside its own transaction.
type CartLine struct {
	ProductID int             `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type AddCartItemRequest struct {
	ProductID int `json:"product_id" binding:"required"`
	Quantity  int `json:"quantity" binding:"omitempty,gt=0"`
}
