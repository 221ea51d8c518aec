package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"shopcore/internal/apperr"
	"shopcore/internal/models"
	"shopcore/internal/money"
	"shopcore/internal/outbox"
)

// CreateOrderFromCart converts the user's cart into a pending order in one
// serializable transaction: read cart, capture current prices, decrement
// stock, insert order and line items, clear the cart, append the
// order_created outbox row. Either all of it commits or none of it does.
//
// The price read and the order insert share the transaction, so there is no
// window in which a price change or a concurrent checkout can split the
// invariant that total equals the sum of captured line items.
func (s *Store) CreateOrderFromCart(ctx context.Context, userID int, idempotencyKey string) (*models.Order, *PendingEvent, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id FOR UPDATE`,
		userID)
	if err != nil {
		return nil, nil, mapSQLError(err)
	}
	var cart []models.CartItem
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			rows.Close()
			return nil, nil, err
		}
		cart = append(cart, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, mapSQLError(err)
	}
	rows.Close()

	if len(cart) == 0 {
		return nil, nil, apperr.New(apperr.KindValidation, apperr.CodeEmptyCart, "cart is empty")
	}

	total := money.Zero()
	items := make([]models.OrderItem, 0, len(cart))
	for _, line := range cart {
		var item models.OrderItem
		var stock int
		err := tx.QueryRowContext(ctx,
			`SELECT price, stock FROM products WHERE id = $1 FOR UPDATE`, line.ProductID,
		).Scan(&item.UnitPrice, &stock)
		if errors.Is(err, sql.ErrNoRows) {
			// Policy: a missing product aborts the whole checkout. No
			// partial orders.
			return nil, nil, apperr.New(apperr.KindValidation, apperr.CodeProductNotFound,
				fmt.Sprintf("product %d is no longer available", line.ProductID))
		}
		if err != nil {
			return nil, nil, mapSQLError(err)
		}
		if stock < line.Quantity {
			return nil, nil, apperr.New(apperr.KindValidation, apperr.CodeOutOfStock,
				fmt.Sprintf("product %d has insufficient stock", line.ProductID))
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = stock - $1, updated_at = now() WHERE id = $2`,
			line.Quantity, line.ProductID); err != nil {
			return nil, nil, mapSQLError(err)
		}

		item.ProductID = line.ProductID
		item.Quantity = line.Quantity
		total = total.Add(money.Line(item.UnitPrice, item.Quantity))
		items = append(items, item)
	}

	order := &models.Order{
		UserID:         userID,
		Total:          total,
		Status:         models.OrderStatusPending,
		IdempotencyKey: idempotencyKey,
		Items:          items,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO orders (user_id, total, status, idempotency_key)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at, updated_at`,
		userID, order.Total, order.Status, idempotencyKey,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, nil, mapSQLError(err)
	}

	for _, item := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4)`,
			order.ID, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return nil, nil, mapSQLError(err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return nil, nil, mapSQLError(err)
	}

	event := models.OrderCreatedEvent{
		EventID:   uuid.NewString(),
		EventType: models.EventOrderCreated,
		OrderID:   order.ID,
		UserID:    userID,
		Total:     order.Total,
		LineItems: items,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, nil, err
	}
	outboxID, err := outbox.InsertTx(ctx, tx, event.EventID, models.TopicOrderEvents, strconv.Itoa(order.ID), payload)
	if err != nil {
		return nil, nil, mapSQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapSQLError(err)
	}

	pending := &PendingEvent{
		OutboxID: outboxID,
		Topic:    models.TopicOrderEvents,
		Key:      strconv.Itoa(order.ID),
		Payload:  payload,
	}
	return order, pending, nil
}
