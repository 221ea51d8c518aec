package ledger

import (
	"context"
	"database/sql"
	"errors"

	"shopcore/internal/apperr"
	"shopcore/internal/models"
)

func (s *Store) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	order := &models.Order{ID: orderID}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = $1`,
		orderID,
	).Scan(&order.UserID, &order.Total, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, apperr.CodeOrderNotFound, "order not found")
	}
	if err != nil {
		return nil, mapSQLError(err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY product_id`,
		orderID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, total, status, created_at, updated_at
		 FROM orders WHERE user_id = $1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Total, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
