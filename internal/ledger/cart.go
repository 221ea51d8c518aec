package ledger

import (
	"context"

	"shopcore/internal/apperr"
	"shopcore/internal/models"
	"shopcore/internal/money"
)

// UpsertCartItem adds quantity to an existing line or creates it.
func (s *Store) UpsertCartItem(ctx context.Context, userID, productID, quantity int) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID,
	).Scan(&exists)
	if err != nil {
		return mapSQLError(err)
	}
	if !exists {
		return apperr.New(apperr.KindValidation, apperr.CodeProductNotFound, "product does not exist")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cart_items (user_id, product_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = now()`,
		userID, productID, quantity,
	)
	return mapSQLError(err)
}

func (s *Store) RemoveCartItem(ctx context.Context, userID, productID int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`, userID, productID)
	return mapSQLError(err)
}

// GetCartItems returns the raw cart lines ordered by product id; the stable
// order matters because the checkout fingerprint hashes over it.
func (s *Store) GetCartItems(ctx context.Context, userID int) ([]models.CartItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, quantity FROM cart_items WHERE user_id = $1 ORDER BY product_id`, userID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetCartLines joins the cart with current catalog prices for display.
// These prices are advisory; checkout captures its own inside the
// transaction.
func (s *Store) GetCartLines(ctx context.Context, userID int) ([]models.CartLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.product_id, p.name, c.quantity, p.price
		 FROM cart_items c JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1 ORDER BY c.product_id`, userID)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		if err := rows.Scan(&line.ProductID, &line.Name, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, err
		}
		line.LineTotal = money.Line(line.UnitPrice, line.Quantity)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
