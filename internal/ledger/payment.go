package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"shopcore/internal/apperr"
	"shopcore/internal/models"
	"shopcore/internal/outbox"
)

// ApplyPayment records a gateway confirmation and advances the order in one
// serializable transaction. The payments.payment_intent unique constraint is
// the second line of dedup behind the idempotency guard: a concurrent
// duplicate that slips past the guard still cannot create a second payment
// row or flip the status twice.
func (s *Store) ApplyPayment(ctx context.Context, conf models.PaymentConfirmation) (*models.Order, *PendingEvent, error) {
	tx, err := s.beginSerializable(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	order := &models.Order{ID: conf.OrderID}
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = $1 FOR UPDATE`,
		conf.OrderID,
	).Scan(&order.UserID, &order.Total, &order.Status, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, apperr.New(apperr.KindNotFound, apperr.CodeOrderNotFound, "order not found")
	}
	if err != nil {
		return nil, nil, mapSQLError(err)
	}

	switch order.Status {
	case models.OrderStatusPending:
		// fall through to the transition below
	case models.OrderStatusPaid:
		// Duplicate or out-of-order redelivery; the first confirmation
		// already won.
		return order, nil, apperr.New(apperr.KindDuplicate, apperr.CodeAlreadyPaid, "order is already paid")
	default:
		return nil, nil, apperr.New(apperr.KindIntegrity, apperr.CodeStatusConflict,
			"payment confirmation for an order that is not pending")
	}

	if conf.Outcome == models.PaymentOutcomeSucceeded && !conf.Amount.Equal(order.Total) {
		return nil, nil, apperr.New(apperr.KindIntegrity, apperr.CodeAmountMismatch,
			"confirmed amount does not match order total")
	}

	payment := &models.Payment{
		OrderID:       conf.OrderID,
		Amount:        conf.Amount,
		PaymentIntent: conf.PaymentIntent,
		Status:        models.PaymentStatusSucceeded,
	}
	newStatus := models.OrderStatusPaid
	if conf.Outcome != models.PaymentOutcomeSucceeded {
		payment.Status = models.PaymentStatusFailed
		newStatus = models.OrderStatusFailed
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO payments (order_id, amount, status, payment_intent)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		payment.OrderID, payment.Amount, payment.Status, payment.PaymentIntent,
	).Scan(&payment.ID, &payment.CreatedAt)
	if isUniqueViolation(err) {
		return nil, nil, apperr.Wrap(apperr.KindDuplicate, apperr.CodeDuplicatePayment,
			"payment intent already recorded", err)
	}
	if err != nil {
		return nil, nil, mapSQLError(err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		newStatus, conf.OrderID, models.OrderStatusPending)
	if err != nil {
		return nil, nil, mapSQLError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return nil, nil, apperr.New(apperr.KindIntegrity, apperr.CodeStatusConflict,
			"order status changed underneath the payment transaction")
	}
	order.Status = newStatus

	var event any
	eventID := uuid.NewString()
	now := time.Now().UTC()
	if newStatus == models.OrderStatusPaid {
		event = models.OrderPaidEvent{
			EventID:       eventID,
			EventType:     models.EventOrderPaid,
			OrderID:       conf.OrderID,
			PaymentIntent: conf.PaymentIntent,
			Amount:        conf.Amount,
			Timestamp:     now,
		}
	} else {
		event = models.OrderPaymentFailedEvent{
			EventID:       eventID,
			EventType:     models.EventOrderPaymentFailed,
			OrderID:       conf.OrderID,
			PaymentIntent: conf.PaymentIntent,
			Reason:        conf.Reason,
			Timestamp:     now,
		}
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, nil, err
	}
	outboxID, err := outbox.InsertTx(ctx, tx, eventID, models.TopicOrderEvents, strconv.Itoa(conf.OrderID), payload)
	if err != nil {
		return nil, nil, mapSQLError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapSQLError(err)
	}

	pending := &PendingEvent{
		OutboxID: outboxID,
		Topic:    models.TopicOrderEvents,
		Key:      strconv.Itoa(conf.OrderID),
		Payload:  payload,
	}
	return order, pending, nil
}
