// Package reconciler consumes asynchronous payment confirmations and
// advances order state. The transport guarantees neither ordering nor
// single delivery, so processing is a pure function of (current state,
// event): replays and out-of-order arrivals converge on the same terminal
// state and never create a second payment row.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"shopcore/internal/apperr"
	"shopcore/internal/eventbus"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
	"shopcore/internal/middleware"
	"shopcore/internal/models"
)

const (
	operationConfirm = "payment_confirm"

	// A confirmation can arrive before the order is visible on this side
	// of a replication lag window; OrderNotFound is retried this many
	// times before it becomes an integrity escalation.
	notFoundRetries = 5
	notFoundBackoff = 500 * time.Millisecond

	publishRetries = 3
)

type Reconciler struct {
	store     *ledger.Store
	guard     *idempotency.Guard
	publisher *eventbus.Publisher
	logger    *zap.Logger
}

func New(store *ledger.Store, guard *idempotency.Guard, publisher *eventbus.Publisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, guard: guard, publisher: publisher, logger: logger}
}

func fingerprint(conf models.PaymentConfirmation) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s", conf.PaymentIntent, conf.OrderID, conf.Amount.String(), conf.Outcome)
	return hex.EncodeToString(h.Sum(nil))
}

// Process handles one confirmation event. A nil return means the event is
// settled and may be acknowledged; reconciliation failures are operational
// concerns, never surfaced to the end user.
func (r *Reconciler) Process(ctx context.Context, conf models.PaymentConfirmation) error {
	if err := validate(conf); err != nil {
		middleware.RecordPaymentReconciled("invalid")
		return err
	}

	outcome, err := r.guard.BeginOrReplay(ctx, conf.PaymentIntent, operationConfirm, fingerprint(conf))
	if err != nil {
		return err
	}
	if !outcome.Fresh {
		r.logger.Info("Payment confirmation already processed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("payment_intent", conf.PaymentIntent),
		)
		middleware.RecordPaymentReconciled("replayed")
		return nil
	}

	order, pending, err := r.applyWithRetry(ctx, conf)
	switch {
	case err == nil:
		// fresh transition below
	case apperr.IsDuplicate(err):
		// Already paid, or the intent row exists from a racing consumer.
		// Settle the claim so later replays short-circuit.
		r.commitGuard(ctx, conf, order)
		middleware.RecordPaymentReconciled("duplicate")
		return nil
	case apperr.IsNotFound(err):
		r.guard.Release(ctx, conf.PaymentIntent)
		middleware.RecordIntegrityAlert("payment_order_missing")
		r.logger.Error("Order for payment confirmation never appeared, manual review required",
			zap.String("payment_intent", conf.PaymentIntent),
			zap.Int("order_id", conf.OrderID),
		)
		return err
	case apperr.IsIntegrity(err):
		r.guard.Release(ctx, conf.PaymentIntent)
		middleware.RecordIntegrityAlert("payment_mismatch")
		r.logger.Error("Payment confirmation violates an order invariant, manual review required",
			zap.String("payment_intent", conf.PaymentIntent),
			zap.Int("order_id", conf.OrderID),
			zap.Error(err),
		)
		return err
	default:
		r.guard.Release(ctx, conf.PaymentIntent)
		return err
	}

	r.commitGuard(ctx, conf, order)
	r.publishSettled(ctx, pending)

	r.logger.Info("Payment reconciled",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("payment_intent", conf.PaymentIntent),
		zap.Int("order_id", order.ID),
		zap.String("status", string(order.Status)),
	)
	middleware.RecordPaymentReconciled(string(order.Status))
	return nil
}

func validate(conf models.PaymentConfirmation) error {
	if conf.PaymentIntent == "" {
		return apperr.New(apperr.KindValidation, "MissingPaymentIntent", "payment_intent is required")
	}
	if conf.OrderID <= 0 {
		return apperr.New(apperr.KindValidation, "InvalidOrderID", "order_id is required")
	}
	if conf.Outcome != models.PaymentOutcomeSucceeded && conf.Outcome != models.PaymentOutcomeFailed {
		return apperr.New(apperr.KindValidation, "InvalidOutcome", "outcome must be succeeded or failed")
	}
	if conf.Amount.IsNegative() {
		return apperr.New(apperr.KindValidation, "InvalidAmount", "amount must not be negative")
	}
	return nil
}

func (r *Reconciler) applyWithRetry(ctx context.Context, conf models.PaymentConfirmation) (*models.Order, *ledger.PendingEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= notFoundRetries; attempt++ {
		order, pending, err := r.store.ApplyPayment(ctx, conf)
		if err == nil || apperr.IsDuplicate(err) || apperr.IsIntegrity(err) {
			return order, pending, err
		}
		lastErr = err
		if !apperr.IsNotFound(err) && !apperr.IsConflict(err) {
			return nil, nil, err
		}
		if attempt < notFoundRetries {
			r.logger.Warn("Payment apply retrying",
				zap.Int("attempt", attempt),
				zap.Int("order_id", conf.OrderID),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * notFoundBackoff):
			}
		}
	}
	return nil, nil, lastErr
}

func (r *Reconciler) commitGuard(ctx context.Context, conf models.PaymentConfirmation, order *models.Order) {
	snapshot := map[string]any{"payment_intent": conf.PaymentIntent}
	if order != nil {
		snapshot["order_id"] = order.ID
		snapshot["status"] = order.Status
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		r.logger.Error("Failed to marshal reconciliation snapshot", zap.Error(err))
		return
	}
	if err := r.guard.Commit(ctx, conf.PaymentIntent, data); err != nil {
		r.logger.Error("Failed to commit reconciliation snapshot",
			zap.String("payment_intent", conf.PaymentIntent), zap.Error(err))
	}
}

func (r *Reconciler) publishSettled(ctx context.Context, pending *ledger.PendingEvent) {
	if pending == nil {
		return
	}
	var event map[string]any
	if err := json.Unmarshal(pending.Payload, &event); err != nil {
		r.logger.Error("Failed to decode pending payment event", zap.Error(err))
		return
	}
	if err := r.publisher.PublishWithRetry(ctx, pending.Topic, pending.Key, event, publishRetries); err != nil {
		r.logger.Warn("Immediate publish failed, outbox relay will re-emit", zap.Error(err))
		return
	}
	if err := r.store.MarkPublished(ctx, pending.OutboxID); err != nil {
		r.logger.Warn("Failed to mark payment event published",
			zap.Int64("outbox_id", pending.OutboxID), zap.Error(err))
	}
}
