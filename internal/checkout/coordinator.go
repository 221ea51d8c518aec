// Package checkout converts a cart into a committed order exactly once per
// idempotency key. The coordinator owns the key resolution, the guard
// handshake and the bounded conflict retry; the ledger owns atomicity.
package checkout

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
	operationCheckout = "checkout"

	conflictRetries = 3
	conflictBackoff = 50 * time.Millisecond
	publishRetries  = 3
)

type Coordinator struct {
	store     *ledger.Store
	guard     *idempotency.Guard
	publisher *eventbus.Publisher
	logger    *zap.Logger
}

func NewCoordinator(store *ledger.Store, guard *idempotency.Guard, publisher *eventbus.Publisher, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, guard: guard, publisher: publisher, logger: logger}
}

// Fingerprint hashes the user id and the sorted cart lines. It both derives
// the default idempotency key and binds an in-flight client-supplied key to
// the cart it was issued for, so racing a key against a different cart is
// detectable while the first attempt is still executing.
func Fingerprint(userID int, items []models.CartItem) string {
	h := sha256.New()
	fmt.Fprintf(h, "user:%d", userID)
	for _, item := range items {
		fmt.Fprintf(h, "|%d:%d", item.ProductID, item.Quantity)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Checkout runs one checkout attempt for userID. clientKey is the optional
// Idempotency-Key header value; when empty, the key defaults to the cart
// content fingerprint. Client-supplied keys always win over the derived one.
//
// With a client key the guard is consulted before any cart validation. The
// committed checkout clears the cart, so a retry that lost its response
// arrives with an empty cart and must still replay the stored order, not
// fail with EmptyCart.
func (co *Coordinator) Checkout(ctx context.Context, userID int, clientKey string) (models.CheckoutResult, error) {
	items, err := co.store.GetCartItems(ctx, userID)
	if err != nil {
		return models.CheckoutResult{}, err
	}

	fingerprint := Fingerprint(userID, items)
	key := clientKey
	if key == "" {
		// A derived key hashes the cart contents, so an empty cart can
		// never address a prior claim; fail fast.
		if len(items) == 0 {
			middleware.RecordCheckout(apperr.CodeEmptyCart)
			return models.CheckoutResult{}, apperr.New(apperr.KindValidation, apperr.CodeEmptyCart, "cart is empty")
		}
		key = fingerprint
	}

	outcome, err := co.guard.BeginOrReplay(ctx, key, operationCheckout, fingerprint)
	if err != nil {
		middleware.RecordCheckout("conflict")
		return models.CheckoutResult{}, err
	}
	if !outcome.Fresh {
		var result models.CheckoutResult
		if err := json.Unmarshal(outcome.Result, &result); err != nil {
			return models.CheckoutResult{}, apperr.Wrap(apperr.KindIntegrity, "CorruptReplay",
				"stored checkout result is unreadable", err)
		}
		co.logger.Info("Checkout replayed from idempotency record",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Int("order_id", result.OrderID),
		)
		middleware.RecordCheckout("replayed")
		return result, nil
	}

	if len(items) == 0 {
		// Fresh claim with nothing to sell: a genuinely empty cart, not a
		// lost-response retry (that replays above).
		co.guard.Release(ctx, key)
		middleware.RecordCheckout(apperr.CodeEmptyCart)
		return models.CheckoutResult{}, apperr.New(apperr.KindValidation, apperr.CodeEmptyCart, "cart is empty")
	}

	order, pending, err := co.commitWithRetry(ctx, userID, key)
	if err != nil {
		// Release so the client's next attempt re-executes instead of
		// replaying a failure.
		co.guard.Release(ctx, key)
		middleware.RecordCheckout(apperr.CodeOf(err))
		return models.CheckoutResult{}, err
	}

	result := models.CheckoutResult{OrderID: order.ID, Total: order.Total, Status: order.Status}
	snapshot, err := json.Marshal(result)
	if err != nil {
		return models.CheckoutResult{}, err
	}
	if err := co.guard.Commit(ctx, key, snapshot); err != nil {
		// The order is committed; failing to store the snapshot only
		// weakens replay, it must not fail the checkout.
		co.logger.Error("Failed to commit idempotency snapshot",
			zap.String("key", key), zap.Error(err))
	}

	co.publishCreated(ctx, order, pending)

	co.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int("order_id", order.ID),
		zap.Int("user_id", userID),
		zap.String("total", order.Total.StringFixed(2)),
	)
	middleware.RecordCheckout("created")
	return result, nil
}

func (co *Coordinator) commitWithRetry(ctx context.Context, userID int, key string) (*models.Order, *ledger.PendingEvent, error) {
	var lastErr error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		order, pending, err := co.store.CreateOrderFromCart(ctx, userID, key)
		if err == nil {
			return order, pending, nil
		}
		lastErr = err
		if !apperr.IsConflict(err) {
			return nil, nil, err
		}
		co.logger.Warn("Checkout transaction conflicted, retrying",
			zap.Int("attempt", attempt),
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * conflictBackoff):
		}
	}
	return nil, nil, lastErr
}

// publishCreated is best-effort: the event already sits in the outbox from
// the checkout transaction, so a failed publish here is deferred to the
// relay, never lost and never a reason to fail the request.
func (co *Coordinator) publishCreated(ctx context.Context, order *models.Order, pending *ledger.PendingEvent) {
	var event models.OrderCreatedEvent
	if err := json.Unmarshal(pending.Payload, &event); err != nil {
		co.logger.Error("Failed to decode pending order event", zap.Error(err))
		return
	}
	if err := co.publisher.PublishWithRetry(ctx, pending.Topic, pending.Key, event, publishRetries); err != nil {
		co.logger.Warn("Immediate publish failed, outbox relay will re-emit",
			zap.Int("order_id", order.ID), zap.Error(err))
		return
	}
	if err := co.store.MarkPublished(ctx, pending.OutboxID); err != nil {
		co.logger.Warn("Failed to mark order event published",
			zap.Int64("outbox_id", pending.OutboxID), zap.Error(err))
	}
}
