package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/lib/pq"
	"go.uber.org/zap/zaptest"

	"shopcore/internal/apperr"
	"shopcore/internal/eventbus"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
	"shopcore/internal/models"
)

// mockProducer records sent messages and always succeeds.
type mockProducer struct {
	sent []*sarama.ProducerMessage
}

func (m *mockProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	m.sent = append(m.sent, msg)
	return 0, int64(len(m.sent)), nil
}

func (m *mockProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	m.sent = append(m.sent, msgs...)
	return nil
}

func (m *mockProducer) Close() error                        { return nil }
func (m *mockProducer) TxnStatus() sarama.ProducerTxnStatusFlag { return sarama.ProducerTxnFlagReady }
func (m *mockProducer) IsTransactional() bool               { return false }
func (m *mockProducer) BeginTxn() error                     { return nil }
func (m *mockProducer) CommitTxn() error                    { return nil }
func (m *mockProducer) AbortTxn() error                     { return nil }
func (m *mockProducer) AddOffsetsToTxn(map[string][]*sarama.PartitionOffsetMetadata, string) error {
	return nil
}
func (m *mockProducer) AddMessageToTxn(*sarama.ConsumerMessage, string, *string) error { return nil }

func setupCoordinatorTest(t *testing.T) (*Coordinator, sqlmock.Sqlmock, *mockProducer, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	logger := zaptest.NewLogger(t)
	store := ledger.NewStore(db, logger)
	guard := idempotency.NewGuard(db, logger)
	producer := &mockProducer{}
	publisher := eventbus.NewPublisher(producer, logger)
	return NewCoordinator(store, guard, publisher, logger), mock, producer, func() { db.Close() }
}

func TestFingerprint_Deterministic(t *testing.T) {
	items := []models.CartItem{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}
	if Fingerprint(1, items) != Fingerprint(1, items) {
		t.Error("Expected identical carts to fingerprint identically")
	}
	if Fingerprint(1, items) == Fingerprint(2, items) {
		t.Error("Expected different users to fingerprint differently")
	}
	changed := []models.CartItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}}
	if Fingerprint(1, items) == Fingerprint(1, changed) {
		t.Error("Expected a quantity change to alter the fingerprint")
	}
}

func TestCheckout_EmptyCart(t *testing.T) {
	co, mock, _, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))

	_, err := co.Checkout(context.Background(), 1, "")
	if apperr.CodeOf(err) != apperr.CodeEmptyCart {
		t.Errorf("Expected %s, got %v", apperr.CodeEmptyCart, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// A retried request with the same key must get the stored result back and
// must not touch orders, stock or the outbox again.
func TestCheckout_ReplaysStoredResult(t *testing.T) {
	co, mock, producer, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	items := []models.CartItem{{ProductID: 1, Quantity: 2}}
	fp := Fingerprint(1, items)

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT operation, fingerprint, result, expires_at FROM idempotency_keys`).
		WithArgs("client-key").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "fingerprint", "result", "expires_at"}).
			AddRow("checkout", fp, []byte(`{"order_id":42,"total":"25.00","status":"pending"}`), time.Now().Add(time.Hour)))

	result, err := co.Checkout(context.Background(), 1, "client-key")
	if err != nil {
		t.Fatalf("Expected replay to succeed, got %v", err)
	}
	if result.OrderID != 42 {
		t.Errorf("Expected replayed order id 42, got %d", result.OrderID)
	}
	if result.Total.StringFixed(2) != "25.00" {
		t.Errorf("Expected replayed total 25.00, got %s", result.Total.StringFixed(2))
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish on replay, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// A key raced against a different cart while the first attempt is still in
// flight conflicts instead of silently replaying.
func TestCheckout_KeyReusedForDifferentCart(t *testing.T) {
	co, mock, _, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT operation, fingerprint, result, expires_at FROM idempotency_keys`).
		WithArgs("client-key").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "fingerprint", "result", "expires_at"}).
			AddRow("checkout", "fingerprint-of-some-other-cart", nil, time.Now().Add(time.Hour)))

	_, err := co.Checkout(context.Background(), 1, "client-key")
	if apperr.CodeOf(err) != apperr.CodeIdempotencyKeyReused {
		t.Errorf("Expected %s, got %v", apperr.CodeIdempotencyKeyReused, err)
	}
}

// The committed checkout clears the cart. A client that lost the response
// and retries with the same key therefore arrives with an empty cart and a
// fingerprint that cannot match the stored one; it must get the stored
// order back, never EmptyCart.
func TestCheckout_RetryAfterCommitWithClearedCart(t *testing.T) {
	co, mock, producer, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT operation, fingerprint, result, expires_at FROM idempotency_keys`).
		WithArgs("client-key").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "fingerprint", "result", "expires_at"}).
			AddRow("checkout", Fingerprint(1, []models.CartItem{{ProductID: 1, Quantity: 2}}),
				[]byte(`{"order_id":42,"total":"25.00","status":"pending"}`), time.Now().Add(time.Hour)))

	result, err := co.Checkout(context.Background(), 1, "client-key")
	if err != nil {
		t.Fatalf("Expected replay of the committed order, got %v", err)
	}
	if result.OrderID != 42 {
		t.Errorf("Expected replayed order id 42, got %d", result.OrderID)
	}
	if result.Total.StringFixed(2) != "25.00" {
		t.Errorf("Expected replayed total 25.00, got %s", result.Total.StringFixed(2))
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish on replay, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// A fresh claim on a genuinely empty cart is released so the key stays
// usable once the client actually fills the cart.
func TestCheckout_EmptyCartWithClientKeyReleasesClaim(t *testing.T) {
	co, mock, _, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE key = \$1 AND result IS NULL`).
		WithArgs("client-key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := co.Checkout(context.Background(), 1, "client-key")
	if apperr.CodeOf(err) != apperr.CodeEmptyCart {
		t.Errorf("Expected %s, got %v", apperr.CodeEmptyCart, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// Fresh checkout end to end: claim, serializable commit, snapshot, publish.
func TestCheckout_FreshCommit(t *testing.T) {
	co, mock, producer, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectQuery(`SELECT price, stock FROM products WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"price", "stock"}).AddRow("12.50", 4))
	mock.ExpectExec(`UPDATE products SET stock = stock - \$1`).
		WithArgs(2, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO orders`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(42, time.Now(), time.Now()))
	mock.ExpectExec(`INSERT INTO order_items`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM cart_items WHERE user_id = \$1`).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE idempotency_keys SET result = \$2 WHERE key = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox SET sent_at = now\(\)`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := co.Checkout(context.Background(), 1, "client-key")
	if err != nil {
		t.Fatalf("Expected checkout to succeed, got %v", err)
	}
	if result.OrderID != 42 {
		t.Errorf("Expected order id 42, got %d", result.OrderID)
	}
	if result.Total.StringFixed(2) != "25.00" {
		t.Errorf("Expected total 25.00, got %s", result.Total.StringFixed(2))
	}
	if result.Status != models.OrderStatusPending {
		t.Errorf("Expected pending status, got %s", result.Status)
	}
	if len(producer.sent) != 1 {
		t.Fatalf("Expected exactly one published event, got %d", len(producer.sent))
	}
	if producer.sent[0].Topic != models.TopicOrderEvents {
		t.Errorf("Expected topic %s, got %s", models.TopicOrderEvents, producer.sent[0].Topic)
	}
	if key, _ := producer.sent[0].Key.Encode(); string(key) != "42" {
		t.Errorf("Expected event keyed by order id, got %s", key)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// A failed commit releases the claim so the client's retry re-executes.
func TestCheckout_ReleaseOnFailure(t *testing.T) {
	co, mock, producer, cleanup := setupCoordinatorTest(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT product_id, quantity FROM cart_items WHERE user_id = \$1 ORDER BY product_id FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "quantity"}).AddRow(1, 2))
	mock.ExpectQuery(`SELECT price, stock FROM products WHERE id = \$1 FOR UPDATE`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"price", "stock"}).AddRow("12.50", 1))
	mock.ExpectRollback()
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE key = \$1 AND result IS NULL`).
		WithArgs("client-key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := co.Checkout(context.Background(), 1, "client-key")
	if apperr.CodeOf(err) != apperr.CodeOutOfStock {
		t.Errorf("Expected %s, got %v", apperr.CodeOutOfStock, err)
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish on failure, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
