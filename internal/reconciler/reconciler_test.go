package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/IBM/sarama"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"shopcore/internal/apperr"
	"shopcore/internal/eventbus"
	"shopcore/internal/idempotency"
	"shopcore/internal/ledger"
	"shopcore/internal/models"
)

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

func (m *mockProducer) Close() error { return nil }
func (m *mockProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnFlagReady
}
func (m *mockProducer) IsTransactional() bool { return false }
func (m *mockProducer) BeginTxn() error       { return nil }
func (m *mockProducer) CommitTxn() error      { return nil }
func (m *mockProducer) AbortTxn() error       { return nil }
func (m *mockProducer) AddOffsetsToTxn(map[string][]*sarama.PartitionOffsetMetadata, string) error {
	return nil
}
func (m *mockProducer) AddMessageToTxn(*sarama.ConsumerMessage, string, *string) error { return nil }

func setupReconcilerTest(t *testing.T) (*Reconciler, sqlmock.Sqlmock, *mockProducer, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	logger := zaptest.NewLogger(t)
	store := ledger.NewStore(db, logger)
	guard := idempotency.NewGuard(db, logger)
	producer := &mockProducer{}
	publisher := eventbus.NewPublisher(producer, logger)
	return New(store, guard, publisher, logger), mock, producer, func() { db.Close() }
}

func testConfirmation() models.PaymentConfirmation {
	return models.PaymentConfirmation{
		PaymentIntent: "pi_123",
		OrderID:       42,
		Amount:        decimal.RequireFromString("25.00"),
		Outcome:       models.PaymentOutcomeSucceeded,
	}
}

func TestProcess_RejectsInvalidConfirmation(t *testing.T) {
	rec, _, _, cleanup := setupReconcilerTest(t)
	defer cleanup()

	cases := []struct {
		name   string
		mutate func(*models.PaymentConfirmation)
	}{
		{"missing intent", func(c *models.PaymentConfirmation) { c.PaymentIntent = "" }},
		{"missing order id", func(c *models.PaymentConfirmation) { c.OrderID = 0 }},
		{"bad outcome", func(c *models.PaymentConfirmation) { c.Outcome = "maybe" }},
		{"negative amount", func(c *models.PaymentConfirmation) { c.Amount = decimal.RequireFromString("-1") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := testConfirmation()
			tc.mutate(&conf)
			err := rec.Process(context.Background(), conf)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

// A redelivered confirmation whose intent already settled is acknowledged
// without touching the ledger.
func TestProcess_ReplayIsNoOp(t *testing.T) {
	rec, mock, producer, cleanup := setupReconcilerTest(t)
	defer cleanup()

	conf := testConfirmation()
	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery(`SELECT operation, fingerprint, result, expires_at FROM idempotency_keys`).
		WithArgs("pi_123").
		WillReturnRows(sqlmock.NewRows([]string{"operation", "fingerprint", "result", "expires_at"}).
			AddRow("payment_confirm", fingerprint(conf), []byte(`{"order_id":42,"status":"paid"}`), time.Now().Add(time.Hour)))

	if err := rec.Process(context.Background(), conf); err != nil {
		t.Fatalf("Expected replay to ack cleanly, got %v", err)
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish on replay, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestProcess_SuccessfulConfirmation(t *testing.T) {
	rec, mock, producer, cleanup := setupReconcilerTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(1, "25.00", "pending", time.Now(), time.Now()))
	mock.ExpectQuery(`INSERT INTO payments`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
	mock.ExpectExec(`UPDATE orders SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE idempotency_keys SET result = \$2 WHERE key = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE outbox SET sent_at = now\(\)`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := rec.Process(context.Background(), testConfirmation()); err != nil {
		t.Fatalf("Expected confirmation to settle, got %v", err)
	}
	if len(producer.sent) != 1 {
		t.Fatalf("Expected one order_paid event, got %d", len(producer.sent))
	}
	if producer.sent[0].Topic != models.TopicOrderEvents {
		t.Errorf("Expected topic %s, got %s", models.TopicOrderEvents, producer.sent[0].Topic)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// Already-paid is settled as a duplicate: the claim commits so later
// replays short-circuit, and nothing is published.
func TestProcess_AlreadyPaidSettlesAsDuplicate(t *testing.T) {
	rec, mock, producer, cleanup := setupReconcilerTest(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(1, "25.00", "paid", time.Now(), time.Now()))
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE idempotency_keys SET result = \$2 WHERE key = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := rec.Process(context.Background(), testConfirmation()); err != nil {
		t.Fatalf("Expected duplicate to ack cleanly, got %v", err)
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish for a duplicate, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

// An amount mismatch is an integrity stop: the claim is released, the error
// surfaces, and no event is published.
func TestProcess_AmountMismatchEscalates(t *testing.T) {
	rec, mock, producer, cleanup := setupReconcilerTest(t)
	defer cleanup()

	conf := testConfirmation()
	conf.Amount = decimal.RequireFromString("20.00")

	mock.ExpectExec(`INSERT INTO idempotency_keys`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, total, status, created_at, updated_at FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "total", "status", "created_at", "updated_at"}).
			AddRow(1, "25.00", "pending", time.Now(), time.Now()))
	mock.ExpectRollback()
	mock.ExpectExec(`DELETE FROM idempotency_keys WHERE key = \$1 AND result IS NULL`).
		WithArgs("pi_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := rec.Process(context.Background(), conf)
	if !apperr.IsIntegrity(err) {
		t.Fatalf("Expected integrity error, got %v", err)
	}
	if len(producer.sent) != 0 {
		t.Errorf("Expected no publish on integrity stop, got %d messages", len(producer.sent))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
