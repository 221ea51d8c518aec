// Package ledger is the authoritative transactional state holder for carts,
// orders and payments. Checkout and payment confirmation each run as one
// SERIALIZABLE transaction; callers see ConflictError when Postgres aborts a
// loser and are expected to re-fetch and retry, never to resubmit blindly.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"shopcore/internal/apperr"
	"shopcore/internal/outbox"
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// PendingEvent is an outbox row written inside a ledger transaction and not
// yet acknowledged by the broker. The caller attempts an immediate publish
// and marks it; otherwise the relay re-emits it.
type PendingEvent struct {
	OutboxID int64
	Topic    string
	Key      string
	Payload  json.RawMessage
}

// MarkPublished records that the immediate publish of an outbox row was
// acknowledged, so the relay skips it.
func (s *Store) MarkPublished(ctx context.Context, outboxID int64) error {
	return outbox.MarkSent(ctx, s.db, outboxID)
}

func (s *Store) beginSerializable(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, mapSQLError(err)
	}
	return tx, nil
}

// mapSQLError classifies driver errors into the shared taxonomy.
// Serialization failures and deadlocks are retryable conflicts; context
// deadlines are unknown-outcome timeouts resolved by idempotency replay.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return apperr.Wrap(apperr.KindConflict, apperr.CodeTxConflict,
				"concurrent transaction conflict", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, "DownstreamTimeout", "ledger store timed out", err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
