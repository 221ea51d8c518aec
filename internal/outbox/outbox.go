// Package outbox persists events in the same transaction that produces
// them, so a committed order or payment can never silently lose its event.
// The relay re-emits any row the immediate best-effort publish missed.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// execer is satisfied by both *sql.Tx and *sql.DB; inserts normally run
// inside the producing transaction.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertTx appends an event row and returns its id. payload must already be
// marshaled JSON.
func InsertTx(ctx context.Context, q execer, eventID, topic, key string, payload []byte) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4) RETURNING id`,
		eventID, topic, key, payload,
	).Scan(&id)
	return id, err
}

func FetchPending(ctx context.Context, db *sql.DB, limit int) ([]Record, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, event_id, topic, key, payload, created_at, sent_at
		 FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func MarkSent(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id)
	return err
}
