// Package idempotency deduplicates operations keyed by a client- or
// event-supplied token. The claim is a unique-constraint insert, so exactly
// one caller per key ever executes the underlying mutation; everyone else
// replays the committed result verbatim.
//
// Keys expire after the retention window (24h by default). A duplicate
// request arriving after expiry re-executes; that is a known, accepted
// trade-off of bounded retention, not a bug to paper over.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"shopcore/internal/apperr"
)

// Header carries a client-supplied checkout key.
const Header = "Idempotency-Key"

// KeyFromRequest extracts the client-supplied key, empty if absent.
func KeyFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

const (
	defaultRetention = 24 * time.Hour
	replayPollEvery  = 200 * time.Millisecond
	replayPollMax    = 5
)

type Guard struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger
}

func NewGuard(db *sql.DB, logger *zap.Logger) *Guard {
	return &Guard{db: db, retention: defaultRetention, logger: logger}
}

// Outcome of a BeginOrReplay claim. When Fresh is false, Result holds the
// winner's committed snapshot.
type Outcome struct {
	Fresh  bool
	Result []byte
}

// BeginOrReplay atomically claims key for operation. The fingerprint binds
// an in-flight claim to the request contents: while the winner is still
// executing, a second caller with a different fingerprint is a client bug
// and is rejected with a conflict. Once a result is committed it replays
// unconditionally. The original request may have mutated the very state the
// fingerprint hashes over, so a retry that lost its response can never
// reproduce the stored fingerprint.
//
// Losers of a concurrent race poll briefly for the winner's committed
// result; if the winner has not committed within the window, the loser gets
// a retryable conflict rather than a blind re-execution.
func (g *Guard) BeginOrReplay(ctx context.Context, key, operation, fingerprint string) (Outcome, error) {
	for attempt := 0; attempt < 2; attempt++ {
		_, err := g.db.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, operation, fingerprint, expires_at)
			 VALUES ($1, $2, $3, now() + $4 * interval '1 second')`,
			key, operation, fingerprint, int64(g.retention.Seconds()),
		)
		if err == nil {
			return Outcome{Fresh: true}, nil
		}
		if !isUniqueViolation(err) {
			return Outcome{}, fmt.Errorf("failed to claim idempotency key: %w", err)
		}

		expired, outcome, rerr := g.replay(ctx, key, operation, fingerprint)
		if rerr != nil {
			return Outcome{}, rerr
		}
		if !expired {
			return outcome, nil
		}
		// The stored claim outlived its retention window; drop it and
		// race for a fresh claim once more.
		if _, derr := g.db.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= now()`, key); derr != nil {
			return Outcome{}, fmt.Errorf("failed to evict expired idempotency key: %w", derr)
		}
	}
	return Outcome{}, apperr.New(apperr.KindConflict, apperr.CodeOperationInFlight, "idempotency key is contended")
}

func (g *Guard) replay(ctx context.Context, key, operation, fingerprint string) (expired bool, out Outcome, err error) {
	for poll := 0; poll < replayPollMax; poll++ {
		var storedOp, storedFP string
		var result []byte
		var expiresAt time.Time
		qerr := g.db.QueryRowContext(ctx,
			`SELECT operation, fingerprint, result, expires_at FROM idempotency_keys WHERE key = $1`,
			key,
		).Scan(&storedOp, &storedFP, &result, &expiresAt)
		if errors.Is(qerr, sql.ErrNoRows) {
			// The winner aborted and released the key between our insert
			// and this read; caller claims again.
			return true, Outcome{}, nil
		}
		if qerr != nil {
			return false, Outcome{}, fmt.Errorf("failed to read idempotency record: %w", qerr)
		}
		if expiresAt.Before(time.Now()) {
			return true, Outcome{}, nil
		}
		if storedOp != operation {
			return false, Outcome{}, apperr.New(apperr.KindConflict, apperr.CodeIdempotencyKeyReused,
				"idempotency key was already used for a different operation")
		}
		if result != nil {
			return false, Outcome{Fresh: false, Result: result}, nil
		}
		if storedFP != fingerprint {
			return false, Outcome{}, apperr.New(apperr.KindConflict, apperr.CodeIdempotencyKeyReused,
				"idempotency key was already used for a different request")
		}
		// Winner is still in flight; wait for its commit.
		select {
		case <-ctx.Done():
			return false, Outcome{}, ctx.Err()
		case <-time.After(replayPollEvery):
		}
	}
	return false, Outcome{}, apperr.New(apperr.KindConflict, apperr.CodeOperationInFlight,
		"operation with this idempotency key is still in flight")
}

// Commit records the result snapshot replayed to all later callers.
func (g *Guard) Commit(ctx context.Context, key string, result []byte) error {
	_, err := g.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET result = $2 WHERE key = $1`, key, result)
	if err != nil {
		return fmt.Errorf("failed to commit idempotency result: %w", err)
	}
	return nil
}

// Release abandons an uncommitted claim so the client's next retry
// re-executes. Claims that already committed are left untouched.
func (g *Guard) Release(ctx context.Context, key string) {
	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND result IS NULL`, key); err != nil {
		g.logger.Warn("Failed to release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// StartSweeper deletes expired keys on an interval until ctx is canceled.
func (g *Guard) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := g.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
			if err != nil {
				g.logger.Error("Idempotency sweep failed", zap.Error(err))
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				g.logger.Info("Swept expired idempotency keys", zap.Int64("count", n))
			}
		}
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
