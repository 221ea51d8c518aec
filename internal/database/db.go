package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"shopcore/internal/config"
)

// InitDB opens the shared ledger database and runs the startup migration.
// The pool is created once per process; every operation acquires a
// connection through database/sql and releases it on all exit paths.
func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := config.GetEnv("DB_HOST", "localhost")
	port := config.GetEnv("DB_PORT", "5432")
	user := config.GetEnv("DB_USER", "postgres")
	password := config.GetEnv("DB_PASSWORD", "postgres")
	dbname := config.GetEnv("DB_NAME", "shopdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

// Migrate creates the ledger schema if it does not exist. Prices and
// amounts are DECIMAL; payment_intent and idempotency keys carry the unique
// constraints the coordinator and reconciler rely on for dedup.
func Migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price DECIMAL(12, 2) NOT NULL,
			stock INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS cart_items (
			user_id INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id SERIAL PRIMARY KEY,
			user_id INTEGER NOT NULL,
			total DECIMAL(12, 2) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			idempotency_key VARCHAR(128) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders (user_id)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id INTEGER NOT NULL REFERENCES orders (id),
			product_id INTEGER NOT NULL,
			quantity INTEGER NOT NULL,
			unit_price DECIMAL(12, 2) NOT NULL,
			PRIMARY KEY (order_id, product_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id SERIAL PRIMARY KEY,
			order_id INTEGER NOT NULL REFERENCES orders (id),
			amount DECIMAL(12, 2) NOT NULL,
			status VARCHAR(20) NOT NULL,
			payment_intent VARCHAR(255) NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key VARCHAR(128) PRIMARY KEY,
			operation VARCHAR(64) NOT NULL,
			fingerprint VARCHAR(128) NOT NULL,
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL,
			topic VARCHAR(128) NOT NULL,
			key VARCHAR(128) NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			sent_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox (id) WHERE sent_at IS NULL`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
