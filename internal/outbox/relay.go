package outbox

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"shopcore/internal/middleware"
)

const (
	defaultBatch = 100
)

// NewWriter builds the relay's Kafka writer. The hash balancer keeps all
// events for one key on one partition, which is the only ordering guarantee
// consumers may assume.
func NewWriter(brokersCSV string) *kafka.Writer {
	var brokers []string
	for _, b := range strings.Split(brokersCSV, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// Relay sweeps unsent rows to Kafka. Rows are marked sent only after the
// broker acknowledges, so a crash mid-sweep re-delivers (at-least-once);
// consumers dedup on event ids.
type Relay struct {
	db       *sql.DB
	writer   *kafka.Writer
	interval time.Duration
	logger   *zap.Logger
}

func NewRelay(db *sql.DB, writer *kafka.Writer, interval time.Duration, logger *zap.Logger) *Relay {
	return &Relay{db: db, writer: writer, interval: interval, logger: logger}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("Outbox sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) sweep(ctx context.Context) error {
	pending, err := FetchPending(ctx, r.db, defaultBatch)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		msg := kafka.Message{
			Topic: rec.Topic,
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Time:  time.Now().UTC(),
		}
		if err := r.writer.WriteMessages(ctx, msg); err != nil {
			r.logger.Error("Failed to relay outbox event",
				zap.Int64("outbox_id", rec.ID),
				zap.String("topic", rec.Topic),
				zap.Error(err),
			)
			// Leave the row pending; the next sweep retries it.
			continue
		}
		if err := MarkSent(ctx, r.db, rec.ID); err != nil {
			// Already published; the duplicate on the next sweep is
			// absorbed by consumer-side dedup.
			r.logger.Warn("Failed to mark outbox event sent", zap.Int64("outbox_id", rec.ID), zap.Error(err))
			continue
		}
		middleware.RecordOutboxRelayed(rec.Topic)
		r.logger.Info("Relayed outbox event",
			zap.Int64("outbox_id", rec.ID),
			zap.String("event_id", rec.EventID),
			zap.String("topic", rec.Topic),
		)
	}
	return nil
}
