package repository

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
)

const outboxBatchSize = 32

// Outbox drains pending notification rows onto the bus in insertion order.
// Rows are claimed with FOR UPDATE SKIP LOCKED so multiple orchestrator
// replicas do not double-publish within one claim window; the transport is
// at-least-once regardless, consumers hold the idempotency guarantees.
type Outbox struct {
	db        *sql.DB
	publisher bus.Publisher
	interval  time.Duration
	logger    *zap.Logger
}

// NewOutbox builds the dispatcher.
func NewOutbox(db *sql.DB, publisher bus.Publisher, interval time.Duration, logger *zap.Logger) *Outbox {
	if interval <= 0 {
		interval = time.Second
	}
	return &Outbox{db: db, publisher: publisher, interval: interval, logger: logger}
}

// Run polls for pending rows until the context is cancelled.
func (o *Outbox) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.dispatchBatch(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

func (o *Outbox) dispatchBatch(ctx context.Context) error {
	dbTx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	const selectQuery = `
		SELECT id, topic, payload FROM transaction_outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := dbTx.QueryContext(ctx, selectQuery, outboxBatchSize)
	if err != nil {
		return err
	}

	type row struct {
		id      string
		topic   string
		payload []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.topic, &r.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range batch {
		msg, err := bus.DecodePayload(r.topic, r.payload)
		if err != nil {
			o.logger.Error("outbox row is undecodable, marking failed",
				zap.String("outbox_id", r.id), zap.String("topic", r.topic), zap.Error(err))
			if err := o.mark(ctx, dbTx, r.id, "failed", err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := o.publisher.Publish(ctx, msg); err != nil {
			o.logger.Warn("outbox publish failed, will retry",
				zap.String("outbox_id", r.id), zap.String("topic", r.topic), zap.Error(err))
			if err := o.retry(ctx, dbTx, r.id, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := o.mark(ctx, dbTx, r.id, "processed", ""); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func (o *Outbox) mark(ctx context.Context, dbTx *sql.Tx, id, status, lastError string) error {
	const query = `
		UPDATE transaction_outbox
		SET status = $2, last_error = NULLIF($3, ''), processed_at = NOW()
		WHERE id = $1
	`
	_, err := dbTx.ExecContext(ctx, query, id, status, lastError)
	return err
}

func (o *Outbox) retry(ctx context.Context, dbTx *sql.Tx, id, lastError string) error {
	const query = `
		UPDATE transaction_outbox
		SET retries = retries + 1, last_error = $2
		WHERE id = $1
	`
	_, err := dbTx.ExecContext(ctx, query, id, lastError)
	return err
}
