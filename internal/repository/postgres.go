package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/models"
)

// PostgresStore persists transactions as documents with an append-only
// transition log and an outbox written in the same SQL transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns the store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the initial document.
func (s *PostgresStore) Create(ctx context.Context, tx *models.Transaction) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO transactions (id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`
	_, err = s.db.ExecContext(ctx, query, tx.ID, string(tx.Status), doc)
	return err
}

// Load returns the stored document.
func (s *PostgresStore) Load(ctx context.Context, id string) (*models.Transaction, error) {
	const query = `SELECT document FROM transactions WHERE id = $1`
	var doc []byte
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var tx models.Transaction
	if err := json.Unmarshal(doc, &tx); err != nil {
		return nil, fmt.Errorf("repository: decode transaction %s: %w", id, err)
	}
	return &tx, nil
}

// ListActive returns every transaction not in a terminal state, oldest first.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*models.Transaction, error) {
	const query = `
		SELECT document FROM transactions
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, string(models.StatusCompleted), string(models.StatusFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var tx models.Transaction
		if err := json.Unmarshal(doc, &tx); err != nil {
			return nil, err
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// RecordTransition writes the updated document, the transition row and one
// outbox row per notification event atomically.
func (s *PostgresStore) RecordTransition(ctx context.Context, tx *models.Transaction, from, to models.TransactionStatus, events []bus.Message) error {
	tx.Status = to
	tx.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	const updateQuery = `
		UPDATE transactions SET status = $2, document = $3, updated_at = NOW()
		WHERE id = $1
	`
	res, err := dbTx.ExecContext(ctx, updateQuery, tx.ID, string(to), doc)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	const transitionQuery = `
		INSERT INTO transaction_transitions (transaction_id, from_status, to_status, document, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := dbTx.ExecContext(ctx, transitionQuery, tx.ID, string(from), string(to), doc); err != nil {
		return err
	}

	const outboxQuery = `
		INSERT INTO transaction_outbox (id, transaction_id, topic, payload, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', NOW())
	`
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := dbTx.ExecContext(ctx, outboxQuery, uuid.NewString(), tx.ID, event.Topic(), payload); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// AppendStepLog stores one audit entry for a step.
func (s *PostgresStore) AppendStepLog(ctx context.Context, transactionID string, entry StepLogEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const query = `
		INSERT INTO transaction_step_logs (transaction_id, step_id, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query, transactionID, entry.StepID, entry.Message, payload, at)
	return err
}
