package repository

import (
	"context"
	"errors"
	"time"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/models"
)

// ErrNotFound is returned when a transaction id is unknown.
var ErrNotFound = errors.New("repository: transaction not found")

// StepLogEntry is one append-only audit record for a step.
type StepLogEntry struct {
	StepID  string      `json:"step_id"`
	Message string      `json:"message"`
	Payload interface{} `json:"payload,omitempty"`
	At      time.Time   `json:"at"`
}

// TransactionStore is the persistence boundary for transactions. The
// transition log is append-only and ordered per transaction; the stored
// document is the sole source of truth for recovery after a restart.
// RecordTransition persists the transition together with the outbound
// notification events it produced, so messaging never outruns state
// (outbox pattern).
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	Load(ctx context.Context, id string) (*models.Transaction, error)
	ListActive(ctx context.Context) ([]*models.Transaction, error)
	RecordTransition(ctx context.Context, tx *models.Transaction, from, to models.TransactionStatus, events []bus.Message) error
	AppendStepLog(ctx context.Context, transactionID string, entry StepLogEntry) error
}
