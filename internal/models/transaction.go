package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies the direction of stock movement.
type TransactionType string

const (
	TransactionIssue     TransactionType = "issue"
	TransactionReturn    TransactionType = "return"
	TransactionReplenish TransactionType = "replenish"
)

// TransactionStatus is the persisted lifecycle status of a transaction.
type TransactionStatus string

const (
	StatusCreated              TransactionStatus = "created"
	StatusInProgress           TransactionStatus = "in_progress"
	StatusStepAwaitingHardware TransactionStatus = "step_awaiting_hardware"
	StatusStepSucceeded        TransactionStatus = "step_succeeded"
	StatusStepFailed           TransactionStatus = "step_failed"
	StatusCompleted            TransactionStatus = "completed"
	StatusFailed               TransactionStatus = "failed"
)

// StepStatus tracks a single bin visit within a transaction.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// ItemDelta is a planned or realized quantity change for one item.
type ItemDelta struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Step is one bin visit. Its ID doubles as the version token used to
// discard stale hardware events after the step has moved on.
type Step struct {
	ID               string      `json:"id"`
	BinID            string      `json:"bin_id"`
	Planned          []ItemDelta `json:"planned"`
	Realized         []ItemDelta `json:"realized,omitempty"`
	DamagedDeviceIDs []string    `json:"damaged_device_ids,omitempty"`
	Status           StepStatus  `json:"status"`
	FailureReason    string      `json:"failure_reason,omitempty"`
	StartedAt        time.Time   `json:"started_at,omitempty"`
	FinishedAt       time.Time   `json:"finished_at,omitempty"`
}

// FailureDetail is the last failure recorded on a transaction, kept for audit.
type FailureDetail struct {
	Reason  string    `json:"reason"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Transaction is the unit of work driven by the coordinator. Steps are
// append-only once started; a finished step's outcome is immutable.
type Transaction struct {
	ID               string            `json:"id"`
	Type             TransactionType   `json:"type"`
	RequestingUser   string            `json:"requesting_user"`
	ClusterID        string            `json:"cluster_id"`
	Steps            []Step            `json:"steps"`
	CurrentStepIndex int               `json:"current_step_index"`
	Status           TransactionStatus `json:"status"`
	RetryCount       int               `json:"retry_count"`
	IsSync           bool              `json:"is_sync"`
	Error            *FailureDetail    `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewTransaction builds a transaction in Created status with pending steps.
func NewTransaction(txType TransactionType, requestingUser, clusterID string, steps []Step) *Transaction {
	now := time.Now().UTC()
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}
		steps[i].Status = StepPending
	}
	return &Transaction{
		ID:             uuid.NewString(),
		Type:           txType,
		RequestingUser: requestingUser,
		ClusterID:      clusterID,
		Steps:          steps,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CurrentStep returns the step pointed at by CurrentStepIndex, or nil when
// the transaction has run out of steps.
func (t *Transaction) CurrentStep() *Step {
	if t.CurrentStepIndex < 0 || t.CurrentStepIndex >= len(t.Steps) {
		return nil
	}
	return &t.Steps[t.CurrentStepIndex]
}

// IsTerminal reports whether the transaction reached a sink state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// RecordFailure stores the last failure detail for audit.
func (t *Transaction) RecordFailure(reason, message string) {
	t.Error = &FailureDetail{
		Reason:  reason,
		Message: message,
		At:      time.Now().UTC(),
	}
}
