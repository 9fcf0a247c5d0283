package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/models"
)

// Transition is one recorded state change, kept in insertion order.
type Transition struct {
	TransactionID string
	From          models.TransactionStatus
	To            models.TransactionStatus
	At            time.Time
}

// MemoryStore is the in-process TransactionStore used by tests and
// standalone runs. Notification events are published synchronously with the
// transition they belong to, preserving the outbox ordering contract.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string][]byte
	transitions []Transition
	stepLogs    map[string][]StepLogEntry
	publisher   bus.Publisher
}

// NewMemoryStore returns an empty store. publisher may be nil.
func NewMemoryStore(publisher bus.Publisher) *MemoryStore {
	return &MemoryStore{
		docs:      make(map[string][]byte),
		stepLogs:  make(map[string][]StepLogEntry),
		publisher: publisher,
	}
}

// Create stores the initial document.
func (s *MemoryStore) Create(ctx context.Context, tx *models.Transaction) error {
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[tx.ID] = doc
	s.mu.Unlock()
	return nil
}

// Load returns a deep copy of the stored document.
func (s *MemoryStore) Load(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.Lock()
	doc, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	var tx models.Transaction
	if err := json.Unmarshal(doc, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListActive returns non-terminal transactions.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*models.Transaction, error) {
	s.mu.Lock()
	docs := make([][]byte, 0, len(s.docs))
	for _, doc := range s.docs {
		docs = append(docs, doc)
	}
	s.mu.Unlock()

	var out []*models.Transaction
	for _, doc := range docs {
		var tx models.Transaction
		if err := json.Unmarshal(doc, &tx); err != nil {
			return nil, err
		}
		if !tx.IsTerminal() {
			out = append(out, &tx)
		}
	}
	return out, nil
}

// RecordTransition updates the document, appends the transition and
// publishes the notification events.
func (s *MemoryStore) RecordTransition(ctx context.Context, tx *models.Transaction, from, to models.TransactionStatus, events []bus.Message) error {
	tx.Status = to
	tx.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.docs[tx.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.docs[tx.ID] = doc
	s.transitions = append(s.transitions, Transition{
		TransactionID: tx.ID,
		From:          from,
		To:            to,
		At:            time.Now().UTC(),
	})
	s.mu.Unlock()

	if s.publisher != nil {
		for _, event := range events {
			if err := s.publisher.Publish(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// AppendStepLog stores one audit entry.
func (s *MemoryStore) AppendStepLog(ctx context.Context, transactionID string, entry StepLogEntry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.mu.Lock()
	s.stepLogs[transactionID] = append(s.stepLogs[transactionID], entry)
	s.mu.Unlock()
	return nil
}

// Transitions returns the recorded transitions for a transaction, in order.
func (s *MemoryStore) Transitions(transactionID string) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, t := range s.transitions {
		if t.TransactionID == transactionID {
			out = append(out, t)
		}
	}
	return out
}

// StepLogs returns the audit entries for a transaction.
func (s *MemoryStore) StepLogs(transactionID string) []StepLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepLogEntry(nil), s.stepLogs[transactionID]...)
}
