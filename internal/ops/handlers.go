package ops

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"smartcabinet/internal/bus"
	"smartcabinet/internal/models"
	"smartcabinet/internal/repository"
)

// Handlers is the operator-facing API: a thin stand-in for the client
// service that creates transactions, plus status and manual recovery.
type Handlers struct {
	store     repository.TransactionStore
	publisher bus.Publisher
	logger    *zap.Logger
}

// NewHandlers builds handlers.
func NewHandlers(store repository.TransactionStore, publisher bus.Publisher, logger *zap.Logger) *Handlers {
	return &Handlers{store: store, publisher: publisher, logger: logger}
}

// Health responds ok.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createStepRequest struct {
	BinID string             `json:"bin_id"`
	Items []models.ItemDelta `json:"items"`
}

type createTransactionRequest struct {
	Type           string              `json:"type"`
	RequestingUser string              `json:"requesting_user"`
	ClusterID      string              `json:"cluster_id"`
	Steps          []createStepRequest `json:"steps"`
}

// CreateTransaction stores a new transaction and publishes its start event.
func (h *Handlers) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	txType := models.TransactionType(req.Type)
	switch txType {
	case models.TransactionIssue, models.TransactionReturn, models.TransactionReplenish:
	default:
		writeError(w, http.StatusBadRequest, "type must be issue, return or replenish")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "at least one step is required")
		return
	}

	steps := make([]models.Step, 0, len(req.Steps))
	for _, s := range req.Steps {
		if s.BinID == "" || len(s.Items) == 0 {
			writeError(w, http.StatusBadRequest, "each step needs a bin_id and items")
			return
		}
		for _, item := range s.Items {
			if item.ItemID == "" || item.Quantity <= 0 {
				writeError(w, http.StatusBadRequest, "item quantities must be positive")
				return
			}
		}
		steps = append(steps, models.Step{BinID: s.BinID, Planned: s.Items})
	}

	tx := models.NewTransaction(txType, req.RequestingUser, req.ClusterID, steps)
	if err := h.store.Create(r.Context(), tx); err != nil {
		h.logger.Error("create transaction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create transaction")
		return
	}

	if err := h.publisher.Publish(r.Context(), bus.ProcessStart{TransactionID: tx.ID}); err != nil {
		h.logger.Error("publish process start failed",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, tx)
}

// GetTransaction returns the stored document for ?id=.
func (h *Handlers) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	tx, err := h.store.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		h.logger.Error("load transaction failed", zap.String("transaction_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type forceNextStepRequest struct {
	TransactionID     string `json:"transaction_id"`
	IsNextRequestItem bool   `json:"is_next_request_item"`
}

// ForceNextStep publishes the operator override event.
func (h *Handlers) ForceNextStep(w http.ResponseWriter, r *http.Request) {
	var req forceNextStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	event := bus.ForceNextStep{
		TransactionID:     req.TransactionID,
		IsNextRequestItem: req.IsNextRequestItem,
	}
	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error("publish force next step failed",
			zap.String("transaction_id", req.TransactionID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to publish override")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
