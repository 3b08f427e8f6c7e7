/**
 * @description
 * This file contains the HTTP handlers for the transaction-service's API endpoints.
 * Handlers parse incoming requests, call the orchestrator and translate its
 * errors into HTTP status codes. They act as the bridge between the web layer
 * and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: Request outcome logging.
 * - internal/app, internal/domain: For service logic, models, and error sentinels.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banking/transaction-service/internal/app"
	"github.com/banking/transaction-service/internal/domain"
	"github.com/banking/transaction-service/pkg/logging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const idempotencyKeyHeader = "Idempotency-Key"

// TransactionService is the orchestrator surface used by the handlers.
type TransactionService interface {
	CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest, idempotencyKey string) (*app.TransactionResult, error)
	GetTransaction(ctx context.Context, id int64) (*domain.TransactionRecord, error)
	ListTransactions(ctx context.Context, opts domain.TransactionListOptions) ([]domain.TransactionRecord, error)
	DeleteTransaction(ctx context.Context, id int64) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*domain.TransferAttempt, error)
	Reconcile(ctx context.Context, staleAfter time.Duration, limit int) (app.ReconcileReport, error)
}

// TransactionHandlers holds the application service that handlers will use.
type TransactionHandlers struct {
	service             TransactionService
	reconcileStaleAfter time.Duration
	logger              *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// partialFailureResponse tells the caller that money moved without a ledger
// record. The attempt id is the handle for reconciliation.
type partialFailureResponse struct {
	Error          string `json:"error"`
	AttemptID      string `json:"attempt_id"`
	SourceDebited  bool   `json:"source_debited"`
	TargetCredited bool   `json:"target_credited"`
}

// NewTransactionHandlers creates a new instance of TransactionHandlers.
func NewTransactionHandlers(service TransactionService, reconcileStaleAfter time.Duration, logger *zap.Logger) *TransactionHandlers {
	return &TransactionHandlers{
		service:             service,
		reconcileStaleAfter: reconcileStaleAfter,
		logger:              logging.Component(logger, "api"),
	}
}

// CreateTransactionHandler executes a deposit, withdrawal or transfer.
func (h *TransactionHandlers) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("rejecting transaction request", zap.String("reason", "invalid_json"), zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	result, err := h.service.CreateTransaction(r.Context(), req, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, "create_transaction", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result.Record)
}

// GetTransactionHandler returns a single ledger record.
func (h *TransactionHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}
	record, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

// ListTransactionsHandler returns ledger records, optionally for one account.
func (h *TransactionHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	skip, err := parseOptionalPositiveInt(query.Get("skip"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid skip")
		return
	}
	limit, err := parseOptionalPositiveInt(query.Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	opts := domain.TransactionListOptions{Offset: skip, Limit: limit}
	if raw := strings.TrimSpace(query.Get("account_id")); raw != "" {
		accountID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || accountID <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid account_id")
			return
		}
		opts.AccountID = &accountID
	}

	records, err := h.service.ListTransactions(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// DeleteTransactionHandler removes a ledger record. Balances are not reverted.
func (h *TransactionHandlers) DeleteTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteTransaction(r.Context(), id); err != nil {
		h.writeServiceError(w, "delete_transaction", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReconcileHandler runs one reconciliation pass on demand.
func (h *TransactionHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	staleAfterSeconds, err := parseOptionalPositiveInt(query.Get("stale_after_seconds"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid stale_after_seconds")
		return
	}
	limit, err := parseOptionalPositiveInt(query.Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	staleAfter := h.reconcileStaleAfter
	if staleAfterSeconds > 0 {
		staleAfter = time.Duration(staleAfterSeconds) * time.Second
	}

	report, err := h.service.Reconcile(r.Context(), staleAfter, limit)
	if err != nil {
		h.writeServiceError(w, "reconcile", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// GetAttemptHandler returns a transfer journal entry.
func (h *TransactionHandlers) GetAttemptHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid attempt ID")
		return
	}
	attempt, err := h.service.GetAttempt(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get_attempt", err)
		return
	}
	h.writeJSON(w, http.StatusOK, attempt)
}

func (h *TransactionHandlers) transactionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return 0, false
	}
	return id, true
}

func (h *TransactionHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var partial *app.PartialFailureError
	if errors.As(err, &partial) {
		h.logger.Error("request ended in partial failure",
			zap.String("endpoint", endpoint),
			zap.String("attempt_id", partial.AttemptID.String()),
			zap.Error(err),
		)
		h.writeJSON(w, http.StatusInternalServerError, partialFailureResponse{
			Error:          "Transaction partially applied; it will be reconciled.",
			AttemptID:      partial.AttemptID.String(),
			SourceDebited:  partial.SourceDebited,
			TargetCredited: partial.TargetCredited,
		})
		return
	}

	var limited *app.RateLimitError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
	}

	status, message := mapTransactionError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Info("request rejected", zap.String("endpoint", endpoint), zap.Int("status", status), zap.Error(err))
	}
	h.writeError(w, status, message)
}

func mapTransactionError(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrCompensated):
		return http.StatusConflict, "Transfer could not be completed; the source account was re-credited."
	case errors.Is(err, app.ErrTargetNotFound):
		return http.StatusNotFound, "Target account not found."
	case errors.Is(err, app.ErrAccountNotFound):
		return http.StatusNotFound, "Account not found."
	case errors.Is(err, app.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found."
	case errors.Is(err, app.ErrAttemptNotFound):
		return http.StatusNotFound, "Transfer attempt not found."
	case errors.Is(err, app.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds."
	case errors.Is(err, app.ErrBalanceConflict):
		return http.StatusConflict, "Account balance changed concurrently; please retry."
	case errors.Is(err, app.ErrRequestInProgress):
		return http.StatusConflict, "A request with this idempotency key is still in progress."
	case errors.Is(err, app.ErrIdempotencyKeyMismatch):
		return http.StatusConflict, "Idempotency key was already used for a different request."
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests, "Too many transactions for this account."
	case errors.Is(err, app.ErrAccountUnavailable):
		return http.StatusServiceUnavailable, "Account service unavailable; please retry."
	case errors.Is(err, app.ErrCanceled):
		return http.StatusRequestTimeout, "Request canceled before any balance was changed."
	default:
		return http.StatusInternalServerError, "Could not process transaction request."
	}
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *TransactionHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransactionHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
