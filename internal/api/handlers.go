/**
 * @description
 * This file contains the HTTP handlers for the ledger service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and mapping engine errors to
 * HTTP status codes. They act as the bridge between the web layer and the
 * business logic layer.
 *
 * Idempotency note: a replayed transfer returns 200 with `replayed: true`,
 * while a freshly settled transfer returns 201. Clients that omit request_id
 * get one minted per attempt and lose replay protection.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/google/uuid: Request id minting.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jsp-KW/openbanking/internal/app"
	"github.com/jsp-KW/openbanking/internal/domain"
	"github.com/jsp-KW/openbanking/internal/store"
)

const defaultLedgerPageSize = 50

// TransferService is the slice of the transfer engine the handlers use.
type TransferService interface {
	ResolveCaller(ctx context.Context, email string) (*domain.User, error)
	ExecuteTransfer(ctx context.Context, caller *domain.User, req domain.TransferRequest) (*domain.TransferResult, error)
	ListLedger(ctx context.Context, caller *domain.User, accountID int64, limit int) ([]domain.LedgerEntry, error)
}

// ScheduledTransferService is the slice of the processor the handlers use.
type ScheduledTransferService interface {
	Register(ctx context.Context, caller *domain.User, req domain.ScheduledTransferRequest) (*domain.ScheduledTransfer, error)
	List(ctx context.Context, caller *domain.User) ([]domain.ScheduledTransfer, error)
}

// LedgerHandlers holds the application services that handlers will use.
type LedgerHandlers struct {
	transfers TransferService
	scheduled ScheduledTransferService
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(transfers TransferService, scheduled ScheduledTransferService) *LedgerHandlers {
	return &LedgerHandlers{transfers: transfers, scheduled: scheduled}
}

// TransferHandler handles requests to execute a funds transfer.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// Without a client-supplied request id every attempt is distinct; mint
	// one so the store constraint always has a key to hold.
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	result, err := h.transfers.ExecuteTransfer(r.Context(), caller, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=failed user_id=%d request_id=%s err=%v", caller.ID, req.RequestID, err)
		h.writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// RegisterScheduledTransferHandler handles requests to register a future-dated transfer.
func (h *LedgerHandlers) RegisterScheduledTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	var req domain.ScheduledTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=scheduled_transfer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	st, err := h.scheduled.Register(r.Context(), caller, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=scheduled_transfer outcome=failed user_id=%d err=%v", caller.ID, err)
		h.writeEngineError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, st)
}

// ListScheduledTransfersHandler returns the caller's scheduled transfers.
func (h *LedgerHandlers) ListScheduledTransfersHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	items, err := h.scheduled.List(r.Context(), caller)
	if err != nil {
		log.Printf("level=error component=api endpoint=scheduled_transfer_list user_id=%d err=%v", caller.ID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list scheduled transfers")
		return
	}
	if items == nil {
		items = []domain.ScheduledTransfer{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

// LedgerHandler returns recent ledger entries for a caller-owned account.
func (h *LedgerHandlers) LedgerHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.resolveCaller(w, r)
	if !ok {
		return
	}

	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}

	limit := defaultLedgerPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := h.transfers.ListLedger(r.Context(), caller, accountID, limit)
	if err != nil {
		log.Printf("level=warn component=api endpoint=ledger outcome=failed user_id=%d account_id=%d err=%v", caller.ID, accountID, err)
		h.writeEngineError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *LedgerHandlers) resolveCaller(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	email, ok := CallerEmail(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get caller from context")
		return nil, false
	}

	caller, err := h.transfers.ResolveCaller(r.Context(), email)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=user_resolution_failed email=%s err=%v", email, err)
		h.writeError(w, http.StatusUnauthorized, "Unknown caller")
		return nil, false
	}
	return caller, true
}

// writeEngineError maps engine and store sentinels to HTTP status codes.
func (h *LedgerHandlers) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrSameAccount),
		errors.Is(err, app.ErrScheduledInPast):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrNotOwner),
		errors.Is(err, app.ErrBadCredential):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrAccountNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrLockTimeout),
		errors.Is(err, store.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
