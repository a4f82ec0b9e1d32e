package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sautimusic/backend/internal/middleware"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/services"
	"go.uber.org/zap"
)

// LedgerAPI is the read side of the ledger plus the operator actions.
type LedgerAPI interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	ReverseEntry(ctx context.Context, entryID, reason string) (*models.LedgerEntry, error)
	ReconcileAccount(ctx context.Context, accountID string) (*models.Reconciliation, error)
}

type AccountHandler struct {
	ledger LedgerAPI
	logger *zap.Logger
}

func NewAccountHandler(ledger LedgerAPI, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{ledger: ledger, logger: logger}
}

// Balance returns the running and available balance of an account the caller owns.
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	services.WriteJSON(w, http.StatusOK, map[string]any{
		"accountId": account.ID,
		"currency":  account.Currency,
		"balance":   account.Balance,
		"held":      account.Held,
		"available": account.Available(),
		"status":    account.Status,
	})
}

// Entries returns the account statement, newest first.
func (h *AccountHandler) Entries(w http.ResponseWriter, r *http.Request) {
	account, ok := h.ownedAccount(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.ListEntries(r.Context(), account.ID, limit)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *AccountHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		services.SendErrorResponse(w, "reason is required", http.StatusBadRequest, nil)
		return
	}

	entry, err := h.ledger.ReverseEntry(r.Context(), chi.URLParam(r, "entryId"), req.Reason)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusCreated, entry)
}

func (h *AccountHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.ReconcileAccount(r.Context(), chi.URLParam(r, "accountId"))
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	if !rec.Balanced {
		h.logger.Error("account out of balance",
			zap.String("account_id", rec.AccountID),
			zap.Int64("running_balance", rec.RunningBalance),
			zap.Int64("entry_sum", rec.EntrySum),
		)
	}
	services.WriteJSON(w, http.StatusOK, rec)
}

// ownedAccount loads the path account and hides it from anyone but its
// owner or an admin.
func (h *AccountHandler) ownedAccount(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	accountID := chi.URLParam(r, "accountId")
	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return nil, false
	}
	if account.OwnerID != middleware.UserIDFromContext(r.Context()) && middleware.RoleFromContext(r.Context()) != middleware.RoleAdmin {
		services.HandleServiceError(w, h.logger, &models.NotFoundError{Resource: "account", ID: accountID})
		return nil, false
	}
	return account, true
}
