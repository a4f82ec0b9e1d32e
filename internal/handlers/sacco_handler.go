package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sautimusic/backend/internal/middleware"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/services"
	"go.uber.org/zap"
)

// SaccoAPI covers member loan operations and the admin approval flow.
type SaccoAPI interface {
	ComputeLoanLimit(ctx context.Context, memberID string) (int64, error)
	ApplyForLoan(ctx context.Context, memberID string, app services.LoanApplication) (*models.Loan, error)
	GetLoan(ctx context.Context, loanID string) (*models.Loan, error)
	ApplyRepayment(ctx context.Context, loanID string, amount int64, idempotencyKey string) (*models.Loan, error)
	RepaymentSchedule(ctx context.Context, loanID string) ([]models.Installment, error)
	ApproveLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error)
	RejectLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error)
	DisburseLoan(ctx context.Context, loanID string) (*models.Loan, error)
}

type SaccoHandler struct {
	sacco     SaccoAPI
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewSaccoHandler(sacco SaccoAPI, logger *zap.Logger) *SaccoHandler {
	return &SaccoHandler{
		sacco:     sacco,
		validator: services.NewValidationHelper(),
		logger:    logger,
	}
}

func (h *SaccoHandler) LoanLimit(w http.ResponseWriter, r *http.Request) {
	memberID := middleware.UserIDFromContext(r.Context())

	limit, err := h.sacco.ComputeLoanLimit(r.Context(), memberID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"memberId": memberID, "loanLimit": limit})
}

func (h *SaccoHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var app services.LoanApplication
	if !services.DecodeJSONBody(w, r, &app) {
		return
	}

	loan, err := h.sacco.ApplyForLoan(r.Context(), middleware.UserIDFromContext(r.Context()), app)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusCreated, loan)
}

// Repay applies a repayment from the member's savings.
func (h *SaccoHandler) Repay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		IdempotencyKey string `json:"idempotencyKey" validate:"required,max=128"`
	}
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, ok := h.memberLoan(w, r)
	if !ok {
		return
	}

	updated, err := h.sacco.ApplyRepayment(r.Context(), loan.ID, req.Amount, req.IdempotencyKey)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, updated)
}

func (h *SaccoHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	loan, ok := h.memberLoan(w, r)
	if !ok {
		return
	}

	schedule, err := h.sacco.RepaymentSchedule(r.Context(), loan.ID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"loanId": loan.ID, "installments": schedule})
}

func (h *SaccoHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, func(ctx context.Context, loanID, adminID string) (*models.Loan, error) {
		return h.sacco.ApproveLoan(ctx, loanID, adminID)
	})
}

func (h *SaccoHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, func(ctx context.Context, loanID, adminID string) (*models.Loan, error) {
		return h.sacco.RejectLoan(ctx, loanID, adminID)
	})
}

func (h *SaccoHandler) Disburse(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, func(ctx context.Context, loanID, _ string) (*models.Loan, error) {
		return h.sacco.DisburseLoan(ctx, loanID)
	})
}

func (h *SaccoHandler) adminAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, loanID, adminID string) (*models.Loan, error)) {
	loan, err := fn(r.Context(), chi.URLParam(r, "loanId"), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, loan)
}

func (h *SaccoHandler) memberLoan(w http.ResponseWriter, r *http.Request) (*models.Loan, bool) {
	loanID := chi.URLParam(r, "loanId")
	loan, err := h.sacco.GetLoan(r.Context(), loanID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return nil, false
	}
	if loan.MemberID != middleware.UserIDFromContext(r.Context()) {
		services.HandleServiceError(w, h.logger, &models.NotFoundError{Resource: "loan", ID: loanID})
		return nil, false
	}
	return loan, true
}
