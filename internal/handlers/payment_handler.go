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

// PaymentAPI is the part of the payment service exposed over HTTP.
type PaymentAPI interface {
	Initiate(ctx context.Context, ownerID string, req services.CreatePaymentRequest) (*models.PaymentRequest, error)
	GetForOwner(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error)
	History(ctx context.Context, paymentID string) ([]models.PaymentEvent, error)
	Cancel(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error)
	FailFlagged(ctx context.Context, paymentID, reason string) (*models.PaymentRequest, error)
}

type PaymentHandler struct {
	payments PaymentAPI
	logger   *zap.Logger
}

func NewPaymentHandler(payments PaymentAPI, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// Create starts a collection or disbursement and submits it to the provider.
// A repeated idempotency key returns the existing request.
func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req services.CreatePaymentRequest
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}

	p, err := h.payments.Initiate(r.Context(), userID, req)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}

	services.WriteJSON(w, http.StatusCreated, p)
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	p, err := h.payments.GetForOwner(r.Context(), chi.URLParam(r, "paymentId"), userID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}

	resp := map[string]any{"payment": p}
	if r.URL.Query().Get("history") == "true" {
		events, err := h.payments.History(r.Context(), p.ID)
		if err != nil {
			services.HandleServiceError(w, h.logger, err)
			return
		}
		resp["history"] = events
	}
	services.WriteJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	p, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "paymentId"), userID)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, p)
}

// Fail closes a flagged provider_succeeded request. Admin only.
func (h *PaymentHandler) Fail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}

	p, err := h.payments.FailFlagged(r.Context(), chi.URLParam(r, "paymentId"), req.Reason)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, p)
}
