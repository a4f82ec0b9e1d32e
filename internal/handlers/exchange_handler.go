package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sautimusic/backend/internal/middleware"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/services"
	"go.uber.org/zap"
)

type ExchangeAPI interface {
	Quote(credits int64) (*models.ConversionQuote, error)
	ConvertCredits(ctx context.Context, userID string, req services.ConvertCreditsRequest) (*models.CreditConversion, error)
	ListConversions(ctx context.Context, userID string, limit int) ([]models.CreditConversion, error)
}

type ExchangeHandler struct {
	exchange ExchangeAPI
	logger   *zap.Logger
}

func NewExchangeHandler(exchange ExchangeAPI, logger *zap.Logger) *ExchangeHandler {
	return &ExchangeHandler{exchange: exchange, logger: logger}
}

func (h *ExchangeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits int64 `json:"credits"`
	}
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}

	quote, err := h.exchange.Quote(req.Credits)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, quote)
}

func (h *ExchangeHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var req services.ConvertCreditsRequest
	if !services.DecodeJSONBody(w, r, &req) {
		return
	}

	conv, err := h.exchange.ConvertCredits(r.Context(), middleware.UserIDFromContext(r.Context()), req)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusCreated, conv)
}

func (h *ExchangeHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convs, err := h.exchange.ListConversions(r.Context(), middleware.UserIDFromContext(r.Context()), limit)
	if err != nil {
		services.HandleServiceError(w, h.logger, err)
		return
	}
	services.WriteJSON(w, http.StatusOK, map[string]any{"conversions": convs})
}
