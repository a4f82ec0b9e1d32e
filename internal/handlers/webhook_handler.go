package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/services"
	"go.uber.org/zap"
)

const maxWebhookBytes = 256 << 10

// WebhookProcessor authenticates and applies one provider callback.
type WebhookProcessor interface {
	Process(ctx context.Context, provider, signature string, body []byte) (services.WebhookOutcome, error)
	SignatureHeader(provider string) string
}

type WebhookHandler struct {
	reconciler WebhookProcessor
	logger     *zap.Logger
}

func NewWebhookHandler(reconciler WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, logger: logger}
}

// Receive handles POST /webhooks/{provider}. The raw body is passed through
// untouched because the signature covers its exact bytes.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	signature := r.Header.Get(h.reconciler.SignatureHeader(provider))
	outcome, err := h.reconciler.Process(r.Context(), provider, signature, body)
	if err != nil {
		switch models.KindOf(err) {
		case models.KindUnauthorized:
			services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		case models.KindValidation:
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		default:
			// Anything else is transient; a 5xx makes the provider redeliver.
			h.logger.Error("webhook processing failed", zap.String("provider", provider), zap.Error(err))
			services.SendErrorResponse(w, "Temporary failure, retry later", http.StatusInternalServerError, nil)
		}
		return
	}

	status := http.StatusAccepted
	if outcome == services.WebhookIgnored {
		status = http.StatusOK
	}
	services.WriteJSON(w, status, map[string]string{"status": string(outcome)})
}
