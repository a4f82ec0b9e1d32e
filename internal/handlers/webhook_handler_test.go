package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestWebhookHandler_Receive(t *testing.T) {
	body := `{"externalId":"pay-1","status":"SUCCESSFUL"}`

	tests := []struct {
		name       string
		provider   string
		outcome    services.WebhookOutcome
		err        error
		wantStatus int
		wantBody   string
	}{
		{"processed", "mtn_momo", services.WebhookProcessed, nil, http.StatusAccepted, `{"status":"processed"}`},
		{"unknown reference", "mtn_momo", services.WebhookNotFound, nil, http.StatusAccepted, `{"status":"not_found"}`},
		{"unknown provider", "mpesa", services.WebhookIgnored, nil, http.StatusOK, `{"status":"ignored"}`},
		{
			"bad signature", "mtn_momo", "",
			&models.SignatureError{Provider: "mtn_momo", Reason: "signature mismatch"},
			http.StatusUnauthorized, `{"error":"Invalid signature"}`,
		},
		{
			"malformed body", "mtn_momo", "",
			&models.ValidationError{Field: "externalId", Message: "is required"},
			http.StatusBadRequest, "",
		},
		{"database down", "mtn_momo", "", errors.New("connection reset"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			f.webhooks.On("Process", mock.Anything, tt.provider, "sha256=abc", []byte(body)).
				Return(tt.outcome, tt.err).Once()

			req := httptest.NewRequest(http.MethodPost, "/webhooks/"+tt.provider, strings.NewReader(body))
			req.Header.Set("X-Signature", "sha256=abc")
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
			f.webhooks.AssertExpectations(t)
		})
	}
}

func TestWebhookHandler_NoBearerTokenNeeded(t *testing.T) {
	f := newAPIFixture(t)
	f.webhooks.On("Process", mock.Anything, "flutterwave", "", []byte(`{}`)).
		Return(services.WebhookOutcome(""), &models.SignatureError{Provider: "flutterwave", Reason: "missing signature"})

	rec := f.do(t, http.MethodPost, "/webhooks/flutterwave", "", `{}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	f.webhooks.AssertExpectations(t)
}
