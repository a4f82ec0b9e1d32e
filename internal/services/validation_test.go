package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/sautimusic/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type TestStruct struct {
	Name   string `validate:"required,min=2"`
	Phone  string `validate:"required,e164"`
	Amount int64  `validate:"required,gte=500"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		valid := TestStruct{
			Name:   "Nakato Sarah",
			Phone:  "+256772123456",
			Amount: 5000,
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("invalid struct - missing required fields", func(t *testing.T) {
		invalid := TestStruct{
			Name: "J", // Too short
			// Phone missing
			Amount: 100, // Below minimum
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3) // Name, Phone, Amount errors
	})

	t.Run("invalid phone format", func(t *testing.T) {
		invalid := TestStruct{
			Name:   "Nakato Sarah",
			Phone:  "0772123456",
			Amount: 5000,
		}

		err := vh.ValidateStruct(&invalid)
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Phone", validationErrors[0].Field())
		assert.Equal(t, "e164", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()
		
		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		vh := NewValidationHelper()
		invalid := TestStruct{
			Name:   "J",
			Phone:  "0772123456",
			Amount: 100,
		}

		validationErr := vh.ValidateStruct(&invalid)
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.NotNil(t, response.Details)
		assert.Contains(t, response.Details, "Name")
		assert.Contains(t, response.Details, "Phone")
		assert.Contains(t, response.Details, "Amount")
	})

	t.Run("bad request error", func(t *testing.T) {
		w := httptest.NewRecorder()
		
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		
		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Invalid request", response.Error)
	})

	t.Run("unauthorized error", func(t *testing.T) {
		w := httptest.NewRecorder()
		
		SendErrorResponse(w, "Unauthorized access", http.StatusUnauthorized, nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		
		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Unauthorized access", response.Error)
	})
}

func TestNewValidationHelper(t *testing.T) {
	vh := NewValidationHelper()
	assert.NotNil(t, vh)
	assert.NotNil(t, vh.validator)
}

func TestErrorResponse_Structure(t *testing.T) {
	t.Run("error response structure", func(t *testing.T) {
		errorResp := ErrorResponse{
			Error: "Test error",
			Details: map[string]string{
				"field1": "validation error 1",
				"field2": "validation error 2",
			},
		}

		jsonData, err := json.Marshal(errorResp)
		assert.NoError(t, err)

		var unmarshaled ErrorResponse
		err = json.Unmarshal(jsonData, &unmarshaled)
		assert.NoError(t, err)
		assert.Equal(t, "Test error", unmarshaled.Error)
		assert.Equal(t, "validation error 1", unmarshaled.Details["field1"])
		assert.Equal(t, "validation error 2", unmarshaled.Details["field2"])
	})

	t.Run("error response without details", func(t *testing.T) {
		errorResp := ErrorResponse{
			Error: "Simple error",
		}

		jsonData, err := json.Marshal(errorResp)
		assert.NoError(t, err)

		var unmarshaled ErrorResponse
		err = json.Unmarshal(jsonData, &unmarshaled)
		assert.NoError(t, err)
		assert.Equal(t, "Simple error", unmarshaled.Error)
		assert.Nil(t, unmarshaled.Details)
	})
}
func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &models.ValidationError{Field: "amount", Message: "must be positive"}, http.StatusBadRequest},
		{"insufficient funds", &models.InsufficientFundsError{AccountID: "a1", Available: 20000, Required: 80000}, http.StatusUnprocessableEntity},
		{"wrapped limit", fmt.Errorf("convert: %w", &models.LimitExceededError{Limit: "daily conversion limit", LimitValue: 5000}), http.StatusUnprocessableEntity},
		{"not found", &models.NotFoundError{Resource: "payment request", ID: "p1"}, http.StatusNotFound},
		{"signature", &models.SignatureError{Provider: "mtn_momo", Reason: "mismatch"}, http.StatusUnauthorized},
		{"forbidden", &models.ForbiddenError{Action: "read account"}, http.StatusForbidden},
		{"conflict", &models.ConflictError{Message: "idempotency key reused"}, http.StatusConflict},
		{"external", &models.ExternalServiceError{Service: "airtel_money", Err: errors.New("timeout")}, http.StatusBadGateway},
		{"consistency", &models.ConsistencyError{PaymentID: "p1", Err: errors.New("db down")}, http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, zap.NewNop(), tt.err)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("limit message names the constraint", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, zap.NewNop(), &models.LimitExceededError{Limit: "daily conversion limit", LimitValue: 5000, Current: 4500})

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Error, "exceeds daily conversion limit of 5000")
	})

	t.Run("validator errors carry details", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, zap.NewNop(), NewValidationHelper().ValidateStruct(&TestStruct{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Details, "Phone")
	})
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Amount int64 `json:"amount"`
	}

	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"amount": 5000}`, true},
		{"unknown field", `{"amount": 5000, "extra": true}`, false},
		{"two objects", `{"amount": 1}{"amount": 2}`, false},
		{"malformed", `{"amount":`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))

			var p payload
			assert.Equal(t, tt.ok, DecodeJSONBody(w, r, &p))
			if !tt.ok {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			}
		})
	}
}
