package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sautimusic/backend/internal/models"
	"go.uber.org/zap"
)

const maxBodyBytes = 1_048_576 // 1 MB

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var fieldErrs validator.ValidationErrors
	if validationErr != nil && errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// DecodeJSONBody decodes exactly one JSON object from the request body into
// dst, rejecting unknown fields and bodies over 1 MB. On failure it has
// already written a 400 response.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}

// HandleServiceError maps a service error onto an HTTP status using its kind.
func HandleServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	switch models.KindOf(err) {
	case models.KindValidation:
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case models.KindBusiness:
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case models.KindNotFound:
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case models.KindUnauthorized:
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
	case models.KindForbidden:
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case models.KindConflict:
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case models.KindExternal:
		logger.Warn("external service error", zap.Error(err))
		SendErrorResponse(w, "Payment provider unavailable, please retry", http.StatusBadGateway, nil)
	case models.KindConsistency:
		logger.Error("consistency fault", zap.Error(err))
		SendErrorResponse(w, "Payment received but not yet credited; operator reconciliation pending", http.StatusInternalServerError, nil)
	default:
		logger.Error("internal error", zap.Error(err))
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
