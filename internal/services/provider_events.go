package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sautimusic/backend/internal/models"
)

// providerCallback is implemented by each provider's callback payload. Each
// variant knows its own field names and status vocabulary.
type providerCallback interface {
	normalize() (models.ProviderEvent, error)
}

// callbackDecoders maps a provider name to a constructor for its payload type.
var callbackDecoders = map[string]func() providerCallback{
	"mtn_momo":     func() providerCallback { return &mtnCallback{} },
	"airtel_money": func() providerCallback { return &airtelCallback{} },
	"flutterwave":  func() providerCallback { return &flutterwaveCallback{} },
}

// SupportedProvider reports whether callbacks from provider can be parsed.
func SupportedProvider(provider string) bool {
	_, ok := callbackDecoders[provider]
	return ok
}

// ParseProviderEvent decodes a raw callback body into a canonical event.
// Unrecognised status values map to pending; the caller logs them.
func ParseProviderEvent(provider string, body []byte) (*models.ProviderEvent, bool, error) {
	newPayload, ok := callbackDecoders[provider]
	if !ok {
		return nil, false, &models.ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", provider)}
	}

	payload := newPayload()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(payload); err != nil {
		return nil, false, &models.ValidationError{Field: "body", Message: "malformed callback payload"}
	}

	event, err := payload.normalize()
	if err != nil {
		return nil, false, err
	}
	event.Provider = provider

	recognized := event.Status != models.ProviderStatusPending || isPendingVocabulary(provider, event.RawStatus)
	return &event, recognized, nil
}

// mtnCallback is the MTN MoMo request-to-pay / transfer callback.
type mtnCallback struct {
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	ReferenceID            string `json:"referenceId"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason"`
}

func (c *mtnCallback) normalize() (models.ProviderEvent, error) {
	if c.ExternalID == "" && c.ReferenceID == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "externalId", Message: "is required"}
	}
	if c.Status == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "status", Message: "is required"}
	}

	ref := c.FinancialTransactionID
	if ref == "" {
		ref = c.ReferenceID
	}
	return models.ProviderEvent{
		ClientReference:   firstNonEmpty(c.ExternalID, c.ReferenceID),
		ProviderReference: ref,
		Status:            mapMTNStatus(c.Status),
		RawStatus:         c.Status,
		FailureReason:     reasonString(c.Reason),
	}, nil
}

func mapMTNStatus(s string) models.ProviderStatus {
	switch strings.ToUpper(s) {
	case "SUCCESSFUL", "SUCCESS":
		return models.ProviderStatusCompleted
	case "FAILED", "REJECTED":
		return models.ProviderStatusFailed
	case "CANCELLED":
		return models.ProviderStatusCancelled
	case "EXPIRED", "TIMEOUT":
		return models.ProviderStatusExpired
	default:
		return models.ProviderStatusPending
	}
}

// airtelCallback is the Airtel Money transaction notification.
type airtelCallback struct {
	Transaction struct {
		ID            string `json:"id"`
		AirtelMoneyID string `json:"airtel_money_id"`
		StatusCode    string `json:"status_code"`
		Message       string `json:"message"`
	} `json:"transaction"`
}

func (c *airtelCallback) normalize() (models.ProviderEvent, error) {
	tx := c.Transaction
	if tx.ID == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "transaction.id", Message: "is required"}
	}
	if tx.StatusCode == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "transaction.status_code", Message: "is required"}
	}

	event := models.ProviderEvent{
		ClientReference:   tx.ID,
		ProviderReference: tx.AirtelMoneyID,
		Status:            mapAirtelStatus(tx.StatusCode),
		RawStatus:         tx.StatusCode,
	}
	if event.Status != models.ProviderStatusCompleted {
		event.FailureReason = tx.Message
	}
	return event, nil
}

func mapAirtelStatus(s string) models.ProviderStatus {
	switch strings.ToUpper(s) {
	case "TS":
		return models.ProviderStatusCompleted
	case "TF":
		return models.ProviderStatusFailed
	case "TC":
		return models.ProviderStatusCancelled
	case "TE":
		return models.ProviderStatusExpired
	default:
		// TA (ambiguous) and TIP (in progress) stay pending.
		return models.ProviderStatusPending
	}
}

// flutterwaveCallback is the Flutterwave charge/transfer webhook.
type flutterwaveCallback struct {
	Event string `json:"event"`
	Data  struct {
		ID                json.Number `json:"id"`
		TxRef             string      `json:"tx_ref"`
		Reference         string      `json:"reference"`
		FlwRef            string      `json:"flw_ref"`
		Status            string      `json:"status"`
		ProcessorResponse string      `json:"processor_response"`
		CompleteMessage   string      `json:"complete_message"`
	} `json:"data"`
}

func (c *flutterwaveCallback) normalize() (models.ProviderEvent, error) {
	d := c.Data
	clientRef := firstNonEmpty(d.TxRef, d.Reference)
	if clientRef == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "data.tx_ref", Message: "is required"}
	}
	if d.Status == "" {
		return models.ProviderEvent{}, &models.ValidationError{Field: "data.status", Message: "is required"}
	}

	event := models.ProviderEvent{
		ClientReference:   clientRef,
		ProviderReference: firstNonEmpty(d.FlwRef, d.ID.String()),
		Status:            mapFlutterwaveStatus(d.Status),
		RawStatus:         d.Status,
	}
	if event.Status != models.ProviderStatusCompleted {
		event.FailureReason = firstNonEmpty(d.ProcessorResponse, d.CompleteMessage)
	}
	return event, nil
}

func mapFlutterwaveStatus(s string) models.ProviderStatus {
	switch strings.ToLower(s) {
	case "successful", "success":
		return models.ProviderStatusCompleted
	case "failed":
		return models.ProviderStatusFailed
	case "cancelled":
		return models.ProviderStatusCancelled
	default:
		return models.ProviderStatusPending
	}
}

// isPendingVocabulary reports whether raw is a status the provider uses to
// mean "still in flight", as opposed to a value we do not know.
func isPendingVocabulary(provider, raw string) bool {
	switch provider {
	case "mtn_momo":
		return strings.EqualFold(raw, "PENDING")
	case "airtel_money":
		return strings.EqualFold(raw, "TIP") || strings.EqualFold(raw, "TA")
	case "flutterwave":
		return strings.EqualFold(raw, "pending")
	}
	return false
}

func reasonString(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case map[string]any:
		if msg, ok := r["message"].(string); ok {
			return msg
		}
		if code, ok := r["code"].(string); ok {
			return code
		}
	}
	return fmt.Sprint(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
