package models

// ProviderStatus is the canonical outcome vocabulary every provider status
// is mapped onto.
type ProviderStatus string

const (
	ProviderStatusCompleted ProviderStatus = "completed"
	ProviderStatusFailed    ProviderStatus = "failed"
	ProviderStatusPending   ProviderStatus = "pending"
	ProviderStatusCancelled ProviderStatus = "cancelled"
	// ProviderStatusExpired means the provider reports the transaction as
	// expired or timed out, or a status poll found no record of it.
	ProviderStatusExpired ProviderStatus = "expired"
)

// ProviderEvent is a provider callback or poll result after normalisation.
type ProviderEvent struct {
	Provider          string         `json:"provider"`
	ClientReference   string         `json:"clientReference"` // our payment request ID
	ProviderReference string         `json:"providerReference,omitempty"`
	Status            ProviderStatus `json:"status"`
	RawStatus         string         `json:"rawStatus"`
	FailureReason     string         `json:"failureReason,omitempty"`
}

// Terminal reports whether the event settles the payment one way or the other.
func (e *ProviderEvent) Terminal() bool {
	switch e.Status {
	case ProviderStatusCompleted, ProviderStatusFailed, ProviderStatusCancelled, ProviderStatusExpired:
		return true
	}
	return false
}
