package models

import (
	"time"
)

type PaymentDirection string

const (
	DirectionCollection   PaymentDirection = "collection"
	DirectionDisbursement PaymentDirection = "disbursement"
)

type PaymentPurpose string

const (
	PurposeSaccoDeposit    PaymentPurpose = "sacco_deposit"
	PurposeSaccoWithdrawal PaymentPurpose = "sacco_withdrawal"
	PurposeTicket          PaymentPurpose = "ticket"
	PurposeArtistPayout    PaymentPurpose = "artist_payout"
	PurposeCreditTopup     PaymentPurpose = "credit_topup"
	PurposeLoanRepayment   PaymentPurpose = "loan_repayment"
)

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentProviderSubmitted PaymentStatus = "provider_submitted"
	PaymentProviderPending   PaymentStatus = "provider_pending"
	PaymentProviderSucceeded PaymentStatus = "provider_succeeded"
	PaymentProviderFailed    PaymentStatus = "provider_failed"
	PaymentCompleted         PaymentStatus = "completed"
	PaymentFailed            PaymentStatus = "failed"
	PaymentCancelled         PaymentStatus = "cancelled"
)

// Failure reasons recorded on payment requests.
const (
	ReasonTimeout         = "timeout"
	ReasonProviderRejects = "provider_rejected"
	ReasonPayerCancelled  = "cancelled_by_payer"
	ReasonUserCancelled   = "cancelled_by_user"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentCreated: {
		PaymentProviderSubmitted,
		PaymentCancelled,
	},
	PaymentProviderSubmitted: {
		PaymentProviderPending,
		PaymentProviderSucceeded,
		PaymentProviderFailed,
		PaymentCancelled,
		PaymentFailed,
	},
	PaymentProviderPending: {
		PaymentProviderSucceeded,
		PaymentProviderFailed,
		PaymentFailed,
	},
	PaymentProviderSucceeded: {
		PaymentCompleted,
		PaymentFailed,
	},
	PaymentProviderFailed: {
		PaymentFailed,
	},
}

// CanTransition reports whether the payment state machine allows from -> to.
func CanTransition(from, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PaymentStatus) IsTerminal() bool {
	return len(paymentTransitions[s]) == 0
}

// Cancellable reports whether a local cancellation is still allowed.
func (s PaymentStatus) Cancellable() bool {
	return s == PaymentCreated || s == PaymentProviderSubmitted
}

// PaymentRequest is one attempt to move money through an external provider.
type PaymentRequest struct {
	ID                string           `json:"id" db:"id"`
	OwnerID           string           `json:"ownerId" db:"owner_id"`
	AccountID         string           `json:"accountId" db:"account_id"`
	Direction         PaymentDirection `json:"direction" db:"direction"`
	Purpose           PaymentPurpose   `json:"purpose" db:"purpose"`
	PurposeRef        string           `json:"purposeRef,omitempty" db:"purpose_ref"`
	Amount            int64            `json:"amount" db:"amount"`
	Currency          string           `json:"currency" db:"currency"`
	Provider          string           `json:"provider" db:"provider"`
	ProviderReference *string          `json:"providerReference,omitempty" db:"provider_reference"`
	Phone             string           `json:"phone" db:"phone"`
	Status            PaymentStatus    `json:"status" db:"status"`
	FailureReason     *string          `json:"failureReason,omitempty" db:"failure_reason"`
	IdempotencyKey    string           `json:"idempotencyKey" db:"idempotency_key"`
	NeedsReview       bool             `json:"needsReview" db:"needs_review"`
	LedgerEntryID     *string          `json:"ledgerEntryId,omitempty" db:"ledger_entry_id"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// EntryTypeFor returns the ledger entry type posted when the request completes.
func (p *PaymentRequest) EntryTypeFor() EntryType {
	if p.Direction == DirectionDisbursement {
		return EntryWithdrawal
	}
	return EntryDeposit
}

// SignedAmount is the ledger amount for this request's direction.
func (p *PaymentRequest) SignedAmount() int64 {
	if p.Direction == DirectionDisbursement {
		return -p.Amount
	}
	return p.Amount
}
