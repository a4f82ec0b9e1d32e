package models

import (
	"time"
)

type AccountKind string

const (
	AccountSaccoSavings   AccountKind = "sacco_savings"
	AccountArtistWallet   AccountKind = "artist_wallet"
	AccountPlatformCredit AccountKind = "platform_credit"
	AccountSaccoLoan      AccountKind = "sacco_loan"
	AccountSystem         AccountKind = "system"
)

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusFrozen AccountStatus = "frozen"
	AccountStatusClosed AccountStatus = "closed"
)

// Account is a balance-holding entity. Balance and Held are maintained by the
// ledger only; Balance always equals the sum of completed entries.
type Account struct {
	ID         string        `json:"id" db:"id"`
	OwnerID    string        `json:"ownerId" db:"owner_id"`
	Kind       AccountKind   `json:"kind" db:"kind"`
	Currency   string        `json:"currency" db:"currency"`
	Balance    int64         `json:"balance" db:"balance"`
	Held       int64         `json:"held" db:"held"`
	MinBalance int64         `json:"minBalance" db:"min_balance"`
	Status     AccountStatus `json:"status" db:"status"`
	Version    int           `json:"-" db:"version"` // for optimistic locking
	CreatedAt  time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time     `json:"updatedAt" db:"updated_at"`
}

// Available is the balance not reserved by pending holds.
func (a *Account) Available() int64 {
	return a.Balance - a.Held
}

type EntryType string

const (
	EntryDeposit          EntryType = "deposit"
	EntryWithdrawal       EntryType = "withdrawal"
	EntryFee              EntryType = "fee"
	EntryInterest         EntryType = "interest"
	EntryTransferIn       EntryType = "transfer_in"
	EntryTransferOut      EntryType = "transfer_out"
	EntryLoanDisbursement EntryType = "loan_disbursement"
	EntryLoanRepayment    EntryType = "loan_repayment"
	EntryReversal         EntryType = "reversal"
)

// RespectsFloor reports whether a debit of this type must keep the account at
// or above its minimum balance rather than just at or above zero.
func (t EntryType) RespectsFloor() bool {
	return t == EntryWithdrawal || t == EntryTransferOut
}

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryReversed  EntryStatus = "reversed"
)

// LedgerEntry is an immutable record of one balance change. A pending entry is
// a funds hold; BalanceBefore/BalanceAfter are only meaningful once completed.
type LedgerEntry struct {
	ID             string      `json:"id" db:"id"`
	AccountID      string      `json:"accountId" db:"account_id"`
	Amount         int64       `json:"amount" db:"amount"` // signed
	EntryType      EntryType   `json:"entryType" db:"entry_type"`
	BalanceBefore  int64       `json:"balanceBefore" db:"balance_before"`
	BalanceAfter   int64       `json:"balanceAfter" db:"balance_after"`
	CorrelationRef string      `json:"correlationRef" db:"correlation_ref"`
	IdempotencyKey string      `json:"idempotencyKey" db:"idempotency_key"`
	Status         EntryStatus `json:"status" db:"status"`
	ReversedBy     *string     `json:"reversedBy,omitempty" db:"reversed_by"`
	Description    string      `json:"description,omitempty" db:"description"`
	CreatedAt      time.Time   `json:"createdAt" db:"created_at"`

	// Replayed is set when the entry was returned for a duplicate idempotency key.
	Replayed bool `json:"replayed,omitempty" db:"-"`
}

// Reconciliation compares the maintained running balance against a re-sum of
// completed entries.
type Reconciliation struct {
	AccountID      string `json:"accountId"`
	RunningBalance int64  `json:"runningBalance"`
	EntrySum       int64  `json:"entrySum"`
	EntryCount     int64  `json:"entryCount"`
	Balanced       bool   `json:"balanced"`
}
