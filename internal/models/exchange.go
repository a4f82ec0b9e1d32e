package models

import (
	"time"
)

// ConversionQuote is the computed outcome of converting platform credits.
type ConversionQuote struct {
	Credits    int64 `json:"credits"`
	CashAmount int64 `json:"cashAmount"`
	Fee        int64 `json:"fee"`
	NetAmount  int64 `json:"netAmount"`
}

// CreditConversion records one committed credit-to-cash conversion.
type CreditConversion struct {
	ID               string    `json:"id" db:"id"`
	UserID           string    `json:"userId" db:"user_id"`
	CreditAccountID  string    `json:"creditAccountId" db:"credit_account_id"`
	SavingsAccountID string    `json:"savingsAccountId" db:"savings_account_id"`
	Credits          int64     `json:"credits" db:"credits"`
	CashAmount       int64     `json:"cashAmount" db:"cash_amount"`
	Fee              int64     `json:"fee" db:"fee"`
	NetAmount        int64     `json:"netAmount" db:"net_amount"`
	Rate             string    `json:"rate" db:"rate"`
	IdempotencyKey   string    `json:"idempotencyKey" db:"idempotency_key"`
	CreatedAt        time.Time `json:"createdAt" db:"created_at"`
}
