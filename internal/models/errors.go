package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without parsing messages.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindBusiness     ErrorKind = "business"
	KindExternal     ErrorKind = "external"
	KindConsistency  ErrorKind = "consistency"
	KindNotFound     ErrorKind = "not_found"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindConflict     ErrorKind = "conflict"
	KindInternal     ErrorKind = "internal"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// ValidationError indicates bad input; it never reaches the ledger.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// InsufficientFundsError indicates a posting would take an account below its floor.
type InsufficientFundsError struct {
	AccountID string
	Available int64
	Required  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient balance on account %s: available=%d required=%d", e.AccountID, e.Available, e.Required)
}

func (e *InsufficientFundsError) Kind() ErrorKind { return KindBusiness }

// LimitExceededError names the specific constraint that was violated.
type LimitExceededError struct {
	Limit      string
	LimitValue int64
	Current    int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("exceeds %s of %d (current %d)", e.Limit, e.LimitValue, e.Current)
}

func (e *LimitExceededError) Kind() ErrorKind { return KindBusiness }

// BusinessRuleError is a generic rule violation with a human-readable reason.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return e.Message
}

func (e *BusinessRuleError) Kind() ErrorKind { return KindBusiness }

// AccountInactiveError indicates a posting against a frozen or closed account.
type AccountInactiveError struct {
	AccountID string
	Status    AccountStatus
}

func (e *AccountInactiveError) Error() string {
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}

func (e *AccountInactiveError) Kind() ErrorKind { return KindBusiness }

// InvalidTransitionError indicates a state machine move that is not allowed.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Kind() ErrorKind { return KindBusiness }

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// ExternalServiceError wraps a failure talking to a payment provider.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Kind() ErrorKind { return KindExternal }

// ConsistencyError indicates money was confirmed by a provider but could not be
// reflected in the ledger. The payment stays flagged for operator reconciliation.
type ConsistencyError struct {
	PaymentID string
	Err       error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger post failed for confirmed payment %s: %v", e.PaymentID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

func (e *ConsistencyError) Kind() ErrorKind { return KindConsistency }

// SignatureError indicates an inbound callback failed authenticity checks.
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("invalid signature from %s: %s", e.Provider, e.Reason)
}

func (e *SignatureError) Kind() ErrorKind { return KindUnauthorized }

// ForbiddenError indicates the actor may not act on the resource.
type ForbiddenError struct {
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

func (e *ForbiddenError) Kind() ErrorKind { return KindForbidden }

// ConflictError indicates the operation clashes with existing state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) Kind() ErrorKind { return KindConflict }
