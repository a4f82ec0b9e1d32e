package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		assert.Equal(t, KindValidation, KindOf(&ValidationError{Field: "amount", Message: "must be positive"}))
		assert.Equal(t, KindBusiness, KindOf(&InsufficientFundsError{AccountID: "a1", Available: 10, Required: 20}))
		assert.Equal(t, KindBusiness, KindOf(&LimitExceededError{Limit: "daily conversion limit", LimitValue: 5000}))
		assert.Equal(t, KindUnauthorized, KindOf(&SignatureError{Provider: "mtn_momo"}))
		assert.Equal(t, KindConsistency, KindOf(&ConsistencyError{PaymentID: "p1", Err: errors.New("db down")}))
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("posting: %w", &InsufficientFundsError{AccountID: "a1"})
		assert.Equal(t, KindBusiness, KindOf(err))

		var insufficient *InsufficientFundsError
		assert.True(t, errors.As(err, &insufficient))
		assert.Equal(t, "a1", insufficient.AccountID)
	})

	t.Run("external unwraps", func(t *testing.T) {
		inner := errors.New("connection reset")
		err := &ExternalServiceError{Service: "airtel_money", Err: inner}
		assert.Equal(t, KindExternal, KindOf(err))
		assert.ErrorIs(t, err, inner)
	})

	t.Run("unclassified", func(t *testing.T) {
		assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	})
}

func TestLimitExceededError_Message(t *testing.T) {
	err := &LimitExceededError{Limit: "daily conversion limit", LimitValue: 50000, Current: 49000}
	assert.Contains(t, err.Error(), "exceeds daily conversion limit of 50000")
}
