package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		allowed  bool
	}{
		{PaymentCreated, PaymentProviderSubmitted, true},
		{PaymentCreated, PaymentCancelled, true},
		{PaymentCreated, PaymentCompleted, false},
		{PaymentProviderSubmitted, PaymentProviderPending, true},
		{PaymentProviderSubmitted, PaymentCancelled, true},
		{PaymentProviderPending, PaymentCancelled, false},
		{PaymentProviderPending, PaymentFailed, true},
		{PaymentProviderPending, PaymentCompleted, false},
		{PaymentProviderSucceeded, PaymentCompleted, true},
		{PaymentProviderFailed, PaymentFailed, true},
		{PaymentProviderFailed, PaymentCompleted, false},
		{PaymentCompleted, PaymentFailed, false},
		{PaymentFailed, PaymentCompleted, false},
		{PaymentCancelled, PaymentProviderSubmitted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPaymentStatus_IsTerminal(t *testing.T) {
	assert.True(t, PaymentCompleted.IsTerminal())
	assert.True(t, PaymentFailed.IsTerminal())
	assert.True(t, PaymentCancelled.IsTerminal())
	assert.False(t, PaymentProviderPending.IsTerminal())
	assert.False(t, PaymentProviderSucceeded.IsTerminal())
}

func TestPaymentStatus_Cancellable(t *testing.T) {
	assert.True(t, PaymentCreated.Cancellable())
	assert.True(t, PaymentProviderSubmitted.Cancellable())
	assert.False(t, PaymentProviderPending.Cancellable())
	assert.False(t, PaymentProviderSucceeded.Cancellable())
}

func TestPaymentRequest_SignedAmount(t *testing.T) {
	collection := &PaymentRequest{Direction: DirectionCollection, Amount: 50000}
	assert.Equal(t, int64(50000), collection.SignedAmount())
	assert.Equal(t, EntryDeposit, collection.EntryTypeFor())

	disbursement := &PaymentRequest{Direction: DirectionDisbursement, Amount: 80000}
	assert.Equal(t, int64(-80000), disbursement.SignedAmount())
	assert.Equal(t, EntryWithdrawal, disbursement.EntryTypeFor())
}
