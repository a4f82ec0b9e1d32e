package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// PaymentEvent is one row of a payment request's status history.
type PaymentEvent struct {
	ID         int64         `json:"id" db:"id"`
	PaymentID  string        `json:"paymentId" db:"payment_id"`
	FromStatus PaymentStatus `json:"fromStatus" db:"from_status"`
	ToStatus   PaymentStatus `json:"toStatus" db:"to_status"`
	Source     string        `json:"source" db:"source"` // api, webhook, poll, operator
	Detail     Metadata      `json:"detail,omitempty" db:"detail"`
	CreatedAt  time.Time     `json:"createdAt" db:"created_at"`
}
