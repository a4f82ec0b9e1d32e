package hsm

import (
	"time"

	"go.uber.org/zap"
)

// AuditEvent is one line of the financial audit trail.
type AuditEvent struct {
	Timestamp time.Time
	EventType string
	Reference string
	AccountID string
	Amount    int64
	Status    string
	Details   map[string]string
}

// AuditLogger writes audit events as structured zap lines under the "audit" logger.
type AuditLogger struct {
	logger *zap.Logger
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{logger: logger.Named("audit")}
}

// LogPosting records a committed or rejected ledger posting.
func (a *AuditLogger) LogPosting(entryID, accountID, entryType string, amount int64, status string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "POSTING",
		Reference: entryID,
		AccountID: accountID,
		Amount:    amount,
		Status:    status,
		Details:   map[string]string{"entry_type": entryType},
	})
}

// LogTransition records a payment request state change.
func (a *AuditLogger) LogTransition(paymentID, from, to, source string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "PAYMENT_TRANSITION",
		Reference: paymentID,
		Status:    to,
		Details: map[string]string{
			"from":   from,
			"source": source,
		},
	})
}

func (a *AuditLogger) LogError(reference, accountID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) LogOperation(reference, accountID, operation, details string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		Reference: reference,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("reference", event.Reference),
		zap.String("status", event.Status),
	}
	if event.AccountID != "" {
		fields = append(fields, zap.String("account_id", event.AccountID))
	}
	if event.Amount != 0 {
		fields = append(fields, zap.Int64("amount", event.Amount))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}
	if event.EventType == "ERROR" {
		a.logger.Error("audit", fields...)
		return
	}
	a.logger.Info("audit", fields...)
}
