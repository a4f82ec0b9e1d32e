package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sautimusic/backend/internal/models"
	"go.uber.org/zap"
)

// PaymentEventsQueue is the Redis list completed payments are pushed onto.
// The ticketing flow pops from it to confirm tickets.
const PaymentEventsQueue = "payment_events"

// PaymentCompletedEvent is the message published for each completed payment.
type PaymentCompletedEvent struct {
	PaymentID     string                `json:"paymentId"`
	OwnerID       string                `json:"ownerId"`
	AccountID     string                `json:"accountId"`
	Purpose       models.PaymentPurpose `json:"purpose"`
	PurposeRef    string                `json:"purposeRef,omitempty"`
	Amount        int64                 `json:"amount"`
	Currency      string                `json:"currency"`
	LedgerEntryID string                `json:"ledgerEntryId"`
	CompletedAt   time.Time             `json:"completedAt"`
}

// RedisNotifier publishes completion events to a Redis list.
type RedisNotifier struct {
	redis  *redis.Client
	logger *zap.Logger
}

func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{redis: rdb, logger: logger}
}

func (n *RedisNotifier) PaymentCompleted(ctx context.Context, p *models.PaymentRequest) error {
	if n.redis == nil {
		n.logger.Debug("redis unavailable, completion event not published", zap.String("payment_id", p.ID))
		return nil
	}

	event := PaymentCompletedEvent{
		PaymentID:   p.ID,
		OwnerID:     p.OwnerID,
		AccountID:   p.AccountID,
		Purpose:     p.Purpose,
		PurposeRef:  p.PurposeRef,
		Amount:      p.Amount,
		Currency:    p.Currency,
		CompletedAt: p.UpdatedAt,
	}
	if p.LedgerEntryID != nil {
		event.LedgerEntryID = *p.LedgerEntryID
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.redis.RPush(ctx, PaymentEventsQueue, string(body)).Err()
}
