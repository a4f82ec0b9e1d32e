package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sautimusic/backend/internal/config"
	"github.com/sautimusic/backend/internal/database"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const conversionColumns = `id, user_id, credit_account_id, savings_account_id, credits, cash_amount, fee, net_amount, rate, idempotency_key, created_at`

var hundred = decimal.NewFromInt(100)

// ConvertCreditsRequest is the caller input for a credit conversion.
type ConvertCreditsRequest struct {
	Credits        int64  `json:"credits" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"max=128"`
}

// ExchangeService converts platform credits into SACCO savings. The credit
// debit, the savings credit and the fee land in one ledger transaction.
type ExchangeService struct {
	db        *sql.DB
	ledger    *LedgerService
	cfg       config.ExchangeConfig
	validator *ValidationHelper
	audit     *hsm.AuditLogger
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewExchangeService(db *sql.DB, ledger *LedgerService, cfg config.ExchangeConfig, audit *hsm.AuditLogger, metrics *observability.Metrics, logger *zap.Logger) *ExchangeService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &ExchangeService{
		db:        db,
		ledger:    ledger,
		cfg:       cfg,
		validator: NewValidationHelper(),
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Quote computes the outcome of converting credits without touching any
// balance. Cash is credits divided by the rate, rounded down; the fee is
// rounded half-up.
func (s *ExchangeService) Quote(credits int64) (*models.ConversionQuote, error) {
	if credits <= 0 {
		return nil, &models.ValidationError{Field: "credits", Message: "must be positive"}
	}
	if credits < s.cfg.MinCredits {
		return nil, &models.BusinessRuleError{Rule: "below_minimum_conversion", Message: fmt.Sprintf("below minimum conversion of %d credits", s.cfg.MinCredits)}
	}
	if s.cfg.MaxCredits > 0 && credits > s.cfg.MaxCredits {
		return nil, &models.LimitExceededError{Limit: "maximum conversion", LimitValue: s.cfg.MaxCredits, Current: credits}
	}

	cash := decimal.NewFromInt(credits).Div(s.cfg.Rate).Floor().IntPart()
	if cash <= 0 {
		return nil, &models.BusinessRuleError{Rule: "conversion_too_small", Message: fmt.Sprintf("%d credits is worth less than one unit at rate %s", credits, s.cfg.Rate)}
	}
	fee := roundHalfUp(decimal.NewFromInt(cash).Mul(s.cfg.FeePercent).Div(hundred))

	return &models.ConversionQuote{
		Credits:    credits,
		CashAmount: cash,
		Fee:        fee,
		NetAmount:  cash - fee,
	}, nil
}

// ConvertCredits debits the user's credit balance and credits their savings
// account. The daily cap is enforced by summing today's conversions while
// the credit account row is locked, so concurrent conversions serialize.
func (s *ExchangeService) ConvertCredits(ctx context.Context, userID string, req ConvertCreditsRequest) (*models.CreditConversion, error) {
	ctx, span := tracer.Start(ctx, "ExchangeService.ConvertCredits")
	defer span.End()
	span.SetAttributes(attribute.Int64("credits", req.Credits))

	if userID == "" {
		return nil, &models.ValidationError{Field: "userId", Message: "is required"}
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	quote, err := s.Quote(req.Credits)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	} else if prior, err := s.findByKey(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return replayConversion(prior, userID, req.Credits)
	}

	creditAcct, err := s.ledger.FindAccount(ctx, userID, models.AccountPlatformCredit)
	if err != nil {
		return nil, err
	}
	savingsAcct, err := s.ledger.FindAccount(ctx, userID, models.AccountSaccoSavings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := s.ledger.LockAccountTx(ctx, tx, creditAcct.ID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	dayStart, dayEnd := dayBounds(now, s.cfg.Location)
	var today int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credits), 0) FROM credit_conversions
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, dayStart, dayEnd).Scan(&today); err != nil {
		return nil, err
	}
	if s.cfg.DailyCap > 0 && today+req.Credits > s.cfg.DailyCap {
		s.metrics.IncrLedgerPosting(string(models.EntryTransferOut), "rejected")
		return nil, &models.LimitExceededError{Limit: "daily conversion limit", LimitValue: s.cfg.DailyCap, Current: today}
	}

	conv := &models.CreditConversion{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreditAccountID:  creditAcct.ID,
		SavingsAccountID: savingsAcct.ID,
		Credits:          quote.Credits,
		CashAmount:       quote.CashAmount,
		Fee:              quote.Fee,
		NetAmount:        quote.NetAmount,
		Rate:             s.cfg.Rate.String(),
		IdempotencyKey:   key,
		CreatedAt:        now,
	}

	postings := []PostingRequest{
		{AccountID: creditAcct.ID, Amount: -conv.Credits, EntryType: models.EntryTransferOut, CorrelationRef: conv.ID, IdempotencyKey: "conversion:" + key + ":debit", Description: "credit conversion"},
		{AccountID: savingsAcct.ID, Amount: conv.NetAmount, EntryType: models.EntryTransferIn, CorrelationRef: conv.ID, IdempotencyKey: "conversion:" + key + ":credit", Description: "credit conversion"},
	}
	if conv.Fee > 0 && s.cfg.FeeAccountID != "" {
		postings = append(postings, PostingRequest{
			AccountID: s.cfg.FeeAccountID, Amount: conv.Fee, EntryType: models.EntryFee, CorrelationRef: conv.ID,
			IdempotencyKey: "conversion:" + key + ":fee", Description: "credit conversion fee",
		})
	}
	if conv.NetAmount == 0 {
		// The whole amount went to fees; nothing lands in savings.
		postings = append(postings[:1], postings[2:]...)
	}

	entries, err := s.ledger.PostEntriesTx(ctx, tx, postings)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_conversions (`+conversionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		conv.ID, conv.UserID, conv.CreditAccountID, conv.SavingsAccountID, conv.Credits, conv.CashAmount,
		conv.Fee, conv.NetAmount, conv.Rate, conv.IdempotencyKey, conv.CreatedAt); err != nil {
		if database.IsUniqueViolation(err) {
			tx.Rollback()
			if prior, findErr := s.findByKey(ctx, key); findErr == nil && prior != nil {
				return replayConversion(prior, userID, req.Credits)
			}
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		s.metrics.IncrLedgerPosting(string(e.EntryType), "ok")
		s.audit.LogPosting(e.ID, e.AccountID, string(e.EntryType), e.Amount, string(e.Status))
	}
	s.logger.Info("credits converted",
		zap.String("user_id", userID),
		zap.Int64("credits", conv.Credits),
		zap.Int64("net_amount", conv.NetAmount),
		zap.Int64("fee", conv.Fee),
	)
	return conv, nil
}

// ListConversions returns the user's most recent conversions.
func (s *ExchangeService) ListConversions(ctx context.Context, userID string, limit int) ([]models.CreditConversion, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversionColumns+` FROM credit_conversions
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CreditConversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *ExchangeService) findByKey(ctx context.Context, key string) (*models.CreditConversion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversionColumns+` FROM credit_conversions WHERE idempotency_key = $1`, key)
	c, err := scanConversion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func replayConversion(prior *models.CreditConversion, userID string, credits int64) (*models.CreditConversion, error) {
	if prior.UserID != userID || prior.Credits != credits {
		return nil, &models.ConflictError{Message: fmt.Sprintf("idempotency key %q was used for a different conversion", prior.IdempotencyKey)}
	}
	return prior, nil
}

func scanConversion(row rowScanner) (*models.CreditConversion, error) {
	var c models.CreditConversion
	err := row.Scan(&c.ID, &c.UserID, &c.CreditAccountID, &c.SavingsAccountID, &c.Credits, &c.CashAmount,
		&c.Fee, &c.NetAmount, &c.Rate, &c.IdempotencyKey, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// dayBounds returns the UTC instants bounding the calendar day containing t
// in loc.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}
