package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DividendRequest declares the surplus to share out for one period.
type DividendRequest struct {
	Label   string    `json:"label" validate:"required,max=32"`
	StartOn time.Time `json:"startOn" validate:"required"`
	EndOn   time.Time `json:"endOn" validate:"required"`
	Surplus int64     `json:"surplus" validate:"required,gt=0"`
}

// DividendResult is the outcome of a distribution run.
type DividendResult struct {
	Period        models.DividendPeriod         `json:"period"`
	Distributions []models.DividendDistribution `json:"distributions"`
	Replayed      bool                          `json:"replayed"`
}

// balancePoint is a completed entry inside the averaging window.
type balancePoint struct {
	amount int64
	at     time.Time
}

type memberShare struct {
	accountID string
	memberID  string
	average   decimal.Decimal
	amount    int64
	remainder decimal.Decimal
}

// DividendService distributes a period's surplus pro rata to time-weighted
// average savings balances. All shares for a period commit in one
// transaction or none do.
type DividendService struct {
	db        *sql.DB
	ledger    *LedgerService
	redis     *redis.Client
	lockTTL   time.Duration
	validator *ValidationHelper
	audit     *hsm.AuditLogger
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewDividendService(db *sql.DB, ledger *LedgerService, rdb *redis.Client, lockTTL time.Duration, audit *hsm.AuditLogger, metrics *observability.Metrics, logger *zap.Logger) *DividendService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &DividendService{
		db:        db,
		ledger:    ledger,
		redis:     rdb,
		lockTTL:   lockTTL,
		validator: NewValidationHelper(),
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// DistributeDividends computes and posts every member's share of the
// period surplus. Running it again for a paid period returns the recorded
// distributions.
func (s *DividendService) DistributeDividends(ctx context.Context, req DividendRequest) (*DividendResult, error) {
	ctx, span := tracer.Start(ctx, "DividendService.DistributeDividends")
	defer span.End()
	span.SetAttributes(attribute.String("dividend.period", req.Label))

	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if !req.EndOn.After(req.StartOn) {
		return nil, &models.ValidationError{Field: "endOn", Message: "must be after startOn"}
	}

	unlock, err := s.acquire(ctx, req.Label)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := s.existing(ctx, req.Label); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	shares, err := s.computeShares(ctx, req)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	period := models.DividendPeriod{
		Label:     req.Label,
		StartsOn:  req.StartOn,
		EndsOn:    req.EndOn,
		Surplus:   req.Surplus,
		Status:    models.DividendPaid,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dividend_periods (label, starts_on, ends_on, surplus, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		period.Label, period.StartsOn, period.EndsOn, period.Surplus, period.Status, now); err != nil {
		return nil, fmt.Errorf("record dividend period: %w", err)
	}

	reqs := make([]PostingRequest, 0, len(shares))
	paid := make([]*memberShare, 0, len(shares))
	for _, sh := range shares {
		if sh.amount == 0 {
			continue
		}
		reqs = append(reqs, PostingRequest{
			AccountID:      sh.accountID,
			Amount:         sh.amount,
			EntryType:      models.EntryDeposit,
			CorrelationRef: "dividend:" + req.Label,
			IdempotencyKey: "dividend:" + req.Label + ":" + sh.accountID,
			Description:    "dividend " + req.Label,
		})
		paid = append(paid, sh)
	}

	entries, err := s.ledger.PostEntriesTx(ctx, tx, reqs)
	if err != nil {
		s.logger.Error("dividend posting failed, period rolled back", zap.String("period", req.Label), zap.Error(err))
		return nil, err
	}

	result := &DividendResult{Period: period}
	for i, sh := range paid {
		d := models.DividendDistribution{
			ID:               uuid.NewString(),
			PeriodLabel:      req.Label,
			MemberID:         sh.memberID,
			SavingsAccountID: sh.accountID,
			AverageBalance:   sh.average,
			Amount:           sh.amount,
			LedgerEntryID:    entries[i].ID,
			Status:           models.DividendPaid,
			CreatedAt:        now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dividend_distributions (id, period_label, member_id, savings_account_id, average_balance, amount, ledger_entry_id, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.ID, d.PeriodLabel, d.MemberID, d.SavingsAccountID, d.AverageBalance.StringFixed(4), d.Amount, d.LedgerEntryID, d.Status, now); err != nil {
			s.logger.Error("dividend distribution insert failed, period rolled back", zap.String("period", req.Label), zap.Error(err))
			return nil, err
		}
		result.Distributions = append(result.Distributions, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, d := range result.Distributions {
		s.metrics.IncrLedgerPosting(string(models.EntryDeposit), "ok")
		s.audit.LogPosting(d.LedgerEntryID, d.SavingsAccountID, "dividend", d.Amount, string(d.Status))
	}
	s.logger.Info("dividends distributed",
		zap.String("period", req.Label),
		zap.Int64("surplus", req.Surplus),
		zap.Int("members", len(result.Distributions)),
	)
	return result, nil
}

// computeShares averages each savings balance over the period and splits
// the surplus by largest remainder so the shares add up exactly.
func (s *DividendService) computeShares(ctx context.Context, req DividendRequest) ([]*memberShare, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.account_id, s.member_id FROM sacco_savings_accounts s
		JOIN accounts a ON a.id = s.account_id
		WHERE a.status <> 'closed'
		ORDER BY s.account_id`)
	if err != nil {
		return nil, err
	}
	var shares []*memberShare
	for rows.Next() {
		sh := &memberShare{}
		if err := rows.Scan(&sh.accountID, &sh.memberID); err != nil {
			rows.Close()
			return nil, err
		}
		shares = append(shares, sh)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, sh := range shares {
		opening, points, err := s.history(ctx, sh.accountID, req.StartOn, req.EndOn)
		if err != nil {
			return nil, err
		}
		sh.average = timeWeightedAverage(opening, points, req.StartOn, req.EndOn)
		total = total.Add(sh.average)
	}
	if !total.IsPositive() {
		return nil, &models.BusinessRuleError{Rule: "no_eligible_balances", Message: "no savings balances held during period " + req.Label}
	}

	allocateLargestRemainder(shares, req.Surplus, total)
	return shares, nil
}

func (s *DividendService) history(ctx context.Context, accountID string, start, end time.Time) (int64, []balancePoint, error) {
	var opening int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE account_id = $1 AND status = 'completed' AND created_at < $2`, accountID, start).Scan(&opening); err != nil {
		return 0, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT amount, created_at FROM ledger_entries
		WHERE account_id = $1 AND status = 'completed' AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`, accountID, start, end)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var points []balancePoint
	for rows.Next() {
		var p balancePoint
		if err := rows.Scan(&p.amount, &p.at); err != nil {
			return 0, nil, err
		}
		points = append(points, p)
	}
	return opening, points, rows.Err()
}

// timeWeightedAverage is the balance averaged over [start, end), weighting
// each balance by how long it was held.
func timeWeightedAverage(opening int64, points []balancePoint, start, end time.Time) decimal.Decimal {
	span := seconds(end.Sub(start))
	if !span.IsPositive() {
		return decimal.Zero
	}

	weighted := decimal.Zero
	balance := opening
	cursor := start
	for _, p := range points {
		held := seconds(p.at.Sub(cursor))
		weighted = weighted.Add(decimal.NewFromInt(balance).Mul(held))
		balance += p.amount
		cursor = p.at
	}
	weighted = weighted.Add(decimal.NewFromInt(balance).Mul(seconds(end.Sub(cursor))))
	return weighted.Div(span)
}

func seconds(d time.Duration) decimal.Decimal {
	return decimal.NewFromInt(int64(d / time.Second))
}

func allocateLargestRemainder(shares []*memberShare, surplus int64, total decimal.Decimal) {
	pool := decimal.NewFromInt(surplus)
	allocated := int64(0)
	for _, sh := range shares {
		exact := pool.Mul(sh.average).Div(total)
		sh.amount = exact.Floor().IntPart()
		sh.remainder = exact.Sub(decimal.NewFromInt(sh.amount))
		allocated += sh.amount
	}

	order := make([]*memberShare, len(shares))
	copy(order, shares)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].remainder.GreaterThan(order[j].remainder)
	})
	for i := 0; allocated < surplus && i < len(order); i++ {
		order[i].amount++
		allocated++
	}
}

func (s *DividendService) existing(ctx context.Context, label string) (*DividendResult, error) {
	var period models.DividendPeriod
	err := s.db.QueryRowContext(ctx, `
		SELECT label, starts_on, ends_on, surplus, status, created_at
		FROM dividend_periods WHERE label = $1`, label).
		Scan(&period.Label, &period.StartsOn, &period.EndsOn, &period.Surplus, &period.Status, &period.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, period_label, member_id, savings_account_id, average_balance, amount, ledger_entry_id, status, created_at
		FROM dividend_distributions WHERE period_label = $1 ORDER BY savings_account_id`, label)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := &DividendResult{Period: period, Replayed: true}
	for rows.Next() {
		var d models.DividendDistribution
		if err := rows.Scan(&d.ID, &d.PeriodLabel, &d.MemberID, &d.SavingsAccountID, &d.AverageBalance,
			&d.Amount, &d.LedgerEntryID, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		result.Distributions = append(result.Distributions, d)
	}
	return result, rows.Err()
}

// releaseLockScript deletes the lock only while it still holds our token, in
// one round trip so an expired lock re-taken by another run is left alone.
const releaseLockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// acquire takes the per-period Redis lock so two schedulers cannot compute
// the same period at once. Without Redis the period row's primary key is
// the only guard.
func (s *DividendService) acquire(ctx context.Context, label string) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}

	key := "sacco:dividends:" + label
	token := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire dividend lock: %w", err)
	}
	if !ok {
		return nil, &models.ConflictError{Message: "dividend distribution for period " + label + " is already running"}
	}

	return func() {
		if err := s.redis.Eval(context.Background(), releaseLockScript, []string{key}, token).Err(); err != nil {
			s.logger.Warn("release dividend lock failed", zap.String("period", label), zap.Error(err))
		}
	}, nil
}
