package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
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
	"golang.org/x/sync/errgroup"
)

const (
	savingsColumns = `account_id, member_id, interest_rate, accrued_interest, minimum_balance, last_accrued_on, created_at`
	loanColumns    = `id, member_id, savings_account_id, loan_account_id, principal, interest_rate, term_months, outstanding, accrued_interest, total_repaid, status, approved_by, disbursed_at, due_date, last_accrued_period, created_at, updated_at`
)

var (
	monthsPerYear = decimal.NewFromInt(12)
	daysPerYear   = decimal.NewFromInt(365)
)

// LoanApplication is a member's request for a new loan.
type LoanApplication struct {
	Principal  int64 `json:"principal" validate:"required,gt=0"`
	TermMonths int   `json:"termMonths" validate:"required,gt=0"`
}

// SaccoService owns savings interest and the loan lifecycle. Every balance
// change goes through the ledger; loan rows mirror the loan account and are
// updated in the same transaction as the entries that move it.
type SaccoService struct {
	db        *sql.DB
	ledger    *LedgerService
	cfg       config.SaccoConfig
	validator *ValidationHelper
	audit     *hsm.AuditLogger
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewSaccoService(db *sql.DB, ledger *LedgerService, cfg config.SaccoConfig, audit *hsm.AuditLogger, metrics *observability.Metrics, logger *zap.Logger) *SaccoService {
	return &SaccoService{
		db:        db,
		ledger:    ledger,
		cfg:       cfg,
		validator: NewValidationHelper(),
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// OpenSavingsAccount creates the member's savings account. A nil rate uses
// the configured default.
func (s *SaccoService) OpenSavingsAccount(ctx context.Context, memberID string, rate *decimal.Decimal, minBalance int64) (*models.SavingsAccount, error) {
	if memberID == "" {
		return nil, &models.ValidationError{Field: "memberId", Message: "is required"}
	}
	annual := s.cfg.DefaultSavingsRate
	if rate != nil {
		annual = *rate
	}
	if annual.IsNegative() {
		return nil, &models.ValidationError{Field: "interestRate", Message: "cannot be negative"}
	}

	if _, err := s.GetSavings(ctx, memberID); err == nil {
		return nil, &models.ConflictError{Message: "member " + memberID + " already has a savings account"}
	} else if models.KindOf(err) != models.KindNotFound {
		return nil, err
	}

	account, err := s.ledger.OpenAccount(ctx, memberID, models.AccountSaccoSavings, s.cfg.Currency, minBalance)
	if err != nil {
		return nil, err
	}

	savings := &models.SavingsAccount{
		AccountID:      account.ID,
		MemberID:       memberID,
		InterestRate:   annual,
		MinimumBalance: minBalance,
		CreatedAt:      account.CreatedAt,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sacco_savings_accounts (account_id, member_id, interest_rate, accrued_interest, minimum_balance, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)`,
		savings.AccountID, savings.MemberID, savings.InterestRate.String(), savings.MinimumBalance, savings.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, &models.ConflictError{Message: "member " + memberID + " already has a savings account"}
		}
		return nil, fmt.Errorf("create savings account: %w", err)
	}
	return savings, nil
}

func (s *SaccoService) GetSavings(ctx context.Context, memberID string) (*models.SavingsAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+savingsColumns+` FROM sacco_savings_accounts WHERE member_id = $1`, memberID)
	savings, err := scanSavings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "savings account", ID: memberID}
	}
	return savings, err
}

// ComputeLoanLimit is the member's own savings × multiplier minus current
// loan exposure, never below zero. Disbursements land in savings, so the
// principal still owed on disbursed loans is taken off the balance first;
// otherwise each loan would raise the limit for the next one. Exposure
// counts outstanding balances of live loans and the principal of loans that
// are approved but not yet disbursed.
func (s *SaccoService) ComputeLoanLimit(ctx context.Context, memberID string) (int64, error) {
	savings, err := s.GetSavings(ctx, memberID)
	if err != nil {
		return 0, err
	}
	balance, err := s.ledger.GetBalance(ctx, savings.AccountID)
	if err != nil {
		return 0, err
	}

	var exposure, borrowed int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status IN ('pending', 'approved') THEN principal ELSE outstanding END), 0),
		       COALESCE(SUM(CASE WHEN status IN ('disbursed', 'active', 'defaulted') THEN LEAST(outstanding, principal) ELSE 0 END), 0)
		FROM sacco_loans
		WHERE member_id = $1 AND status IN ('pending', 'approved', 'disbursed', 'active', 'defaulted')`, memberID).Scan(&exposure, &borrowed)
	if err != nil {
		return 0, err
	}

	equity := balance - borrowed
	if equity < 0 {
		equity = 0
	}
	limit := decimal.NewFromInt(equity).Mul(s.cfg.LoanMultiplier).Floor().IntPart() - exposure
	if limit < 0 {
		limit = 0
	}
	return limit, nil
}

// ApplyForLoan records a pending loan if it fits within the member's limit.
func (s *SaccoService) ApplyForLoan(ctx context.Context, memberID string, app LoanApplication) (*models.Loan, error) {
	if err := s.validator.ValidateStruct(&app); err != nil {
		return nil, err
	}
	if app.TermMonths < s.cfg.MinTermMonths || app.TermMonths > s.cfg.MaxTermMonths {
		return nil, &models.ValidationError{Field: "termMonths", Message: fmt.Sprintf("must be between %d and %d", s.cfg.MinTermMonths, s.cfg.MaxTermMonths)}
	}

	savings, err := s.GetSavings(ctx, memberID)
	if err != nil {
		return nil, err
	}
	limit, err := s.ComputeLoanLimit(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if app.Principal > limit {
		return nil, &models.LimitExceededError{Limit: "loan limit", LimitValue: limit, Current: app.Principal}
	}

	now := time.Now().UTC()
	loan := &models.Loan{
		ID:               uuid.NewString(),
		MemberID:         memberID,
		SavingsAccountID: savings.AccountID,
		Principal:        app.Principal,
		InterestRate:     s.cfg.DefaultLoanRate,
		TermMonths:       app.TermMonths,
		Status:           models.LoanPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sacco_loans (id, member_id, savings_account_id, principal, interest_rate, term_months, outstanding, accrued_interest, total_repaid, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, $7, $8, $8)`,
		loan.ID, loan.MemberID, loan.SavingsAccountID, loan.Principal, loan.InterestRate.String(), loan.TermMonths, loan.Status, now)
	if err != nil {
		return nil, fmt.Errorf("create loan: %w", err)
	}

	s.audit.LogOperation(loan.ID, loan.SavingsAccountID, "LOAN_APPLIED", fmt.Sprintf("principal=%d term=%d", loan.Principal, loan.TermMonths))
	return loan, nil
}

// ApproveLoan opens the loan's ledger account and moves it to approved.
func (s *SaccoService) ApproveLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error) {
	loan, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanPending {
		return nil, &models.InvalidTransitionError{Entity: "loan", From: string(loan.Status), To: string(models.LoanApproved)}
	}

	account, err := s.ledger.OpenAccount(ctx, loan.MemberID, models.AccountSaccoLoan, s.cfg.Currency, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sacco_loans SET status = $1, approved_by = $2, loan_account_id = $3, updated_at = $4
		WHERE id = $5 AND status = $6`,
		models.LoanApproved, approverID, account.ID, now, loan.ID, models.LoanPending)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, &models.ConflictError{Message: "loan " + loanID + " changed concurrently"}
	}

	loan.Status = models.LoanApproved
	loan.ApprovedBy = &approverID
	loan.LoanAccountID = &account.ID
	loan.UpdatedAt = now
	s.audit.LogOperation(loan.ID, account.ID, "LOAN_APPROVED", "approved by "+approverID)
	return loan, nil
}

func (s *SaccoService) RejectLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error) {
	loan, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != models.LoanPending && loan.Status != models.LoanApproved {
		return nil, &models.InvalidTransitionError{Entity: "loan", From: string(loan.Status), To: string(models.LoanRejected)}
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE sacco_loans SET status = $1, approved_by = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.LoanRejected, approverID, now, loan.ID, loan.Status)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, &models.ConflictError{Message: "loan " + loanID + " changed concurrently"}
	}

	loan.Status = models.LoanRejected
	loan.ApprovedBy = &approverID
	loan.UpdatedAt = now
	s.audit.LogOperation(loan.ID, loan.SavingsAccountID, "LOAN_REJECTED", "rejected by "+approverID)
	return loan, nil
}

// DisburseLoan credits the principal to the member's savings and records
// the same amount as owed on the loan account, atomically.
func (s *SaccoService) DisburseLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	ctx, span := tracer.Start(ctx, "SaccoService.DisburseLoan")
	defer span.End()
	span.SetAttributes(attribute.String("loan.id", loanID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := lockLoan(ctx, tx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.DisbursedAt != nil {
		return loan, nil
	}
	if loan.Status != models.LoanApproved || loan.LoanAccountID == nil {
		return nil, &models.InvalidTransitionError{Entity: "loan", From: string(loan.Status), To: string(models.LoanDisbursed)}
	}

	key := "loan-disbursement:" + loan.ID
	if _, err := s.ledger.PostEntriesTx(ctx, tx, []PostingRequest{
		{AccountID: *loan.LoanAccountID, Amount: loan.Principal, EntryType: models.EntryLoanDisbursement, CorrelationRef: loan.ID, IdempotencyKey: key},
		{AccountID: loan.SavingsAccountID, Amount: loan.Principal, EntryType: models.EntryLoanDisbursement, CorrelationRef: loan.ID, IdempotencyKey: key + ":savings"},
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	due := now.AddDate(0, loan.TermMonths, 0)
	if _, err := tx.ExecContext(ctx, `
		UPDATE sacco_loans SET status = $1, outstanding = $2, disbursed_at = $3, due_date = $4, updated_at = $3
		WHERE id = $5 AND status = $6`,
		models.LoanDisbursed, loan.Principal, now, due, loan.ID, models.LoanApproved); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.Status = models.LoanDisbursed
	loan.Outstanding = loan.Principal
	loan.DisbursedAt = &now
	loan.DueDate = &due
	loan.UpdatedAt = now
	s.audit.LogOperation(loan.ID, *loan.LoanAccountID, "LOAN_DISBURSED", fmt.Sprintf("principal=%d", loan.Principal))
	return loan, nil
}

// ApplyRepayment moves amount from the member's savings to the loan. A
// repayment larger than the outstanding balance is rejected. Repeating a key
// returns the loan without applying it twice.
func (s *SaccoService) ApplyRepayment(ctx context.Context, loanID string, amount int64, idempotencyKey string) (*models.Loan, error) {
	ctx, span := tracer.Start(ctx, "SaccoService.ApplyRepayment")
	defer span.End()
	span.SetAttributes(attribute.String("loan.id", loanID), attribute.Int64("amount", amount))

	if amount <= 0 {
		return nil, &models.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if idempotencyKey == "" {
		return nil, &models.ValidationError{Field: "idempotencyKey", Message: "is required"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := lockLoan(ctx, tx, loanID)
	if err != nil {
		return nil, err
	}

	prior, err := findEntryByKey(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.CorrelationRef != loan.ID || prior.Amount != -amount {
			return nil, &models.ConflictError{Message: fmt.Sprintf("idempotency key %q was used for a different posting", idempotencyKey)}
		}
		return loan, nil
	}

	if !loan.Status.Repayable() || loan.LoanAccountID == nil {
		return nil, &models.BusinessRuleError{Rule: "loan_not_repayable", Message: fmt.Sprintf("loan %s is %s and cannot take repayments", loan.ID, loan.Status)}
	}
	if amount > loan.Outstanding {
		return nil, &models.BusinessRuleError{
			Rule:    "repayment_exceeds_outstanding",
			Message: fmt.Sprintf("repayment of %d exceeds outstanding balance of %d", amount, loan.Outstanding),
		}
	}

	if _, err := s.ledger.PostEntriesTx(ctx, tx, []PostingRequest{
		{AccountID: loan.SavingsAccountID, Amount: -amount, EntryType: models.EntryLoanRepayment, CorrelationRef: loan.ID, IdempotencyKey: idempotencyKey},
		{AccountID: *loan.LoanAccountID, Amount: -amount, EntryType: models.EntryLoanRepayment, CorrelationRef: loan.ID, IdempotencyKey: idempotencyKey + ":loan"},
	}); err != nil {
		return nil, err
	}

	next := models.LoanActive
	if loan.Outstanding == amount {
		next = models.LoanPaid
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE sacco_loans SET outstanding = outstanding - $1, total_repaid = total_repaid + $1, status = $2, updated_at = $3
		WHERE id = $4 AND status = $5`,
		amount, next, now, loan.ID, loan.Status); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.Outstanding -= amount
	loan.TotalRepaid += amount
	loan.Status = next
	loan.UpdatedAt = now
	s.audit.LogOperation(loan.ID, loan.SavingsAccountID, "LOAN_REPAYMENT", fmt.Sprintf("amount=%d outstanding=%d", amount, loan.Outstanding))
	if next == models.LoanPaid {
		s.logger.Info("loan fully repaid", zap.String("loan_id", loan.ID), zap.String("member_id", loan.MemberID))
	}
	return loan, nil
}

// AccrueLoanInterest adds one month of simple interest on the outstanding
// balance. It runs at most once per loan per calendar month.
func (s *SaccoService) AccrueLoanInterest(ctx context.Context, loanID string, asOf time.Time) (*models.Loan, bool, error) {
	period := asOf.Format("2006-01")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	loan, err := lockLoan(ctx, tx, loanID)
	if err != nil {
		return nil, false, err
	}
	if !loan.Status.Repayable() || loan.LoanAccountID == nil {
		return loan, false, nil
	}
	if loan.LastAccruedPeriod != nil && *loan.LastAccruedPeriod >= period {
		return loan, false, nil
	}

	interest := roundHalfUp(decimal.NewFromInt(loan.Outstanding).Mul(loan.InterestRate).Div(monthsPerYear))
	if interest > 0 {
		if _, err := s.ledger.PostEntriesTx(ctx, tx, []PostingRequest{{
			AccountID:      *loan.LoanAccountID,
			Amount:         interest,
			EntryType:      models.EntryInterest,
			CorrelationRef: loan.ID,
			IdempotencyKey: "loan-interest:" + loan.ID + ":" + period,
			Description:    "loan interest " + period,
		}}); err != nil {
			return nil, false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sacco_loans SET outstanding = outstanding + $1, accrued_interest = accrued_interest + $1, last_accrued_period = $2, updated_at = $3
		WHERE id = $4`,
		interest, period, time.Now().UTC(), loan.ID); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	loan.Outstanding += interest
	loan.AccruedInterest += interest
	loan.LastAccruedPeriod = &period
	return loan, interest > 0, nil
}

// AccrueLoanInterestBatch accrues the month for every live loan.
func (s *SaccoService) AccrueLoanInterestBatch(ctx context.Context, asOf time.Time) (*BatchResult, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT id FROM sacco_loans
		WHERE status IN ('disbursed', 'active', 'defaulted')
		AND (last_accrued_period IS NULL OR last_accrued_period < $1)
		ORDER BY id`, asOf.Format("2006-01"))
	if err != nil {
		return nil, err
	}

	return s.runBatch(ctx, "loan_interest", ids, func(ctx context.Context, id string) (bool, error) {
		_, changed, err := s.AccrueLoanInterest(ctx, id, asOf)
		return changed, err
	})
}

// AccrueInterest credits savings interest up to asOf. With monthly accrual
// one twelfth of the annual rate is applied per calendar month; with daily
// accrual the rate is applied per day elapsed since the last run on an
// actual/365 basis. Amounts are rounded half-up to whole units.
func (s *SaccoService) AccrueInterest(ctx context.Context, accountID string, asOf time.Time) (*models.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "SaccoService.AccrueInterest")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	asOf = truncateDay(asOf)
	period := asOf.Format("2006-01")
	if s.cfg.AccrualBasis == "daily" {
		period = asOf.Format("2006-01-02")
	}
	key := "interest:" + accountID + ":" + period

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+savingsColumns+` FROM sacco_savings_accounts WHERE account_id = $1 FOR UPDATE`, accountID)
	savings, err := scanSavings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "savings account", ID: accountID}
	}
	if err != nil {
		return nil, err
	}

	prior, err := findEntryByKey(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		prior.Replayed = true
		return prior, nil
	}

	account, err := s.ledger.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	fraction := decimal.NewFromInt(1).Div(monthsPerYear)
	if s.cfg.AccrualBasis == "daily" {
		days := int64(1)
		if savings.LastAccruedOn != nil {
			days = int64(asOf.Sub(truncateDay(*savings.LastAccruedOn)) / (24 * time.Hour))
		}
		if days <= 0 {
			return nil, nil
		}
		fraction = decimal.NewFromInt(days).Div(daysPerYear)
	}
	interest := roundHalfUp(decimal.NewFromInt(account.Balance).Mul(savings.InterestRate).Mul(fraction))

	var entry *models.LedgerEntry
	if interest > 0 {
		entries, err := s.ledger.PostEntriesTx(ctx, tx, []PostingRequest{{
			AccountID:      accountID,
			Amount:         interest,
			EntryType:      models.EntryInterest,
			CorrelationRef: accountID,
			IdempotencyKey: key,
			Description:    "savings interest " + period,
		}})
		if err != nil {
			return nil, err
		}
		entry = entries[0]
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sacco_savings_accounts SET accrued_interest = accrued_interest + $1, last_accrued_on = $2
		WHERE account_id = $3`, interest, asOf, accountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if entry != nil {
		s.metrics.IncrLedgerPosting(string(models.EntryInterest), "ok")
		s.audit.LogPosting(entry.ID, accountID, string(entry.EntryType), entry.Amount, string(entry.Status))
	}
	return entry, nil
}

// AccrueInterestBatch accrues savings interest for every open savings account.
func (s *SaccoService) AccrueInterestBatch(ctx context.Context, asOf time.Time) (*BatchResult, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT s.account_id FROM sacco_savings_accounts s
		JOIN accounts a ON a.id = s.account_id
		WHERE a.status <> 'closed'
		ORDER BY s.account_id`)
	if err != nil {
		return nil, err
	}

	return s.runBatch(ctx, "savings_interest", ids, func(ctx context.Context, id string) (bool, error) {
		entry, err := s.AccrueInterest(ctx, id, asOf)
		return entry != nil && !entry.Replayed, err
	})
}

// MarkDefaults flags loans still owing past their due date plus the grace
// period. It returns the IDs it changed.
func (s *SaccoService) MarkDefaults(ctx context.Context, asOf time.Time) ([]string, error) {
	cutoff := asOf.AddDate(0, 0, -s.cfg.DefaultGraceDays)
	ids, err := s.queryIDs(ctx, `
		UPDATE sacco_loans SET status = 'defaulted', updated_at = $1
		WHERE status IN ('disbursed', 'active') AND outstanding > 0 AND due_date < $2
		RETURNING id`, time.Now().UTC(), cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.audit.LogOperation(id, "", "LOAN_DEFAULTED", "past due beyond grace period")
	}
	if len(ids) > 0 {
		s.logger.Warn("loans marked defaulted", zap.Int("count", len(ids)))
	}
	return ids, nil
}

// RepaymentSchedule returns equal monthly installments for the loan.
func (s *SaccoService) RepaymentSchedule(ctx context.Context, loanID string) ([]models.Installment, error) {
	loan, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	start := loan.CreatedAt
	if loan.DisbursedAt != nil {
		start = *loan.DisbursedAt
	}
	return BuildSchedule(loan.Principal, loan.InterestRate, loan.TermMonths, start), nil
}

// BuildSchedule splits principal and flat interest over term monthly
// installments. Remainders from integer division land on the last one.
func BuildSchedule(principal int64, annualRate decimal.Decimal, termMonths int, start time.Time) []models.Installment {
	if termMonths <= 0 {
		return nil
	}
	totalInterest := roundHalfUp(decimal.NewFromInt(principal).Mul(annualRate).Mul(decimal.NewFromInt(int64(termMonths))).Div(monthsPerYear))

	n := int64(termMonths)
	basePrincipal, baseInterest := principal/n, totalInterest/n
	out := make([]models.Installment, 0, termMonths)
	for i := 1; i <= termMonths; i++ {
		p, in := basePrincipal, baseInterest
		if i == termMonths {
			p = principal - basePrincipal*(n-1)
			in = totalInterest - baseInterest*(n-1)
		}
		out = append(out, models.Installment{
			Number:    i,
			DueDate:   start.AddDate(0, i, 0),
			Principal: p,
			Interest:  in,
			Total:     p + in,
		})
	}
	return out
}

func (s *SaccoService) GetLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM sacco_loans WHERE id = $1`, loanID)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "loan", ID: loanID}
	}
	return loan, err
}

func (s *SaccoService) runBatch(ctx context.Context, job string, ids []string, fn func(context.Context, string) (bool, error)) (*BatchResult, error) {
	var mu sync.Mutex
	result := &BatchResult{Scanned: len(ids)}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			changed, err := fn(gCtx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors++
				s.metrics.IncrBatchItem(job, "error")
				s.logger.Error("batch item failed", zap.String("job", job), zap.String("id", id), zap.Error(err))
			case changed:
				result.Changed++
				s.metrics.IncrBatchItem(job, "changed")
			default:
				s.metrics.IncrBatchItem(job, "unchanged")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	s.logger.Info("batch finished",
		zap.String("job", job),
		zap.Int("scanned", result.Scanned),
		zap.Int("changed", result.Changed),
		zap.Int("errors", result.Errors),
	)
	return result, ctx.Err()
}

func (s *SaccoService) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func lockLoan(ctx context.Context, tx *sql.Tx, loanID string) (*models.Loan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM sacco_loans WHERE id = $1 FOR UPDATE`, loanID)
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "loan", ID: loanID}
	}
	return loan, err
}

func scanSavings(row rowScanner) (*models.SavingsAccount, error) {
	var sa models.SavingsAccount
	var lastAccrued sql.NullTime
	err := row.Scan(&sa.AccountID, &sa.MemberID, &sa.InterestRate, &sa.AccruedInterest, &sa.MinimumBalance, &lastAccrued, &sa.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastAccrued.Valid {
		sa.LastAccruedOn = &lastAccrued.Time
	}
	return &sa, nil
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var l models.Loan
	var loanAccount, approvedBy, lastPeriod sql.NullString
	var disbursedAt, dueDate sql.NullTime
	err := row.Scan(&l.ID, &l.MemberID, &l.SavingsAccountID, &loanAccount, &l.Principal, &l.InterestRate,
		&l.TermMonths, &l.Outstanding, &l.AccruedInterest, &l.TotalRepaid, &l.Status, &approvedBy,
		&disbursedAt, &dueDate, &lastPeriod, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if loanAccount.Valid {
		l.LoanAccountID = &loanAccount.String
	}
	if approvedBy.Valid {
		l.ApprovedBy = &approvedBy.String
	}
	if disbursedAt.Valid {
		l.DisbursedAt = &disbursedAt.Time
	}
	if dueDate.Valid {
		l.DueDate = &dueDate.Time
	}
	if lastPeriod.Valid {
		l.LastAccruedPeriod = &lastPeriod.String
	}
	return &l, nil
}

// roundHalfUp rounds a non-negative amount to whole currency units.
func roundHalfUp(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// truncateDay returns the calendar day of t in its own location as midnight
// UTC, the form a DATE column scans back as.
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
