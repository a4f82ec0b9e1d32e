package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	accountCols = []string{"id", "owner_id", "kind", "currency", "balance", "held", "min_balance", "status", "version", "created_at", "updated_at"}
	entryCols   = []string{"id", "account_id", "amount", "entry_type", "balance_before", "balance_after", "correlation_ref", "idempotency_key", "status", "reversed_by", "description", "created_at"}
	testTime    = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
)

const (
	lockAccountSQL = `SELECT (.+) FROM accounts WHERE id = \$1 FOR UPDATE`
	entryByKeySQL  = `FROM ledger_entries WHERE idempotency_key = \$1`
	lockEntrySQL   = `FROM ledger_entries WHERE id = \$1 FOR UPDATE`
	insertEntrySQL = `INSERT INTO ledger_entries`
	updateAcctSQL  = `UPDATE accounts SET balance = \$1, held = \$2`
)

func newTestLedger(t *testing.T) (*LedgerService, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewMetrics()
	return NewLedgerService(db, hsm.NewAuditLogger(zap.NewNop()), metrics, zap.NewNop()), mock, metrics
}

func testAccount(id string, kind models.AccountKind, balance int64) *models.Account {
	return &models.Account{
		ID:        id,
		OwnerID:   "owner-" + id,
		Kind:      kind,
		Currency:  "UGX",
		Balance:   balance,
		Status:    models.AccountStatusActive,
		Version:   1,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}

func accountRows(a *models.Account) *sqlmock.Rows {
	return sqlmock.NewRows(accountCols).AddRow(a.ID, a.OwnerID, string(a.Kind), a.Currency, a.Balance, a.Held,
		a.MinBalance, string(a.Status), a.Version, a.CreatedAt, a.UpdatedAt)
}

func entryRows(entries ...*models.LedgerEntry) *sqlmock.Rows {
	rows := sqlmock.NewRows(entryCols)
	for _, e := range entries {
		var reversedBy driver.Value
		if e.ReversedBy != nil {
			reversedBy = *e.ReversedBy
		}
		rows.AddRow(e.ID, e.AccountID, e.Amount, string(e.EntryType), e.BalanceBefore, e.BalanceAfter,
			e.CorrelationRef, e.IdempotencyKey, string(e.Status), reversedBy, e.Description, e.CreatedAt)
	}
	return rows
}

// expectLock expects the FOR UPDATE read of one account.
func expectLock(mock sqlmock.Sqlmock, a *models.Account) {
	mock.ExpectQuery(lockAccountSQL).WithArgs(a.ID).WillReturnRows(accountRows(a))
}

// expectNoEntry expects an idempotency-key lookup that finds nothing.
func expectNoEntry(mock sqlmock.Sqlmock, key string) {
	mock.ExpectQuery(entryByKeySQL).WithArgs(key).WillReturnRows(sqlmock.NewRows(entryCols))
}

// expectInsert expects one entry insert. Balance updates are expected
// separately because they are batched per account.
func expectInsert(mock sqlmock.Sqlmock, accountID string, amount int64, entryType models.EntryType, before int64, key string, status models.EntryStatus) {
	after := before + amount
	if status == models.EntryPending {
		after = before
	}
	mock.ExpectExec(insertEntrySQL).
		WithArgs(sqlmock.AnyArg(), accountID, amount, string(entryType), before, after,
			sqlmock.AnyArg(), key, string(status), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectBalanceUpdate(mock sqlmock.Sqlmock, accountID string, balance, held int64, version int) {
	mock.ExpectExec(updateAcctSQL).
		WithArgs(balance, held, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectSinglePosting expects one complete PostEntry round trip.
func expectSinglePosting(mock sqlmock.Sqlmock, a *models.Account, amount int64, entryType models.EntryType, key string) {
	mock.ExpectBegin()
	expectLock(mock, a)
	expectNoEntry(mock, key)
	expectInsert(mock, a.ID, amount, entryType, a.Balance, key, models.EntryCompleted)
	expectBalanceUpdate(mock, a.ID, a.Balance+amount, a.Held, a.Version)
	mock.ExpectCommit()
}

// MockGateway stands in for a payment provider.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Supports(provider string) bool {
	return provider == "mtn_momo" || provider == "airtel_money" || provider == "flutterwave"
}

func (m *MockGateway) Submit(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayResult), args.Error(1)
}

func (m *MockGateway) CheckStatus(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error) {
	args := m.Called(ctx, p.Provider, p.ID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*GatewayResult), args.Error(1)
}

// MockNotifier records completion notifications.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PaymentCompleted(ctx context.Context, p *models.PaymentRequest) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

// MockRepayments stands in for the SACCO loan engine.
type MockRepayments struct {
	mock.Mock
}

func (m *MockRepayments) GetLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	args := m.Called(ctx, loanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Loan), args.Error(1)
}

func (m *MockRepayments) ApplyRepayment(ctx context.Context, loanID string, amount int64, idempotencyKey string) (*models.Loan, error) {
	args := m.Called(ctx, loanID, amount, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Loan), args.Error(1)
}

var paymentCols = []string{"id", "owner_id", "account_id", "direction", "purpose", "purpose_ref", "amount", "currency",
	"provider", "provider_reference", "phone", "status", "failure_reason", "idempotency_key", "needs_review",
	"ledger_entry_id", "created_at", "updated_at"}

func testPayment(id string, direction models.PaymentDirection, status models.PaymentStatus) *models.PaymentRequest {
	purpose := models.PurposeSaccoDeposit
	if direction == models.DirectionDisbursement {
		purpose = models.PurposeSaccoWithdrawal
	}
	return &models.PaymentRequest{
		ID:             id,
		OwnerID:        "owner-acct-1",
		AccountID:      "acct-1",
		Direction:      direction,
		Purpose:        purpose,
		Amount:         50000,
		Currency:       "UGX",
		Provider:       "mtn_momo",
		Phone:          "+256772000001",
		Status:         status,
		IdempotencyKey: "key-" + id,
		CreatedAt:      testTime,
		UpdatedAt:      testTime,
	}
}

func paymentRows(payments ...*models.PaymentRequest) *sqlmock.Rows {
	rows := sqlmock.NewRows(paymentCols)
	for _, p := range payments {
		rows.AddRow(p.ID, p.OwnerID, p.AccountID, string(p.Direction), string(p.Purpose), p.PurposeRef, p.Amount,
			p.Currency, p.Provider, optional(p.ProviderReference), p.Phone, string(p.Status), optional(p.FailureReason),
			p.IdempotencyKey, p.NeedsReview, optional(p.LedgerEntryID), p.CreatedAt, p.UpdatedAt)
	}
	return rows
}

func optional(s *string) driver.Value {
	if s == nil {
		return nil
	}
	return *s
}

// MockLedger stands in for the balance authority.
type MockLedger struct {
	mock.Mock
}

func entryResult(args mock.Arguments) (*models.LedgerEntry, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockLedger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedger) PostEntry(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	return entryResult(m.Called(ctx, req))
}

func (m *MockLedger) PostEntries(ctx context.Context, reqs []PostingRequest) ([]*models.LedgerEntry, error) {
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) PostEntriesTx(ctx context.Context, tx *sql.Tx, reqs []PostingRequest) ([]*models.LedgerEntry, error) {
	args := m.Called(ctx, tx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) PlaceHold(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	return entryResult(m.Called(ctx, req))
}

func (m *MockLedger) CaptureHoldTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*models.LedgerEntry, error) {
	return entryResult(m.Called(ctx, tx, idempotencyKey))
}

func (m *MockLedger) ReleaseHold(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	return entryResult(m.Called(ctx, idempotencyKey))
}

func (m *MockLedger) LockAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	args := m.Called(ctx, tx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}
