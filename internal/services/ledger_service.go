package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sautimusic/backend/internal/database"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("services")

const (
	accountColumns = `id, owner_id, kind, currency, balance, held, min_balance, status, version, created_at, updated_at`
	entryColumns   = `id, account_id, amount, entry_type, balance_before, balance_after, correlation_ref, idempotency_key, status, reversed_by, description, created_at`
)

// PostingRequest describes one ledger entry to post.
type PostingRequest struct {
	AccountID      string           `validate:"required"`
	Amount         int64            `validate:"required"` // signed, never zero
	EntryType      models.EntryType `validate:"required,oneof=deposit withdrawal fee interest transfer_in transfer_out loan_disbursement loan_repayment reversal"`
	CorrelationRef string           `validate:"max=128"`
	IdempotencyKey string           `validate:"required,max=200"`
	Description    string           `validate:"max=255"`
}

// Ledger is the balance authority consumed by the payment, SACCO and
// exchange services.
type Ledger interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	PostEntry(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error)
	PostEntries(ctx context.Context, reqs []PostingRequest) ([]*models.LedgerEntry, error)
	PostEntriesTx(ctx context.Context, tx *sql.Tx, reqs []PostingRequest) ([]*models.LedgerEntry, error)
	PlaceHold(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error)
	CaptureHoldTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*models.LedgerEntry, error)
	ReleaseHold(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error)
	LockAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error)
}

// LedgerService keeps running balances on the accounts table and an
// append-only entry log in ledger_entries. Every mutation locks the affected
// account rows with SELECT ... FOR UPDATE, always in ascending id order.
type LedgerService struct {
	db        *sql.DB
	validator *ValidationHelper
	audit     *hsm.AuditLogger
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewLedgerService(db *sql.DB, audit *hsm.AuditLogger, metrics *observability.Metrics, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:        db,
		validator: NewValidationHelper(),
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// OpenAccount creates an empty active account.
func (s *LedgerService) OpenAccount(ctx context.Context, ownerID string, kind models.AccountKind, currency string, minBalance int64) (*models.Account, error) {
	if ownerID == "" {
		return nil, &models.ValidationError{Field: "ownerId", Message: "is required"}
	}
	if currency == "" {
		return nil, &models.ValidationError{Field: "currency", Message: "is required"}
	}
	if minBalance < 0 {
		return nil, &models.ValidationError{Field: "minBalance", Message: "cannot be negative"}
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Kind:       kind,
		Currency:   currency,
		MinBalance: minBalance,
		Status:     models.AccountStatusActive,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, kind, currency, balance, held, min_balance, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, 1, $7, $7)`,
		account.ID, account.OwnerID, account.Kind, account.Currency, account.MinBalance, account.Status, now)
	if err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}

	s.audit.LogOperation(account.ID, account.ID, "ACCOUNT_OPENED", string(kind))
	return account, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "account", ID: accountID}
	}
	return account, err
}

// GetBalance returns the maintained running balance. ReconcileAccount proves
// it against the entry log.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &models.NotFoundError{Resource: "account", ID: accountID}
	}
	return balance, err
}

// FindAccount returns the owner's account of the given kind.
func (s *LedgerService) FindAccount(ctx context.Context, ownerID string, kind models.AccountKind) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE owner_id = $1 AND kind = $2 AND status <> 'closed'
		ORDER BY created_at
		LIMIT 1`, ownerID, kind)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: string(kind) + " account", ID: ownerID}
	}
	return account, err
}

func (s *LedgerService) FreezeAccount(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, models.AccountStatusFrozen)
}

func (s *LedgerService) UnfreezeAccount(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, models.AccountStatusActive)
}

// CloseAccount soft-closes an account. Entries keep referencing it.
func (s *LedgerService) CloseAccount(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, models.AccountStatusClosed)
}

func (s *LedgerService) setStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	account, err := s.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return err
	}

	if account.Status == models.AccountStatusClosed {
		return &models.AccountInactiveError{AccountID: accountID, Status: account.Status}
	}
	if status == models.AccountStatusClosed && (account.Balance != 0 || account.Held != 0) {
		return &models.BusinessRuleError{
			Rule:    "close_requires_zero_balance",
			Message: fmt.Sprintf("account %s still holds %d (held %d)", accountID, account.Balance, account.Held),
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		status, time.Now().UTC(), accountID, account.Version)
	if err != nil {
		return err
	}
	if err := expectOneRow(result, accountID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogOperation(accountID, accountID, "ACCOUNT_STATUS", string(status))
	return nil
}

// PostEntry posts a single entry atomically. A repeated idempotency key
// returns the entry created by the first call with Replayed set.
func (s *LedgerService) PostEntry(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	entries, err := s.PostEntries(ctx, []PostingRequest{req})
	if err != nil {
		return nil, err
	}
	return entries[0], nil
}

// PostEntries posts all entries in one transaction: every entry commits or
// none does.
func (s *LedgerService) PostEntries(ctx context.Context, reqs []PostingRequest) ([]*models.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.PostEntries")
	defer span.End()
	span.SetAttributes(attribute.Int("ledger.entries", len(reqs)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entries, err := s.PostEntriesTx(ctx, tx, reqs)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if database.IsUniqueViolation(err) {
			// A concurrent caller committed the same key first.
			tx.Rollback()
			return s.replayByKeys(ctx, reqs)
		}
		span.RecordError(err)
		return nil, err
	}

	for _, e := range entries {
		if e.Replayed {
			continue
		}
		s.metrics.IncrLedgerPosting(string(e.EntryType), "ok")
		s.audit.LogPosting(e.ID, e.AccountID, string(e.EntryType), e.Amount, string(e.Status))
	}
	return entries, nil
}

// PostEntriesTx posts inside the caller's transaction. The caller owns
// commit and rollback.
func (s *LedgerService) PostEntriesTx(ctx context.Context, tx *sql.Tx, reqs []PostingRequest) ([]*models.LedgerEntry, error) {
	if len(reqs) == 0 {
		return nil, &models.ValidationError{Field: "entries", Message: "at least one entry is required"}
	}
	for i := range reqs {
		if err := s.validator.ValidateStruct(&reqs[i]); err != nil {
			return nil, err
		}
	}

	accounts, err := s.lockAccounts(ctx, tx, reqs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	touched := make(map[string]bool)
	entries := make([]*models.LedgerEntry, 0, len(reqs))

	for _, req := range reqs {
		existing, err := findEntryByKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.AccountID != req.AccountID || existing.Amount != req.Amount {
				return nil, &models.ConflictError{Message: fmt.Sprintf("idempotency key %q was used for a different posting", req.IdempotencyKey)}
			}
			existing.Replayed = true
			entries = append(entries, existing)
			continue
		}

		account := accounts[req.AccountID]
		if err := checkPostable(account, req.Amount, req.EntryType); err != nil {
			s.metrics.IncrLedgerPosting(string(req.EntryType), "rejected")
			return nil, err
		}

		entry := &models.LedgerEntry{
			ID:             uuid.NewString(),
			AccountID:      account.ID,
			Amount:         req.Amount,
			EntryType:      req.EntryType,
			BalanceBefore:  account.Balance,
			BalanceAfter:   account.Balance + req.Amount,
			CorrelationRef: req.CorrelationRef,
			IdempotencyKey: req.IdempotencyKey,
			Status:         models.EntryCompleted,
			Description:    req.Description,
			CreatedAt:      now,
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}

		account.Balance = entry.BalanceAfter
		touched[account.ID] = true
		entries = append(entries, entry)
	}

	for _, id := range sortedKeys(touched) {
		if err := updateAccountBalance(ctx, tx, accounts[id]); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

// PlaceHold reserves funds for an outgoing payment by recording a pending
// debit. The balance is untouched; available balance shrinks by the hold.
func (s *LedgerService) PlaceHold(ctx context.Context, req PostingRequest) (*models.LedgerEntry, error) {
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if req.Amount >= 0 {
		return nil, &models.ValidationError{Field: "amount", Message: "hold amount must be negative"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := s.LockAccountTx(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}

	existing, err := findEntryByKey(ctx, tx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Replayed = true
		return existing, nil
	}

	if err := checkPostable(account, req.Amount, req.EntryType); err != nil {
		s.metrics.IncrLedgerPosting(string(req.EntryType), "rejected")
		return nil, err
	}

	entry := &models.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      account.ID,
		Amount:         req.Amount,
		EntryType:      req.EntryType,
		BalanceBefore:  account.Balance,
		BalanceAfter:   account.Balance,
		CorrelationRef: req.CorrelationRef,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.EntryPending,
		Description:    req.Description,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	account.Held += -req.Amount
	if err := updateAccountBalance(ctx, tx, account); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.metrics.IncrLedgerPosting(string(entry.EntryType), "held")
	s.audit.LogPosting(entry.ID, entry.AccountID, string(entry.EntryType), entry.Amount, string(entry.Status))
	return entry, nil
}

// CaptureHoldTx completes the pending entry with the given key, moving the
// reserved amount out of the balance. Capturing twice is a no-op.
func (s *LedgerService) CaptureHoldTx(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*models.LedgerEntry, error) {
	entry, err := findEntryByKey(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &models.NotFoundError{Resource: "hold", ID: idempotencyKey}
	}

	account, err := s.LockAccountTx(ctx, tx, entry.AccountID)
	if err != nil {
		return nil, err
	}

	entry, err = lockEntry(ctx, tx, entry.ID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case models.EntryCompleted:
		entry.Replayed = true
		return entry, nil
	case models.EntryReversed:
		return nil, &models.BusinessRuleError{Rule: "hold_released", Message: fmt.Sprintf("hold %s was already released", idempotencyKey)}
	}

	entry.BalanceBefore = account.Balance
	entry.BalanceAfter = account.Balance + entry.Amount
	entry.Status = models.EntryCompleted
	if entry.BalanceAfter < 0 {
		return nil, &models.InsufficientFundsError{AccountID: account.ID, Available: account.Balance, Required: -entry.Amount}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = $1, balance_before = $2, balance_after = $3
		WHERE id = $4 AND status = 'pending'`,
		entry.Status, entry.BalanceBefore, entry.BalanceAfter, entry.ID); err != nil {
		return nil, err
	}

	account.Balance = entry.BalanceAfter
	account.Held -= -entry.Amount
	if err := updateAccountBalance(ctx, tx, account); err != nil {
		return nil, err
	}

	s.metrics.IncrLedgerPosting(string(entry.EntryType), "captured")
	s.audit.LogPosting(entry.ID, entry.AccountID, string(entry.EntryType), entry.Amount, string(entry.Status))
	return entry, nil
}

// ReleaseHold cancels a pending entry. Releasing twice is a no-op.
func (s *LedgerService) ReleaseHold(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := findEntryByKey(ctx, tx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, &models.NotFoundError{Resource: "hold", ID: idempotencyKey}
	}

	account, err := s.LockAccountTx(ctx, tx, entry.AccountID)
	if err != nil {
		return nil, err
	}

	entry, err = lockEntry(ctx, tx, entry.ID)
	if err != nil {
		return nil, err
	}

	switch entry.Status {
	case models.EntryReversed:
		entry.Replayed = true
		return entry, nil
	case models.EntryCompleted:
		return nil, &models.BusinessRuleError{Rule: "hold_captured", Message: fmt.Sprintf("hold %s was already captured", idempotencyKey)}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET status = 'reversed'
		WHERE id = $1 AND status = 'pending'`, entry.ID); err != nil {
		return nil, err
	}
	entry.Status = models.EntryReversed

	account.Held -= -entry.Amount
	if err := updateAccountBalance(ctx, tx, account); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.metrics.IncrLedgerPosting(string(entry.EntryType), "released")
	s.audit.LogPosting(entry.ID, entry.AccountID, string(entry.EntryType), entry.Amount, string(entry.Status))
	return entry, nil
}

// ReverseEntry posts an offsetting reversal entry and links the original to
// it. The original keeps its completed status and snapshots.
func (s *LedgerService) ReverseEntry(ctx context.Context, entryID, reason string) (*models.LedgerEntry, error) {
	ctx, span := tracer.Start(ctx, "LedgerService.ReverseEntry")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	original, err := getEntry(ctx, tx, entryID)
	if err != nil {
		return nil, err
	}

	account, err := s.LockAccountTx(ctx, tx, original.AccountID)
	if err != nil {
		return nil, err
	}

	original, err = lockEntry(ctx, tx, entryID)
	if err != nil {
		return nil, err
	}
	if original.Status != models.EntryCompleted {
		return nil, &models.BusinessRuleError{Rule: "reverse_completed_only", Message: fmt.Sprintf("entry %s is %s, only completed entries can be reversed", entryID, original.Status)}
	}
	if original.ReversedBy != nil {
		return nil, &models.ConflictError{Message: fmt.Sprintf("entry %s is already reversed by %s", entryID, *original.ReversedBy)}
	}
	if original.EntryType == models.EntryReversal {
		return nil, &models.BusinessRuleError{Rule: "reverse_reversal", Message: "a reversal entry cannot itself be reversed"}
	}

	amount := -original.Amount
	if account.Status == models.AccountStatusClosed {
		return nil, &models.AccountInactiveError{AccountID: account.ID, Status: account.Status}
	}
	if amount < 0 && account.Available()+amount < 0 {
		return nil, &models.InsufficientFundsError{AccountID: account.ID, Available: account.Available(), Required: -amount}
	}

	reversal := &models.LedgerEntry{
		ID:             uuid.NewString(),
		AccountID:      account.ID,
		Amount:         amount,
		EntryType:      models.EntryReversal,
		BalanceBefore:  account.Balance,
		BalanceAfter:   account.Balance + amount,
		CorrelationRef: original.ID,
		IdempotencyKey: "reversal:" + original.ID,
		Status:         models.EntryCompleted,
		Description:    reason,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, reversal); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger_entries SET reversed_by = $1
		WHERE id = $2 AND reversed_by IS NULL`, reversal.ID, original.ID); err != nil {
		return nil, err
	}

	account.Balance = reversal.BalanceAfter
	if err := updateAccountBalance(ctx, tx, account); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.metrics.IncrLedgerPosting(string(models.EntryReversal), "ok")
	s.audit.LogPosting(reversal.ID, reversal.AccountID, string(reversal.EntryType), reversal.Amount, "reverses "+original.ID)
	return reversal, nil
}

// ReconcileAccount re-sums completed entries and compares them with the
// running balance.
func (s *LedgerService) ReconcileAccount(ctx context.Context, accountID string) (*models.Reconciliation, error) {
	rec := &models.Reconciliation{AccountID: accountID}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.balance, COALESCE(SUM(e.amount), 0), COUNT(e.id)
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id AND e.status = 'completed'
		WHERE a.id = $1
		GROUP BY a.balance`, accountID).Scan(&rec.RunningBalance, &rec.EntrySum, &rec.EntryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "account", ID: accountID}
	}
	if err != nil {
		return nil, err
	}

	rec.Balanced = rec.RunningBalance == rec.EntrySum
	if !rec.Balanced {
		s.logger.Error("ledger balance drift",
			zap.String("account_id", accountID),
			zap.Int64("running_balance", rec.RunningBalance),
			zap.Int64("entry_sum", rec.EntrySum),
		)
	}
	return rec, nil
}

// ReconcileAll returns every account whose running balance disagrees with
// its completed entries.
func (s *LedgerService) ReconcileAll(ctx context.Context) ([]models.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(e.amount), 0), COUNT(e.id)
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id AND e.status = 'completed'
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(e.amount), 0)
		ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drift []models.Reconciliation
	for rows.Next() {
		var rec models.Reconciliation
		if err := rows.Scan(&rec.AccountID, &rec.RunningBalance, &rec.EntrySum, &rec.EntryCount); err != nil {
			return nil, err
		}
		drift = append(drift, rec)
	}
	return drift, rows.Err()
}

// ListEntries returns the newest entries for an account.
func (s *LedgerService) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// LockAccountTx locks one account row for the rest of tx.
func (s *LedgerService) LockAccountTx(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "account", ID: accountID}
	}
	return account, err
}

// lockAccounts locks every distinct account in reqs in ascending id order so
// concurrent multi-account postings cannot deadlock.
func (s *LedgerService) lockAccounts(ctx context.Context, tx *sql.Tx, reqs []PostingRequest) (map[string]*models.Account, error) {
	ids := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		ids[r.AccountID] = true
	}

	accounts := make(map[string]*models.Account, len(ids))
	for _, id := range sortedKeys(ids) {
		account, err := s.LockAccountTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (s *LedgerService) replayByKeys(ctx context.Context, reqs []PostingRequest) ([]*models.LedgerEntry, error) {
	entries := make([]*models.LedgerEntry, 0, len(reqs))
	for _, req := range reqs {
		e, err := findEntryByKey(ctx, s.db, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, &models.ConflictError{Message: fmt.Sprintf("concurrent posting conflict on key %q", req.IdempotencyKey)}
		}
		e.Replayed = true
		entries = append(entries, e)
	}
	return entries, nil
}

// checkPostable enforces account status and the balance floor for debits.
// Withdrawals and transfer-outs stop at the account's minimum balance; every
// other debit may take the available balance to exactly zero.
func checkPostable(account *models.Account, amount int64, entryType models.EntryType) error {
	switch account.Status {
	case models.AccountStatusClosed:
		return &models.AccountInactiveError{AccountID: account.ID, Status: account.Status}
	case models.AccountStatusFrozen:
		if amount < 0 {
			return &models.AccountInactiveError{AccountID: account.ID, Status: account.Status}
		}
	}

	if amount >= 0 {
		return nil
	}

	floor := int64(0)
	if entryType.RespectsFloor() {
		floor = account.MinBalance
	}

	spendable := account.Available() - floor
	if spendable+amount < 0 {
		if spendable < 0 {
			spendable = 0
		}
		return &models.InsufficientFundsError{AccountID: account.ID, Available: spendable, Required: -amount}
	}
	return nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func findEntryByKey(ctx context.Context, q rowQueryer, key string) (*models.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, key)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func getEntry(ctx context.Context, q rowQueryer, entryID string) (*models.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "ledger entry", ID: entryID}
	}
	return entry, err
}

func lockEntry(ctx context.Context, tx *sql.Tx, entryID string) (*models.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "ledger entry", ID: entryID}
	}
	return entry, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *models.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.AccountID, e.Amount, e.EntryType, e.BalanceBefore, e.BalanceAfter,
		e.CorrelationRef, e.IdempotencyKey, e.Status, e.ReversedBy, e.Description, e.CreatedAt)
	return err
}

func updateAccountBalance(ctx context.Context, tx *sql.Tx, account *models.Account) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = $1, held = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		account.Balance, account.Held, time.Now().UTC(), account.ID, account.Version)
	if err != nil {
		return err
	}
	if err := expectOneRow(result, account.ID); err != nil {
		return err
	}
	account.Version++
	return nil
}

func expectOneRow(result sql.Result, accountID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}
	return nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Kind, &a.Currency, &a.Balance, &a.Held,
		&a.MinBalance, &a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var reversedBy sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &e.Amount, &e.EntryType, &e.BalanceBefore, &e.BalanceAfter,
		&e.CorrelationRef, &e.IdempotencyKey, &e.Status, &reversedBy, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reversedBy.Valid {
		e.ReversedBy = &reversedBy.String
	}
	return &e, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
