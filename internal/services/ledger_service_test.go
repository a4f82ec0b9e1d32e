package services

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/sautimusic/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerService_PostEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("deposit updates running balance", func(t *testing.T) {
		ledger, mock, metrics := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 100000)

		expectSinglePosting(mock, acct, 50000, models.EntryDeposit, "pay-1")

		entry, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID:      acct.ID,
			Amount:         50000,
			EntryType:      models.EntryDeposit,
			CorrelationRef: "pay-1",
			IdempotencyKey: "pay-1",
		})

		require.NoError(t, err)
		assert.Equal(t, int64(100000), entry.BalanceBefore)
		assert.Equal(t, int64(150000), entry.BalanceAfter)
		assert.Equal(t, models.EntryCompleted, entry.Status)
		assert.False(t, entry.Replayed)
		assert.Equal(t, float64(1), metrics.LedgerPostingCount("deposit", "ok"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate key returns the first entry without posting", func(t *testing.T) {
		ledger, mock, metrics := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 150000)
		first := &models.LedgerEntry{
			ID: "entry-1", AccountID: acct.ID, Amount: 50000, EntryType: models.EntryDeposit,
			BalanceBefore: 100000, BalanceAfter: 150000, CorrelationRef: "pay-1",
			IdempotencyKey: "pay-1", Status: models.EntryCompleted, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		expectLock(mock, acct)
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-1").WillReturnRows(entryRows(first))
		mock.ExpectCommit()

		entry, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID: acct.ID, Amount: 50000, EntryType: models.EntryDeposit, IdempotencyKey: "pay-1",
		})

		require.NoError(t, err)
		assert.Equal(t, "entry-1", entry.ID)
		assert.Equal(t, int64(150000), entry.BalanceAfter)
		assert.True(t, entry.Replayed)
		assert.Equal(t, float64(0), metrics.LedgerPostingCount("deposit", "ok"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("key reused for a different posting is a conflict", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 150000)
		first := &models.LedgerEntry{
			ID: "entry-1", AccountID: acct.ID, Amount: 50000, EntryType: models.EntryDeposit,
			IdempotencyKey: "pay-1", Status: models.EntryCompleted, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		expectLock(mock, acct)
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-1").WillReturnRows(entryRows(first))
		mock.ExpectRollback()

		_, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID: acct.ID, Amount: 70000, EntryType: models.EntryDeposit, IdempotencyKey: "pay-1",
		})

		assert.Equal(t, models.KindConflict, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent duplicate resolved by re-reading the winner", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 100000)
		winner := &models.LedgerEntry{
			ID: "entry-w", AccountID: acct.ID, Amount: 50000, EntryType: models.EntryDeposit,
			BalanceBefore: 100000, BalanceAfter: 150000, IdempotencyKey: "pay-1",
			Status: models.EntryCompleted, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		expectLock(mock, acct)
		expectNoEntry(mock, "pay-1")
		mock.ExpectExec(insertEntrySQL).WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-1").WillReturnRows(entryRows(winner))

		entry, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID: acct.ID, Amount: 50000, EntryType: models.EntryDeposit, IdempotencyKey: "pay-1",
		})

		require.NoError(t, err)
		assert.Equal(t, "entry-w", entry.ID)
		assert.True(t, entry.Replayed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects zero amount before touching the database", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		_, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID: "acct-1", Amount: 0, EntryType: models.EntryDeposit, IdempotencyKey: "k",
		})

		var fieldErrs validator.ValidationErrors
		assert.True(t, errors.As(err, &fieldErrs))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lockAccountSQL).WithArgs("missing").WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		_, err := ledger.PostEntry(ctx, PostingRequest{
			AccountID: "missing", Amount: 10, EntryType: models.EntryDeposit, IdempotencyKey: "k",
		})

		assert.Equal(t, models.KindNotFound, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// Two 80,000 withdrawals against 100,000, run back to back. In Postgres the
// SELECT ... FOR UPDATE row lock puts concurrent callers in this same order;
// sqlmock cannot block, so this checks that the second posting re-reads the
// committed balance under the lock and is rejected.
func TestLedgerService_SecondWithdrawalSeesCommittedBalance(t *testing.T) {
	ctx := context.Background()
	ledger, mock, metrics := newTestLedger(t)

	acct := testAccount("acct-1", models.AccountSaccoSavings, 100000)
	expectSinglePosting(mock, acct, -80000, models.EntryWithdrawal, "wd-1")

	afterFirst := testAccount("acct-1", models.AccountSaccoSavings, 20000)
	afterFirst.Version = 2
	mock.ExpectBegin()
	expectLock(mock, afterFirst)
	expectNoEntry(mock, "wd-2")
	mock.ExpectRollback()

	first, err := ledger.PostEntry(ctx, PostingRequest{
		AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal, IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20000), first.BalanceAfter)

	_, err = ledger.PostEntry(ctx, PostingRequest{
		AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal, IdempotencyKey: "wd-2",
	})

	var insufficient *models.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(20000), insufficient.Available)
	assert.Equal(t, int64(80000), insufficient.Required)
	assert.Equal(t, models.KindBusiness, models.KindOf(err))
	assert.Equal(t, float64(1), metrics.LedgerPostingCount("withdrawal", "rejected"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_PostEntries(t *testing.T) {
	ctx := context.Background()

	t.Run("locks in id order and commits all", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		credit := testAccount("b-credit", models.AccountPlatformCredit, 5000)
		savings := testAccount("a-savings", models.AccountSaccoSavings, 0)

		mock.ExpectBegin()
		expectLock(mock, savings)
		expectLock(mock, credit)
		expectNoEntry(mock, "conv-1:debit")
		expectInsert(mock, credit.ID, -1000, models.EntryTransferOut, 5000, "conv-1:debit", models.EntryCompleted)
		expectNoEntry(mock, "conv-1:credit")
		expectInsert(mock, savings.ID, 10, models.EntryTransferIn, 0, "conv-1:credit", models.EntryCompleted)
		expectBalanceUpdate(mock, savings.ID, 10, 0, 1)
		expectBalanceUpdate(mock, credit.ID, 4000, 0, 1)
		mock.ExpectCommit()

		entries, err := ledger.PostEntries(ctx, []PostingRequest{
			{AccountID: credit.ID, Amount: -1000, EntryType: models.EntryTransferOut, IdempotencyKey: "conv-1:debit"},
			{AccountID: savings.ID, Amount: 10, EntryType: models.EntryTransferIn, IdempotencyKey: "conv-1:credit"},
		})

		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(4000), entries[0].BalanceAfter)
		assert.Equal(t, int64(10), entries[1].BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second leg failing rolls back the first", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		from := testAccount("a-from", models.AccountArtistWallet, 500)
		to := testAccount("b-to", models.AccountSaccoSavings, 0)
		to.Status = models.AccountStatusClosed

		mock.ExpectBegin()
		expectLock(mock, from)
		expectLock(mock, to)
		expectNoEntry(mock, "t-1:out")
		expectInsert(mock, from.ID, -500, models.EntryTransferOut, 500, "t-1:out", models.EntryCompleted)
		expectNoEntry(mock, "t-1:in")
		mock.ExpectRollback()

		_, err := ledger.PostEntries(ctx, []PostingRequest{
			{AccountID: from.ID, Amount: -500, EntryType: models.EntryTransferOut, IdempotencyKey: "t-1:out"},
			{AccountID: to.ID, Amount: 500, EntryType: models.EntryTransferIn, IdempotencyKey: "t-1:in"},
		})

		var inactive *models.AccountInactiveError
		assert.ErrorAs(t, err, &inactive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCheckPostable(t *testing.T) {
	active := func(balance, held, min int64) *models.Account {
		a := testAccount("a", models.AccountSaccoSavings, balance)
		a.Held = held
		a.MinBalance = min
		return a
	}
	frozen := active(1000, 0, 0)
	frozen.Status = models.AccountStatusFrozen
	closed := active(1000, 0, 0)
	closed.Status = models.AccountStatusClosed

	tests := []struct {
		name      string
		account   *models.Account
		amount    int64
		entryType models.EntryType
		wantKind  models.ErrorKind
	}{
		{"credit always allowed", active(0, 0, 0), 100, models.EntryDeposit, ""},
		{"fee may reach exactly zero", active(100, 0, 5000), -100, models.EntryFee, ""},
		{"fee may not go below zero", active(100, 0, 0), -101, models.EntryFee, models.KindBusiness},
		{"withdrawal stops at minimum balance", active(10000, 0, 5000), -5000, models.EntryWithdrawal, ""},
		{"withdrawal below minimum balance", active(10000, 0, 5000), -5001, models.EntryWithdrawal, models.KindBusiness},
		{"held funds are not spendable", active(10000, 8000, 0), -3000, models.EntryTransferOut, models.KindBusiness},
		{"loan repayment ignores minimum balance", active(10000, 0, 5000), -10000, models.EntryLoanRepayment, ""},
		{"frozen accepts credits", frozen, 500, models.EntryDeposit, ""},
		{"frozen rejects debits", frozen, -1, models.EntryFee, models.KindBusiness},
		{"closed rejects credits", closed, 500, models.EntryDeposit, models.KindBusiness},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkPostable(tt.account, tt.amount, tt.entryType)
			if tt.wantKind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantKind, models.KindOf(err))
		})
	}
}

func TestLedgerService_Holds(t *testing.T) {
	ctx := context.Background()

	t.Run("place hold reserves available balance", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountArtistWallet, 100000)

		mock.ExpectBegin()
		expectLock(mock, acct)
		expectNoEntry(mock, "pay-9")
		expectInsert(mock, acct.ID, -80000, models.EntryWithdrawal, 100000, "pay-9", models.EntryPending)
		expectBalanceUpdate(mock, acct.ID, 100000, 80000, 1)
		mock.ExpectCommit()

		entry, err := ledger.PlaceHold(ctx, PostingRequest{
			AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal, IdempotencyKey: "pay-9",
		})

		require.NoError(t, err)
		assert.Equal(t, models.EntryPending, entry.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second hold beyond available is rejected", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountArtistWallet, 100000)
		acct.Held = 80000
		acct.Version = 2

		mock.ExpectBegin()
		expectLock(mock, acct)
		expectNoEntry(mock, "pay-10")
		mock.ExpectRollback()

		_, err := ledger.PlaceHold(ctx, PostingRequest{
			AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal, IdempotencyKey: "pay-10",
		})

		var insufficient *models.InsufficientFundsError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(20000), insufficient.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("positive hold is invalid", func(t *testing.T) {
		ledger, _, _ := newTestLedger(t)
		_, err := ledger.PlaceHold(ctx, PostingRequest{
			AccountID: "acct-1", Amount: 10, EntryType: models.EntryWithdrawal, IdempotencyKey: "k",
		})
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("capture moves held funds out of the balance", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountArtistWallet, 100000)
		acct.Held = 80000
		acct.Version = 2
		hold := &models.LedgerEntry{
			ID: "hold-1", AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal,
			BalanceBefore: 100000, BalanceAfter: 100000, IdempotencyKey: "pay-9",
			Status: models.EntryPending, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-9").WillReturnRows(entryRows(hold))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("hold-1").WillReturnRows(entryRows(hold))
		mock.ExpectExec(`UPDATE ledger_entries SET status = \$1, balance_before = \$2, balance_after = \$3`).
			WithArgs("completed", int64(100000), int64(20000), "hold-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectBalanceUpdate(mock, acct.ID, 20000, 0, 2)
		mock.ExpectCommit()

		tx, err := ledger.db.Begin()
		require.NoError(t, err)
		entry, err := ledger.CaptureHoldTx(ctx, tx, "pay-9")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.Equal(t, models.EntryCompleted, entry.Status)
		assert.Equal(t, int64(20000), entry.BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release frees the reservation", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountArtistWallet, 100000)
		acct.Held = 80000
		hold := &models.LedgerEntry{
			ID: "hold-1", AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal,
			IdempotencyKey: "pay-9", Status: models.EntryPending, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-9").WillReturnRows(entryRows(hold))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("hold-1").WillReturnRows(entryRows(hold))
		mock.ExpectExec(`UPDATE ledger_entries SET status = 'reversed'`).WithArgs("hold-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectBalanceUpdate(mock, acct.ID, 100000, 0, 1)
		mock.ExpectCommit()

		entry, err := ledger.ReleaseHold(ctx, "pay-9")
		require.NoError(t, err)
		assert.Equal(t, models.EntryReversed, entry.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("release after capture is refused", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountArtistWallet, 20000)
		captured := &models.LedgerEntry{
			ID: "hold-1", AccountID: acct.ID, Amount: -80000, EntryType: models.EntryWithdrawal,
			IdempotencyKey: "pay-9", Status: models.EntryCompleted, CreatedAt: testTime,
		}

		mock.ExpectBegin()
		mock.ExpectQuery(entryByKeySQL).WithArgs("pay-9").WillReturnRows(entryRows(captured))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("hold-1").WillReturnRows(entryRows(captured))
		mock.ExpectRollback()

		_, err := ledger.ReleaseHold(ctx, "pay-9")
		assert.Equal(t, models.KindBusiness, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ReverseEntry(t *testing.T) {
	ctx := context.Background()

	original := &models.LedgerEntry{
		ID: "entry-1", AccountID: "acct-1", Amount: 50000, EntryType: models.EntryDeposit,
		BalanceBefore: 100000, BalanceAfter: 150000, IdempotencyKey: "pay-1",
		Status: models.EntryCompleted, CreatedAt: testTime,
	}

	t.Run("posts an offsetting entry and links it", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 150000)

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM ledger_entries WHERE id = \$1`).WithArgs("entry-1").WillReturnRows(entryRows(original))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("entry-1").WillReturnRows(entryRows(original))
		expectInsert(mock, acct.ID, -50000, models.EntryReversal, 150000, "reversal:entry-1", models.EntryCompleted)
		mock.ExpectExec(`UPDATE ledger_entries SET reversed_by = \$1`).WithArgs(sqlmock.AnyArg(), "entry-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectBalanceUpdate(mock, acct.ID, 100000, 0, 1)
		mock.ExpectCommit()

		reversal, err := ledger.ReverseEntry(ctx, "entry-1", "duplicate provider credit")
		require.NoError(t, err)
		assert.Equal(t, int64(-50000), reversal.Amount)
		assert.Equal(t, models.EntryReversal, reversal.EntryType)
		assert.Equal(t, "entry-1", reversal.CorrelationRef)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already reversed", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 100000)
		by := "entry-2"
		reversed := *original
		reversed.ReversedBy = &by

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM ledger_entries WHERE id = \$1`).WithArgs("entry-1").WillReturnRows(entryRows(&reversed))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("entry-1").WillReturnRows(entryRows(&reversed))
		mock.ExpectRollback()

		_, err := ledger.ReverseEntry(ctx, "entry-1", "again")
		assert.Equal(t, models.KindConflict, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("pending entries cannot be reversed", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 100000)
		pending := *original
		pending.Status = models.EntryPending

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM ledger_entries WHERE id = \$1`).WithArgs("entry-1").WillReturnRows(entryRows(&pending))
		expectLock(mock, acct)
		mock.ExpectQuery(lockEntrySQL).WithArgs("entry-1").WillReturnRows(entryRows(&pending))
		mock.ExpectRollback()

		_, err := ledger.ReverseEntry(ctx, "entry-1", "oops")
		assert.Equal(t, models.KindBusiness, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_ReconcileAccount(t *testing.T) {
	ctx := context.Background()
	reconcileSQL := `SELECT a.balance, COALESCE\(SUM\(e.amount\), 0\), COUNT\(e.id\)`

	t.Run("balance equals sum of completed entries", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectQuery(reconcileSQL).WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "sum", "count"}).AddRow(150000, 150000, 2))

		rec, err := ledger.ReconcileAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, rec.Balanced)
		assert.Equal(t, int64(2), rec.EntryCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("drift is reported", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectQuery(reconcileSQL).WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "sum", "count"}).AddRow(150000, 100000, 1))

		rec, err := ledger.ReconcileAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.False(t, rec.Balanced)
	})

	t.Run("unknown account", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectQuery(reconcileSQL).WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "sum", "count"}))

		_, err := ledger.ReconcileAccount(ctx, "nope")
		assert.Equal(t, models.KindNotFound, models.KindOf(err))
	})
}

func TestLedgerService_AccountLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("open", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		mock.ExpectExec(`INSERT INTO accounts`).
			WithArgs(sqlmock.AnyArg(), "member-1", "sacco_savings", "UGX", int64(5000), "active", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		acct, err := ledger.OpenAccount(ctx, "member-1", models.AccountSaccoSavings, "UGX", 5000)
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusActive, acct.Status)
		assert.Equal(t, int64(0), acct.Balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("close requires zero balance", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 10)

		mock.ExpectBegin()
		expectLock(mock, acct)
		mock.ExpectRollback()

		err := ledger.CloseAccount(ctx, acct.ID)
		assert.Equal(t, models.KindBusiness, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("freeze", func(t *testing.T) {
		ledger, mock, _ := newTestLedger(t)
		acct := testAccount("acct-1", models.AccountSaccoSavings, 10)

		mock.ExpectBegin()
		expectLock(mock, acct)
		mock.ExpectExec(`UPDATE accounts SET status = \$1`).
			WithArgs("frozen", sqlmock.AnyArg(), acct.ID, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, ledger.FreezeAccount(ctx, acct.ID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
