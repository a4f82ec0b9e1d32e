package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SavingsAccount is the SACCO specialisation of a ledger account.
type SavingsAccount struct {
	AccountID       string          `json:"accountId" db:"account_id"`
	MemberID        string          `json:"memberId" db:"member_id"`
	InterestRate    decimal.Decimal `json:"interestRate" db:"interest_rate"` // annual, e.g. 0.06
	AccruedInterest int64           `json:"accruedInterest" db:"accrued_interest"`
	MinimumBalance  int64           `json:"minimumBalance" db:"minimum_balance"`
	LastAccruedOn   *time.Time      `json:"lastAccruedOn,omitempty" db:"last_accrued_on"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanRejected  LoanStatus = "rejected"
	LoanDisbursed LoanStatus = "disbursed"
	LoanActive    LoanStatus = "active"
	LoanPaid      LoanStatus = "paid"
	LoanDefaulted LoanStatus = "defaulted"
)

// Repayable reports whether repayments can be applied to the loan.
func (s LoanStatus) Repayable() bool {
	return s == LoanDisbursed || s == LoanActive || s == LoanDefaulted
}

// Loan is a SACCO loan. Outstanding mirrors the balance of the loan's ledger
// account and only changes through ledger entries.
type Loan struct {
	ID                string          `json:"id" db:"id"`
	MemberID          string          `json:"memberId" db:"member_id"`
	SavingsAccountID  string          `json:"savingsAccountId" db:"savings_account_id"`
	LoanAccountID     *string         `json:"loanAccountId,omitempty" db:"loan_account_id"`
	Principal         int64           `json:"principal" db:"principal"`
	InterestRate      decimal.Decimal `json:"interestRate" db:"interest_rate"` // annual
	TermMonths        int             `json:"termMonths" db:"term_months"`
	Outstanding       int64           `json:"outstanding" db:"outstanding"`
	AccruedInterest   int64           `json:"accruedInterest" db:"accrued_interest"`
	TotalRepaid       int64           `json:"totalRepaid" db:"total_repaid"`
	Status            LoanStatus      `json:"status" db:"status"`
	ApprovedBy        *string         `json:"approvedBy,omitempty" db:"approved_by"`
	DisbursedAt       *time.Time      `json:"disbursedAt,omitempty" db:"disbursed_at"`
	DueDate           *time.Time      `json:"dueDate,omitempty" db:"due_date"`
	LastAccruedPeriod *string         `json:"lastAccruedPeriod,omitempty" db:"last_accrued_period"`
	CreatedAt         time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time       `json:"updatedAt" db:"updated_at"`
}

// Conserved reports whether repayments plus outstanding equal principal plus
// accrued interest. Loans that were never disbursed carry no balance.
func (l *Loan) Conserved() bool {
	if l.DisbursedAt == nil {
		return l.Outstanding == 0 && l.TotalRepaid == 0
	}
	return l.TotalRepaid+l.Outstanding == l.Principal+l.AccruedInterest
}

// Installment is one line of a loan repayment schedule.
type Installment struct {
	Number    int       `json:"number"`
	DueDate   time.Time `json:"dueDate"`
	Principal int64     `json:"principal"`
	Interest  int64     `json:"interest"`
	Total     int64     `json:"total"`
}

type DividendStatus string

const (
	DividendPaid DividendStatus = "paid"
)

// DividendPeriod is the declared surplus for one distribution period.
type DividendPeriod struct {
	Label     string         `json:"label" db:"label"`
	StartsOn  time.Time      `json:"startsOn" db:"starts_on"`
	EndsOn    time.Time      `json:"endsOn" db:"ends_on"`
	Surplus   int64          `json:"surplus" db:"surplus"`
	Status    DividendStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

// DividendDistribution is one member's share of a period surplus.
type DividendDistribution struct {
	ID               string          `json:"id" db:"id"`
	PeriodLabel      string          `json:"period" db:"period_label"`
	MemberID         string          `json:"memberId" db:"member_id"`
	SavingsAccountID string          `json:"savingsAccountId" db:"savings_account_id"`
	AverageBalance   decimal.Decimal `json:"averageBalance" db:"average_balance"`
	Amount           int64           `json:"amount" db:"amount"`
	LedgerEntryID    string          `json:"ledgerEntryId" db:"ledger_entry_id"`
	Status           DividendStatus  `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
}
