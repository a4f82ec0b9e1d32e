package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sautimusic/backend/internal/middleware"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/sautimusic/backend/internal/services"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testJWTSecret = "handler-test-secret"

type MockWebhooks struct {
	mock.Mock
}

func (m *MockWebhooks) Process(ctx context.Context, provider, signature string, body []byte) (services.WebhookOutcome, error) {
	args := m.Called(ctx, provider, signature, body)
	return args.Get(0).(services.WebhookOutcome), args.Error(1)
}

func (m *MockWebhooks) SignatureHeader(provider string) string {
	return "X-Signature"
}

type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) payment(args mock.Arguments) (*models.PaymentRequest, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PaymentRequest), args.Error(1)
}

func (m *MockPayments) Initiate(ctx context.Context, ownerID string, req services.CreatePaymentRequest) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, ownerID, req))
}

func (m *MockPayments) GetForOwner(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, paymentID, actorID))
}

func (m *MockPayments) History(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PaymentEvent), args.Error(1)
}

func (m *MockPayments) Cancel(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, paymentID, actorID))
}

func (m *MockPayments) FailFlagged(ctx context.Context, paymentID, reason string) (*models.PaymentRequest, error) {
	return m.payment(m.Called(ctx, paymentID, reason))
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Account), args.Error(1)
}

func (m *MockLedger) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	args := m.Called(ctx, accountID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) ReverseEntry(ctx context.Context, entryID, reason string) (*models.LedgerEntry, error) {
	args := m.Called(ctx, entryID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerEntry), args.Error(1)
}

func (m *MockLedger) ReconcileAccount(ctx context.Context, accountID string) (*models.Reconciliation, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Reconciliation), args.Error(1)
}

type MockSacco struct {
	mock.Mock
}

func (m *MockSacco) loan(args mock.Arguments) (*models.Loan, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Loan), args.Error(1)
}

func (m *MockSacco) ComputeLoanLimit(ctx context.Context, memberID string) (int64, error) {
	args := m.Called(ctx, memberID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSacco) ApplyForLoan(ctx context.Context, memberID string, app services.LoanApplication) (*models.Loan, error) {
	return m.loan(m.Called(ctx, memberID, app))
}

func (m *MockSacco) GetLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	return m.loan(m.Called(ctx, loanID))
}

func (m *MockSacco) ApplyRepayment(ctx context.Context, loanID string, amount int64, idempotencyKey string) (*models.Loan, error) {
	return m.loan(m.Called(ctx, loanID, amount, idempotencyKey))
}

func (m *MockSacco) RepaymentSchedule(ctx context.Context, loanID string) ([]models.Installment, error) {
	args := m.Called(ctx, loanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Installment), args.Error(1)
}

func (m *MockSacco) ApproveLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error) {
	return m.loan(m.Called(ctx, loanID, approverID))
}

func (m *MockSacco) RejectLoan(ctx context.Context, loanID, approverID string) (*models.Loan, error) {
	return m.loan(m.Called(ctx, loanID, approverID))
}

func (m *MockSacco) DisburseLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	return m.loan(m.Called(ctx, loanID))
}

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Quote(credits int64) (*models.ConversionQuote, error) {
	args := m.Called(credits)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConversionQuote), args.Error(1)
}

func (m *MockExchange) ConvertCredits(ctx context.Context, userID string, req services.ConvertCreditsRequest) (*models.CreditConversion, error) {
	args := m.Called(ctx, userID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CreditConversion), args.Error(1)
}

func (m *MockExchange) ListConversions(ctx context.Context, userID string, limit int) ([]models.CreditConversion, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CreditConversion), args.Error(1)
}

type apiFixture struct {
	router   http.Handler
	metrics  *observability.Metrics
	webhooks *MockWebhooks
	payments *MockPayments
	ledger   *MockLedger
	sacco    *MockSacco
	exchange *MockExchange
	ready    map[string]ReadinessCheck
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()
	f := &apiFixture{
		metrics:  observability.NewMetrics(),
		webhooks: &MockWebhooks{},
		payments: &MockPayments{},
		ledger:   &MockLedger{},
		sacco:    &MockSacco{},
		exchange: &MockExchange{},
		ready:    map[string]ReadinessCheck{"postgres": func(context.Context) error { return nil }},
	}
	f.router = NewRouter(RouterDeps{
		Auth:     middleware.NewAuthenticator(testJWTSecret, logger),
		Metrics:  f.metrics,
		Logger:   logger,
		Webhooks: NewWebhookHandler(f.webhooks, logger),
		Accounts: NewAccountHandler(f.ledger, logger),
		Payments: NewPaymentHandler(f.payments, logger),
		Sacco:    NewSaccoHandler(f.sacco, logger),
		Exchange: NewExchangeHandler(f.exchange, logger),
		Ready:    f.ready,
	})
	return f
}

func signedToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID, "role": role}).
		SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

// do sends a request through the full router. An empty token sends no
// Authorization header.
func (f *apiFixture) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}
