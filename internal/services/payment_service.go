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
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const paymentColumns = `id, owner_id, account_id, direction, purpose, purpose_ref, amount, currency, provider, provider_reference, phone, status, failure_reason, idempotency_key, needs_review, ledger_entry_id, created_at, updated_at`

// Sources recorded in the payment status history.
const (
	SourceAPI      = "api"
	SourceWebhook  = "webhook"
	SourcePoll     = "poll"
	SourceOperator = "operator"
)

const (
	maxTransitionAttempts = 3
	batchLimit            = 500
)

// errStaleState means another writer moved the request first.
var errStaleState = errors.New("payment request state changed concurrently")

// CreatePaymentRequest is the caller input for a new payment request.
type CreatePaymentRequest struct {
	AccountID      string                  `json:"accountId" validate:"required"`
	Direction      models.PaymentDirection `json:"direction" validate:"required,oneof=collection disbursement"`
	Purpose        models.PaymentPurpose   `json:"purpose" validate:"required,oneof=sacco_deposit sacco_withdrawal ticket artist_payout credit_topup loan_repayment"`
	PurposeRef     string                  `json:"purposeRef" validate:"max=128"`
	Amount         int64                   `json:"amount" validate:"required,gt=0"`
	Currency       string                  `json:"currency" validate:"required,len=3"`
	Provider       string                  `json:"provider" validate:"required"`
	Phone          string                  `json:"phone" validate:"required,e164"`
	IdempotencyKey string                  `json:"idempotencyKey" validate:"required,max=128"`
}

// Notifier is told about completed payments after the ledger commit.
type Notifier interface {
	PaymentCompleted(ctx context.Context, p *models.PaymentRequest) error
}

// RepaymentApplier resolves SACCO loans and applies collected amounts to them.
type RepaymentApplier interface {
	GetLoan(ctx context.Context, loanID string) (*models.Loan, error)
	ApplyRepayment(ctx context.Context, loanID string, amount int64, idempotencyKey string) (*models.Loan, error)
}

// BatchResult summarises one run of a batch job.
type BatchResult struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Errors  int `json:"errors"`
}

// PaymentService drives payment requests through the provider state machine.
// Every status change is a compare-and-set on the current status, so the API,
// webhook and poll paths can race safely; the loser re-reads and re-evaluates.
type PaymentService struct {
	db              *sql.DB
	ledger          Ledger
	gateway         PaymentGateway
	notifier        Notifier
	repayments      RepaymentApplier
	validator       *ValidationHelper
	audit           *hsm.AuditLogger
	metrics         *observability.Metrics
	logger          *zap.Logger
	pendingTimeout  time.Duration
	pollConcurrency int
}

func NewPaymentService(db *sql.DB, ledger Ledger, gateway PaymentGateway, cfg config.PaymentsConfig, audit *hsm.AuditLogger, metrics *observability.Metrics, logger *zap.Logger) *PaymentService {
	concurrency := cfg.PollConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &PaymentService{
		db:              db,
		ledger:          ledger,
		gateway:         gateway,
		validator:       NewValidationHelper(),
		audit:           audit,
		metrics:         metrics,
		logger:          logger,
		pendingTimeout:  cfg.PendingTimeout,
		pollConcurrency: concurrency,
	}
}

func (s *PaymentService) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *PaymentService) SetRepaymentApplier(r RepaymentApplier) {
	s.repayments = r
}

// Initiate creates the request and submits it to the provider.
func (s *PaymentService) Initiate(ctx context.Context, ownerID string, req CreatePaymentRequest) (*models.PaymentRequest, error) {
	p, err := s.Create(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentCreated {
		// Replay of an earlier call.
		return p, nil
	}
	return s.Submit(ctx, p.ID)
}

// Create validates and persists a request in state created. A live request
// with the same owner and idempotency key is returned instead of a new one.
func (s *PaymentService) Create(ctx context.Context, ownerID string, req CreatePaymentRequest) (*models.PaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.Create")
	defer span.End()

	if ownerID == "" {
		return nil, &models.ValidationError{Field: "ownerId", Message: "is required"}
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		return nil, err
	}
	if !s.gateway.Supports(req.Provider) {
		return nil, &models.ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", req.Provider)}
	}
	if directionFor(req.Purpose) != req.Direction {
		return nil, &models.ValidationError{Field: "direction", Message: fmt.Sprintf("purpose %s requires direction %s", req.Purpose, directionFor(req.Purpose))}
	}
	if req.Purpose == models.PurposeLoanRepayment && req.PurposeRef == "" {
		return nil, &models.ValidationError{Field: "purposeRef", Message: "loan id is required for loan repayments"}
	}

	existing, err := s.findLive(ctx, s.db, ownerID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return sameRequest(existing, req)
	}

	account, err := s.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.OwnerID != ownerID {
		return nil, &models.ForbiddenError{Action: "create payment on account " + account.ID}
	}
	if account.Currency != req.Currency {
		return nil, &models.ValidationError{Field: "currency", Message: fmt.Sprintf("account is denominated in %s", account.Currency)}
	}
	if account.Status == models.AccountStatusClosed {
		return nil, &models.AccountInactiveError{AccountID: account.ID, Status: account.Status}
	}
	if req.Purpose == models.PurposeLoanRepayment {
		if err := s.checkRepaymentTarget(ctx, ownerID, account.ID, req.PurposeRef); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	p := &models.PaymentRequest{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		AccountID:      account.ID,
		Direction:      req.Direction,
		Purpose:        req.Purpose,
		PurposeRef:     req.PurposeRef,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       req.Provider,
		Phone:          req.Phone,
		Status:         models.PaymentCreated,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span.SetAttributes(attribute.String("payment.id", p.ID), attribute.String("payment.direction", string(p.Direction)))

	if p.Direction == models.DirectionDisbursement {
		// Reserve the funds now so concurrent withdrawals cannot over-commit.
		if _, err := s.ledger.PlaceHold(ctx, PostingRequest{
			AccountID:      p.AccountID,
			Amount:         -p.Amount,
			EntryType:      p.EntryTypeFor(),
			CorrelationRef: p.ID,
			IdempotencyKey: p.ID,
			Description:    string(p.Purpose),
		}); err != nil {
			return nil, err
		}
	}

	if err := s.insert(ctx, p); err != nil {
		s.releaseHold(ctx, p)
		if database.IsUniqueViolation(err) {
			existing, findErr := s.findLive(ctx, s.db, ownerID, req.IdempotencyKey)
			if findErr == nil && existing != nil {
				return sameRequest(existing, req)
			}
		}
		return nil, fmt.Errorf("create payment request: %w", err)
	}

	s.metrics.IncrPaymentTransition("", string(p.Status))
	s.audit.LogTransition(p.ID, "", string(p.Status), SourceAPI)
	return p, nil
}

// checkRepaymentTarget ensures a repayment names a loan of the paying member
// that settles against the account being credited. Completion debits the
// loan's savings account, so a foreign loan id must never get that far.
func (s *PaymentService) checkRepaymentTarget(ctx context.Context, ownerID, accountID, loanID string) error {
	if s.repayments == nil {
		return &models.BusinessRuleError{Rule: "loan_repayments_disabled", Message: "loan repayments are not available"}
	}
	loan, err := s.repayments.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.MemberID != ownerID {
		return &models.ForbiddenError{Action: "repay loan " + loan.ID}
	}
	if loan.SavingsAccountID != accountID {
		return &models.ValidationError{Field: "accountId", Message: fmt.Sprintf("loan %s is repaid from savings account %s", loan.ID, loan.SavingsAccountID)}
	}
	if !loan.Status.Repayable() {
		return &models.BusinessRuleError{Rule: "loan_not_repayable", Message: fmt.Sprintf("loan %s is %s and cannot take repayments", loan.ID, loan.Status)}
	}
	return nil
}

// Submit sends a created request to its provider. The request ID is the
// provider's client reference. Provider errors leave the request in
// provider_submitted for the status poll to settle.
func (s *PaymentService) Submit(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", paymentID))

	p, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentCreated {
		if p.Status.IsTerminal() && p.Status != models.PaymentCompleted {
			return nil, &models.InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(models.PaymentProviderSubmitted)}
		}
		return p, nil
	}

	if err := s.transition(ctx, p, models.PaymentProviderSubmitted, SourceAPI, transitionDetail{}); err != nil {
		if errors.Is(err, errStaleState) {
			return s.Get(ctx, paymentID)
		}
		return nil, err
	}

	result, err := s.gateway.Submit(ctx, p)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("provider submission failed, awaiting poll",
			zap.String("payment_id", p.ID),
			zap.String("provider", p.Provider),
			zap.Error(err),
		)
		return p, nil
	}

	return s.drive(ctx, p, eventFromResult(p, result), SourceAPI)
}

// ApplyProviderEvent drives the request named by a normalised provider
// event. Events for terminal requests are no-ops.
func (s *PaymentService) ApplyProviderEvent(ctx context.Context, ev *models.ProviderEvent) (*models.PaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.ApplyProviderEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", ev.Provider),
		attribute.String("provider.status", string(ev.Status)),
	)

	p, err := s.findForEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", p.ID))
	return s.drive(ctx, p, ev, SourceWebhook)
}

// Cancel aborts a request that has not yet been acknowledged by the provider.
func (s *PaymentService) Cancel(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		p, err := s.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if p.OwnerID != actorID {
			return nil, &models.ForbiddenError{Action: "cancel payment " + paymentID}
		}
		if p.Status == models.PaymentCancelled {
			return p, nil
		}
		if !p.Status.Cancellable() {
			return nil, &models.InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(models.PaymentCancelled)}
		}

		err = s.transition(ctx, p, models.PaymentCancelled, SourceAPI, transitionDetail{reason: models.ReasonUserCancelled})
		if errors.Is(err, errStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.releaseHold(ctx, p)
		return p, nil
	}
	return nil, &models.ConflictError{Message: "payment " + paymentID + " is changing concurrently, retry"}
}

// FailFlagged lets an operator close out a provider_succeeded request whose
// ledger post cannot be completed.
func (s *PaymentService) FailFlagged(ctx context.Context, paymentID, reason string) (*models.PaymentRequest, error) {
	if reason == "" {
		return nil, &models.ValidationError{Field: "reason", Message: "is required"}
	}
	p, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PaymentProviderSucceeded {
		return nil, &models.InvalidTransitionError{Entity: "payment", From: string(p.Status), To: string(models.PaymentFailed)}
	}
	if err := s.transition(ctx, p, models.PaymentFailed, SourceOperator, transitionDetail{reason: reason}); err != nil {
		if errors.Is(err, errStaleState) {
			return nil, &models.ConflictError{Message: "payment " + paymentID + " changed concurrently"}
		}
		return nil, err
	}
	s.releaseHold(ctx, p)
	s.logger.Warn("operator failed confirmed payment", zap.String("payment_id", p.ID), zap.String("reason", reason))
	return p, nil
}

// PollStuck checks the provider status of requests that have waited longer
// than olderThan and applies the result. A zero olderThan uses the
// configured pending timeout.
func (s *PaymentService) PollStuck(ctx context.Context, olderThan time.Duration) (*BatchResult, error) {
	if olderThan <= 0 {
		olderThan = s.pendingTimeout
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	stuck, err := s.list(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE status IN ('provider_submitted', 'provider_pending') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, batchLimit)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	result := &BatchResult{Scanned: len(stuck)}
	record := func(changed bool, failed bool) {
		mu.Lock()
		defer mu.Unlock()
		if changed {
			result.Changed++
		}
		if failed {
			result.Errors++
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.pollConcurrency)
	for _, p := range stuck {
		p := p
		g.Go(func() error {
			res, err := s.gateway.CheckStatus(gCtx, p)
			if err != nil {
				s.metrics.IncrBatchItem("poll_payments", "error")
				s.logger.Warn("status poll failed", zap.String("payment_id", p.ID), zap.Error(err))
				record(false, true)
				return nil
			}

			before := p.Status
			updated, err := s.drive(gCtx, p, eventFromResult(p, res), SourcePoll)
			if err != nil && models.KindOf(err) != models.KindConsistency {
				s.metrics.IncrBatchItem("poll_payments", "error")
				s.logger.Error("applying polled status failed", zap.String("payment_id", p.ID), zap.Error(err))
				record(false, true)
				return nil
			}
			changed := updated != nil && updated.Status != before
			if changed {
				s.metrics.IncrBatchItem("poll_payments", "changed")
			} else {
				s.metrics.IncrBatchItem("poll_payments", "unchanged")
			}
			record(changed, err != nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	s.logger.Info("stuck payment poll finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("changed", result.Changed),
		zap.Int("errors", result.Errors),
	)
	return result, ctx.Err()
}

// RetryUnposted re-attempts the ledger post for requests the provider
// confirmed but the ledger did not record.
func (s *PaymentService) RetryUnposted(ctx context.Context) (*BatchResult, error) {
	pending, err := s.list(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE status = 'provider_succeeded'
		ORDER BY updated_at
		LIMIT $1`, batchLimit)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Scanned: len(pending)}
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.complete(ctx, p, SourceOperator); err != nil {
			s.metrics.IncrBatchItem("retry_unposted", "error")
			result.Errors++
			continue
		}
		s.metrics.IncrBatchItem("retry_unposted", "posted")
		result.Changed++
	}
	return result, nil
}

func (s *PaymentService) Get(ctx context.Context, paymentID string) (*models.PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, paymentID)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "payment request", ID: paymentID}
	}
	return p, err
}

// GetForOwner returns the request only if actorID owns it.
func (s *PaymentService) GetForOwner(ctx context.Context, paymentID, actorID string) (*models.PaymentRequest, error) {
	p, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != actorID {
		// Same answer as a missing request so IDs cannot be probed.
		return nil, &models.NotFoundError{Resource: "payment request", ID: paymentID}
	}
	return p, nil
}

// History returns the status changes of a request, oldest first.
func (s *PaymentService) History(ctx context.Context, paymentID string) ([]models.PaymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payment_id, from_status, to_status, source, detail, created_at
		FROM payment_events WHERE payment_id = $1 ORDER BY id`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.PaymentEvent
	for rows.Next() {
		var e models.PaymentEvent
		if err := rows.Scan(&e.ID, &e.PaymentID, &e.FromStatus, &e.ToStatus, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// drive applies ev to p, re-reading and re-evaluating when a concurrent
// writer wins the compare-and-set.
func (s *PaymentService) drive(ctx context.Context, p *models.PaymentRequest, ev *models.ProviderEvent, source string) (*models.PaymentRequest, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		updated, err := s.step(ctx, p, ev, source)
		if !errors.Is(err, errStaleState) {
			return updated, err
		}
		if p, err = s.Get(ctx, p.ID); err != nil {
			return nil, err
		}
	}
	return p, &models.ConflictError{Message: "payment " + p.ID + " is changing concurrently, retry"}
}

func (s *PaymentService) step(ctx context.Context, p *models.PaymentRequest, ev *models.ProviderEvent, source string) (*models.PaymentRequest, error) {
	switch p.Status {
	case models.PaymentCompleted:
		return p, nil
	case models.PaymentFailed, models.PaymentCancelled:
		if ev.Status == models.ProviderStatusCompleted && !p.NeedsReview {
			// Money moved after we gave up on it.
			s.logger.Error("provider reported success for a closed payment request",
				zap.String("payment_id", p.ID),
				zap.String("status", string(p.Status)),
				zap.String("provider", ev.Provider),
			)
			s.metrics.IncrConsistencyFault()
			s.audit.LogError(p.ID, p.AccountID, fmt.Errorf("late provider success on %s request", p.Status))
			if err := s.setNeedsReview(ctx, p); err != nil {
				return nil, err
			}
		}
		return p, nil
	case models.PaymentProviderSucceeded:
		if ev.Status != models.ProviderStatusCompleted {
			s.logger.Warn("ignoring non-success event for confirmed payment",
				zap.String("payment_id", p.ID),
				zap.String("event_status", string(ev.Status)),
			)
			return p, nil
		}
		return s.complete(ctx, p, source)
	case models.PaymentProviderFailed:
		return s.finishFailed(ctx, p, source)
	case models.PaymentCreated:
		s.logger.Warn("provider event for unsubmitted payment request", zap.String("payment_id", p.ID))
		return p, nil
	}

	detail := transitionDetail{providerReference: ev.ProviderReference, rawStatus: ev.RawStatus}

	switch ev.Status {
	case models.ProviderStatusPending:
		if p.Status == models.PaymentProviderPending {
			return p, nil
		}
		if err := s.transition(ctx, p, models.PaymentProviderPending, source, detail); err != nil {
			return nil, err
		}
		return p, nil

	case models.ProviderStatusCompleted:
		if err := s.transition(ctx, p, models.PaymentProviderSucceeded, source, detail); err != nil {
			return nil, err
		}
		return s.complete(ctx, p, source)

	case models.ProviderStatusExpired:
		detail.reason = models.ReasonTimeout
		if err := s.transition(ctx, p, models.PaymentFailed, source, detail); err != nil {
			return nil, err
		}
		s.releaseHold(ctx, p)
		return p, nil

	default:
		detail.reason = failureReason(ev)
		if err := s.transition(ctx, p, models.PaymentProviderFailed, source, detail); err != nil {
			return nil, err
		}
		return s.finishFailed(ctx, p, source)
	}
}

// complete posts the ledger entry for a provider_succeeded request and marks
// it completed in the same transaction. The ledger idempotency key is the
// request ID, so a repeated call never posts twice. On failure the request
// stays provider_succeeded and is flagged for review.
func (s *PaymentService) complete(ctx context.Context, p *models.PaymentRequest, source string) (*models.PaymentRequest, error) {
	ctx, span := tracer.Start(ctx, "PaymentService.complete")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", p.ID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.flagConsistency(ctx, p, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, p.ID)
	locked, err := scanPayment(row)
	if err != nil {
		tx.Rollback()
		return s.flagConsistency(ctx, p, err)
	}
	if locked.Status == models.PaymentCompleted {
		return locked, nil
	}
	if locked.Status != models.PaymentProviderSucceeded {
		return nil, errStaleState
	}

	var entry *models.LedgerEntry
	if locked.Direction == models.DirectionDisbursement {
		entry, err = s.ledger.CaptureHoldTx(ctx, tx, locked.ID)
	} else {
		var entries []*models.LedgerEntry
		entries, err = s.ledger.PostEntriesTx(ctx, tx, []PostingRequest{{
			AccountID:      locked.AccountID,
			Amount:         locked.SignedAmount(),
			EntryType:      locked.EntryTypeFor(),
			CorrelationRef: locked.ID,
			IdempotencyKey: locked.ID,
			Description:    string(locked.Purpose),
		}})
		if err == nil {
			entry = entries[0]
		}
	}
	if err != nil {
		tx.Rollback()
		return s.flagConsistency(ctx, locked, err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE payment_requests SET status = $1, ledger_entry_id = $2, needs_review = false, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.PaymentCompleted, entry.ID, now, locked.ID, models.PaymentProviderSucceeded); err != nil {
		tx.Rollback()
		return s.flagConsistency(ctx, locked, err)
	}
	if err := insertPaymentEvent(ctx, tx, locked.ID, locked.Status, models.PaymentCompleted, source, models.Metadata{"ledger_entry_id": entry.ID}); err != nil {
		tx.Rollback()
		return s.flagConsistency(ctx, locked, err)
	}
	if err := tx.Commit(); err != nil {
		return s.flagConsistency(ctx, locked, err)
	}

	from := locked.Status
	locked.Status = models.PaymentCompleted
	locked.LedgerEntryID = &entry.ID
	locked.NeedsReview = false
	locked.UpdatedAt = now
	*p = *locked

	s.metrics.IncrPaymentTransition(string(from), string(locked.Status))
	s.audit.LogTransition(locked.ID, string(from), string(locked.Status), source)
	s.afterCompletion(ctx, locked)
	return locked, nil
}

func (s *PaymentService) finishFailed(ctx context.Context, p *models.PaymentRequest, source string) (*models.PaymentRequest, error) {
	if err := s.transition(ctx, p, models.PaymentFailed, source, transitionDetail{}); err != nil {
		return nil, err
	}
	s.releaseHold(ctx, p)
	return p, nil
}

func (s *PaymentService) afterCompletion(ctx context.Context, p *models.PaymentRequest) {
	if s.notifier != nil {
		if err := s.notifier.PaymentCompleted(ctx, p); err != nil {
			s.logger.Warn("payment completion notification failed", zap.String("payment_id", p.ID), zap.Error(err))
		}
	}

	if p.Purpose == models.PurposeLoanRepayment && s.repayments != nil {
		if _, err := s.repayments.ApplyRepayment(ctx, p.PurposeRef, p.Amount, "loan-repayment:"+p.ID); err != nil {
			// The deposit is in savings; the repayment can be re-applied by key.
			s.logger.Error("applying loan repayment from payment failed",
				zap.String("payment_id", p.ID),
				zap.String("loan_id", p.PurposeRef),
				zap.Error(err),
			)
		}
	}
}

func (s *PaymentService) flagConsistency(ctx context.Context, p *models.PaymentRequest, cause error) (*models.PaymentRequest, error) {
	s.metrics.IncrConsistencyFault()
	s.audit.LogError(p.ID, p.AccountID, cause)
	s.logger.Error("ledger post failed for provider-confirmed payment",
		zap.String("payment_id", p.ID),
		zap.String("account_id", p.AccountID),
		zap.Int64("amount", p.Amount),
		zap.Error(cause),
	)
	if err := s.setNeedsReview(ctx, p); err != nil {
		s.logger.Error("flagging payment for review failed", zap.String("payment_id", p.ID), zap.Error(err))
	}
	return p, &models.ConsistencyError{PaymentID: p.ID, Err: cause}
}

func (s *PaymentService) setNeedsReview(ctx context.Context, p *models.PaymentRequest) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE payment_requests SET needs_review = true, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), p.ID); err != nil {
		return err
	}
	p.NeedsReview = true
	return nil
}

func (s *PaymentService) releaseHold(ctx context.Context, p *models.PaymentRequest) {
	if p.Direction != models.DirectionDisbursement {
		return
	}
	if _, err := s.ledger.ReleaseHold(ctx, p.ID); err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			return
		}
		s.audit.LogError(p.ID, p.AccountID, fmt.Errorf("release hold: %w", err))
		s.logger.Error("releasing disbursement hold failed", zap.String("payment_id", p.ID), zap.Error(err))
	}
}

type transitionDetail struct {
	reason            string
	providerReference string
	rawStatus         string
}

func (d transitionDetail) metadata() models.Metadata {
	m := models.Metadata{}
	if d.reason != "" {
		m["reason"] = d.reason
	}
	if d.providerReference != "" {
		m["provider_reference"] = d.providerReference
	}
	if d.rawStatus != "" {
		m["raw_status"] = d.rawStatus
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// transition moves p to status `to` if nobody else has moved it since p was
// read, and records the history row in the same transaction.
func (s *PaymentService) transition(ctx context.Context, p *models.PaymentRequest, to models.PaymentStatus, source string, d transitionDetail) error {
	from := p.Status
	if !models.CanTransition(from, to) {
		return &models.InvalidTransitionError{Entity: "payment", From: string(from), To: string(to)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $1, provider_reference = COALESCE($2, provider_reference), failure_reason = COALESCE($3, failure_reason), updated_at = $4
		WHERE id = $5 AND status = $6`,
		to, nullString(d.providerReference), nullString(d.reason), now, p.ID, from)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errStaleState
	}

	if err := insertPaymentEvent(ctx, tx, p.ID, from, to, source, d.metadata()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	p.Status = to
	p.UpdatedAt = now
	if d.providerReference != "" && p.ProviderReference == nil {
		ref := d.providerReference
		p.ProviderReference = &ref
	}
	if d.reason != "" && p.FailureReason == nil {
		reason := d.reason
		p.FailureReason = &reason
	}

	s.metrics.IncrPaymentTransition(string(from), string(to))
	s.audit.LogTransition(p.ID, string(from), string(to), source)
	return nil
}

func (s *PaymentService) insert(ctx context.Context, p *models.PaymentRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO payment_requests (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, p.OwnerID, p.AccountID, p.Direction, p.Purpose, p.PurposeRef, p.Amount, p.Currency,
		p.Provider, p.ProviderReference, p.Phone, p.Status, p.FailureReason, p.IdempotencyKey,
		p.NeedsReview, p.LedgerEntryID, p.CreatedAt, p.UpdatedAt); err != nil {
		return err
	}
	if err := insertPaymentEvent(ctx, tx, p.ID, "", p.Status, SourceAPI, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PaymentService) findLive(ctx context.Context, q rowQueryer, ownerID, key string) (*models.PaymentRequest, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payment_requests
		WHERE owner_id = $1 AND idempotency_key = $2 AND status NOT IN ('failed', 'cancelled')`, ownerID, key)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// findForEvent matches an event by provider reference first, then by our
// own request ID echoed back as the client reference.
func (s *PaymentService) findForEvent(ctx context.Context, ev *models.ProviderEvent) (*models.PaymentRequest, error) {
	if ev.ProviderReference != "" {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+paymentColumns+` FROM payment_requests
			WHERE provider = $1 AND provider_reference = $2`, ev.Provider, ev.ProviderReference)
		p, err := scanPayment(row)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	if ev.ClientReference != "" {
		row := s.db.QueryRowContext(ctx, `
			SELECT `+paymentColumns+` FROM payment_requests
			WHERE id = $1 AND provider = $2`, ev.ClientReference, ev.Provider)
		p, err := scanPayment(row)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	return nil, &models.NotFoundError{Resource: "payment request", ID: firstNonEmpty(ev.ClientReference, ev.ProviderReference)}
}

func (s *PaymentService) list(ctx context.Context, query string, args ...any) ([]*models.PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertPaymentEvent(ctx context.Context, tx *sql.Tx, paymentID string, from, to models.PaymentStatus, source string, detail models.Metadata) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_events (payment_id, from_status, to_status, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		paymentID, from, to, source, detail, time.Now().UTC())
	return err
}

func scanPayment(row rowScanner) (*models.PaymentRequest, error) {
	var p models.PaymentRequest
	var providerRef, failureReason, ledgerEntryID sql.NullString
	err := row.Scan(&p.ID, &p.OwnerID, &p.AccountID, &p.Direction, &p.Purpose, &p.PurposeRef, &p.Amount,
		&p.Currency, &p.Provider, &providerRef, &p.Phone, &p.Status, &failureReason, &p.IdempotencyKey,
		&p.NeedsReview, &ledgerEntryID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if providerRef.Valid {
		p.ProviderReference = &providerRef.String
	}
	if failureReason.Valid {
		p.FailureReason = &failureReason.String
	}
	if ledgerEntryID.Valid {
		p.LedgerEntryID = &ledgerEntryID.String
	}
	return &p, nil
}

// sameRequest returns existing when it matches req, else a conflict.
func sameRequest(existing *models.PaymentRequest, req CreatePaymentRequest) (*models.PaymentRequest, error) {
	if existing.AccountID != req.AccountID || existing.Amount != req.Amount || existing.Direction != req.Direction {
		return nil, &models.ConflictError{Message: fmt.Sprintf("idempotency key %q is in use by payment %s", req.IdempotencyKey, existing.ID)}
	}
	return existing, nil
}

func directionFor(purpose models.PaymentPurpose) models.PaymentDirection {
	switch purpose {
	case models.PurposeSaccoWithdrawal, models.PurposeArtistPayout:
		return models.DirectionDisbursement
	}
	return models.DirectionCollection
}

func eventFromResult(p *models.PaymentRequest, r *GatewayResult) *models.ProviderEvent {
	return &models.ProviderEvent{
		Provider:          p.Provider,
		ClientReference:   p.ID,
		ProviderReference: r.ProviderReference,
		Status:            r.Status,
		RawStatus:         r.RawStatus,
		FailureReason:     r.FailureReason,
	}
}

func failureReason(ev *models.ProviderEvent) string {
	if ev.Status == models.ProviderStatusCancelled {
		return models.ReasonPayerCancelled
	}
	if ev.FailureReason != "" {
		return ev.FailureReason
	}
	return models.ReasonProviderRejects
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
