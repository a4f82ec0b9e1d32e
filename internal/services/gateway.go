package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sautimusic/backend/internal/config"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/sautimusic/backend/internal/resilience"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// GatewayResult is a provider's answer to a submission or status check.
type GatewayResult struct {
	ProviderReference string
	Status            models.ProviderStatus
	RawStatus         string
	FailureReason     string
}

// PaymentGateway initiates and checks mobile-money transactions. The client
// reference sent to the provider is always the payment request ID, so a
// retried submission cannot create a second provider-side charge.
type PaymentGateway interface {
	Supports(provider string) bool
	Submit(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error)
	CheckStatus(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error)
}

// providerAdapter speaks one provider's HTTP dialect.
type providerAdapter interface {
	submitRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error)
	parseSubmit(resp *http.Response, body []byte, p *models.PaymentRequest) (*GatewayResult, error)
	statusRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error)
	parseStatus(body []byte, p *models.PaymentRequest) (*GatewayResult, error)
}

var providerAdapters = map[string]providerAdapter{
	"mtn_momo":     mtnAdapter{},
	"airtel_money": airtelAdapter{},
	"flutterwave":  flutterwaveAdapter{},
}

// HTTPGateway calls provider APIs through a per-provider circuit breaker,
// retrying transient failures with backoff.
type HTTPGateway struct {
	client    *http.Client
	providers map[string]config.ProviderConfig
	breakers  map[string]*gobreaker.CircuitBreaker
	bulkhead  *resilience.Bulkhead
	retry     resilience.Config
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewHTTPGateway(providers map[string]config.ProviderConfig, cfg config.PaymentsConfig, metrics *observability.Metrics, logger *zap.Logger) *HTTPGateway {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for name := range providers {
		breakers[name] = resilience.NewCircuitBreaker(name)
	}

	return &HTTPGateway{
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		providers: providers,
		breakers:  breakers,
		bulkhead:  resilience.NewBulkhead(cfg.MaxConcurrency),
		retry: resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		},
		metrics: metrics,
		logger:  logger,
	}
}

func (g *HTTPGateway) Supports(provider string) bool {
	_, configured := g.providers[provider]
	_, adapted := providerAdapters[provider]
	return configured && adapted
}

func (g *HTTPGateway) Submit(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error) {
	ctx, span := tracer.Start(ctx, "HTTPGateway.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.Provider),
		attribute.String("payment.id", p.ID),
		attribute.String("payment.direction", string(p.Direction)),
	)

	adapter, cfg, err := g.lookup(p.Provider)
	if err != nil {
		return nil, err
	}

	return g.call(ctx, p.Provider, "submit",
		func() (*http.Request, error) { return adapter.submitRequest(ctx, cfg, p) },
		func(resp *http.Response, body []byte) (*GatewayResult, error) {
			return adapter.parseSubmit(resp, body, p)
		})
}

// CheckStatus asks the provider for the outcome of p. Collections and
// disbursements live behind different provider endpoints, so the lookup is
// routed by p.Direction.
func (g *HTTPGateway) CheckStatus(ctx context.Context, p *models.PaymentRequest) (*GatewayResult, error) {
	ctx, span := tracer.Start(ctx, "HTTPGateway.CheckStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", p.Provider),
		attribute.String("payment.id", p.ID),
		attribute.String("payment.direction", string(p.Direction)),
	)

	adapter, cfg, err := g.lookup(p.Provider)
	if err != nil {
		return nil, err
	}

	return g.call(ctx, p.Provider, "status",
		func() (*http.Request, error) { return adapter.statusRequest(ctx, cfg, p) },
		func(resp *http.Response, body []byte) (*GatewayResult, error) {
			if resp.StatusCode == http.StatusNotFound {
				return &GatewayResult{Status: models.ProviderStatusExpired, RawStatus: "NOT_FOUND"}, nil
			}
			return adapter.parseStatus(body, p)
		})
}

func (g *HTTPGateway) lookup(provider string) (providerAdapter, config.ProviderConfig, error) {
	adapter, ok := providerAdapters[provider]
	cfg, configured := g.providers[provider]
	if !ok || !configured {
		return nil, config.ProviderConfig{}, &models.ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", provider)}
	}
	return adapter, cfg, nil
}

// errProviderRejected carries a 4xx answer. It is not retried and does not
// count against the circuit breaker.
type errProviderRejected struct {
	status int
	body   string
}

func (e *errProviderRejected) Error() string {
	return fmt.Sprintf("provider rejected request with status %d: %s", e.status, e.body)
}

func (g *HTTPGateway) call(
	ctx context.Context,
	provider, operation string,
	build func() (*http.Request, error),
	parse func(*http.Response, []byte) (*GatewayResult, error),
) (*GatewayResult, error) {
	if err := g.bulkhead.Acquire(ctx); err != nil {
		return nil, &models.ExternalServiceError{Service: provider, Err: err}
	}
	defer g.bulkhead.Release()

	start := time.Now()
	defer func() { g.metrics.RecordProviderDuration(provider, operation, time.Since(start)) }()

	var rejected *errProviderRejected
	out, err := g.breakers[provider].Execute(func() (interface{}, error) {
		var result *GatewayResult
		err := resilience.RetryWithBackoff(ctx, g.retry, func() error {
			req, err := build()
			if err != nil {
				return resilience.Permanent(err)
			}

			resp, err := g.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}

			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("provider returned status %d", resp.StatusCode)
			case resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound:
				rejected = &errProviderRejected{status: resp.StatusCode, body: truncate(string(body), 200)}
				return resilience.Permanent(rejected)
			case resp.StatusCode == http.StatusNotFound && operation != "status":
				rejected = &errProviderRejected{status: resp.StatusCode, body: truncate(string(body), 200)}
				return resilience.Permanent(rejected)
			}

			result, err = parse(resp, body)
			if err != nil {
				return resilience.Permanent(err)
			}
			return nil
		})
		if rejected != nil && errors.Is(err, rejected) {
			return nil, nil
		}
		return result, err
	})

	if rejected != nil {
		g.logger.Warn("provider rejected request",
			zap.String("provider", provider),
			zap.String("operation", operation),
			zap.Int("status", rejected.status),
		)
		return &GatewayResult{
			Status:        models.ProviderStatusFailed,
			RawStatus:     strconv.Itoa(rejected.status),
			FailureReason: models.ReasonProviderRejects,
		}, nil
	}
	if err != nil {
		g.logger.Warn("provider call failed",
			zap.String("provider", provider),
			zap.String("operation", operation),
			zap.Error(err),
		)
		return nil, &models.ExternalServiceError{Service: provider, Err: err}
	}
	return out.(*GatewayResult), nil
}

func jsonRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type mtnAdapter struct{}

func (mtnAdapter) product(p *models.PaymentRequest) string {
	if p.Direction == models.DirectionDisbursement {
		return "disbursement/v1_0/transfer"
	}
	return "collection/v1_0/requesttopay"
}

func (a mtnAdapter) submitRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	party := map[string]string{"partyIdType": "MSISDN", "partyId": p.Phone}
	payload := map[string]any{
		"amount":       strconv.FormatInt(p.Amount, 10),
		"currency":     p.Currency,
		"externalId":   p.ID,
		"payerMessage": string(p.Purpose),
		"payeeNote":    p.ID,
	}
	if p.Direction == models.DirectionDisbursement {
		payload["payee"] = party
	} else {
		payload["payer"] = party
	}

	req, err := jsonRequest(ctx, http.MethodPost, cfg.BaseURL+"/"+a.product(p), payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Reference-Id", p.ID)
	req.Header.Set("Ocp-Apim-Subscription-Key", cfg.APIKey)
	return req, nil
}

func (mtnAdapter) parseSubmit(resp *http.Response, _ []byte, p *models.PaymentRequest) (*GatewayResult, error) {
	// MTN acknowledges with 202 and no body; the outcome arrives by callback.
	return &GatewayResult{ProviderReference: p.ID, Status: models.ProviderStatusPending, RawStatus: strconv.Itoa(resp.StatusCode)}, nil
}

func (a mtnAdapter) statusRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	req, err := jsonRequest(ctx, http.MethodGet, cfg.BaseURL+"/"+a.product(p)+"/"+url.PathEscape(p.ID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", cfg.APIKey)
	return req, nil
}

func (mtnAdapter) parseStatus(body []byte, _ *models.PaymentRequest) (*GatewayResult, error) {
	var cb mtnCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode mtn status: %w", err)
	}
	return &GatewayResult{
		ProviderReference: cb.FinancialTransactionID,
		Status:            mapMTNStatus(cb.Status),
		RawStatus:         cb.Status,
		FailureReason:     reasonString(cb.Reason),
	}, nil
}

type airtelAdapter struct{}

type airtelEnvelope struct {
	Data struct {
		Transaction struct {
			ID            string `json:"id"`
			AirtelMoneyID string `json:"airtel_money_id"`
			Status        string `json:"status"`
			Message       string `json:"message"`
		} `json:"transaction"`
	} `json:"data"`
}

func (airtelAdapter) submitRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	endpoint := cfg.BaseURL + "/merchant/v1/payments/"
	payload := map[string]any{
		"reference":   string(p.Purpose),
		"subscriber":  map[string]string{"msisdn": p.Phone, "currency": p.Currency},
		"transaction": map[string]any{"amount": p.Amount, "currency": p.Currency, "id": p.ID},
	}
	if p.Direction == models.DirectionDisbursement {
		endpoint = cfg.BaseURL + "/standard/v1/disbursements/"
		payload = map[string]any{
			"payee":     map[string]string{"msisdn": p.Phone},
			"reference": p.ID,
			"transaction": map[string]any{
				"amount": p.Amount,
				"id":     p.ID,
			},
		}
	}

	req, err := jsonRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("X-Currency", p.Currency)
	return req, nil
}

func (airtelAdapter) parseSubmit(_ *http.Response, body []byte, p *models.PaymentRequest) (*GatewayResult, error) {
	var env airtelEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode airtel submit: %w", err)
	}
	status := models.ProviderStatusPending
	if env.Data.Transaction.Status != "" {
		status = mapAirtelStatus(env.Data.Transaction.Status)
	}
	return &GatewayResult{
		ProviderReference: firstNonEmpty(env.Data.Transaction.AirtelMoneyID, env.Data.Transaction.ID, p.ID),
		Status:            status,
		RawStatus:         env.Data.Transaction.Status,
		FailureReason:     env.Data.Transaction.Message,
	}, nil
}

func (airtelAdapter) statusRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	endpoint := cfg.BaseURL + "/standard/v1/payments/" + url.PathEscape(p.ID)
	if p.Direction == models.DirectionDisbursement {
		endpoint = cfg.BaseURL + "/standard/v1/disbursements/" + url.PathEscape(p.ID)
	}
	req, err := jsonRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("X-Currency", p.Currency)
	return req, nil
}

func (airtelAdapter) parseStatus(body []byte, _ *models.PaymentRequest) (*GatewayResult, error) {
	var env airtelEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode airtel status: %w", err)
	}
	tx := env.Data.Transaction
	return &GatewayResult{
		ProviderReference: tx.AirtelMoneyID,
		Status:            mapAirtelStatus(tx.Status),
		RawStatus:         tx.Status,
		FailureReason:     tx.Message,
	}, nil
}

type flutterwaveAdapter struct{}

type flutterwaveEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID                json.Number `json:"id"`
		FlwRef            string      `json:"flw_ref"`
		Status            string      `json:"status"`
		ProcessorResponse string      `json:"processor_response"`
	} `json:"data"`
}

func (flutterwaveAdapter) submitRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	endpoint := cfg.BaseURL + "/v3/charges?type=mobile_money_uganda"
	payload := map[string]any{
		"tx_ref":       p.ID,
		"amount":       p.Amount,
		"currency":     p.Currency,
		"phone_number": p.Phone,
	}
	if p.Direction == models.DirectionDisbursement {
		endpoint = cfg.BaseURL + "/v3/transfers"
		payload = map[string]any{
			"reference":      p.ID,
			"amount":         p.Amount,
			"currency":       p.Currency,
			"account_bank":   "MPS",
			"account_number": p.Phone,
			"narration":      string(p.Purpose),
		}
	}

	req, err := jsonRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}

func (flutterwaveAdapter) parseSubmit(_ *http.Response, body []byte, p *models.PaymentRequest) (*GatewayResult, error) {
	var env flutterwaveEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode flutterwave submit: %w", err)
	}
	if env.Status != "success" {
		return &GatewayResult{Status: models.ProviderStatusFailed, RawStatus: env.Status, FailureReason: env.Message}, nil
	}
	status := models.ProviderStatusPending
	if env.Data.Status != "" {
		status = mapFlutterwaveStatus(env.Data.Status)
	}
	return &GatewayResult{
		ProviderReference: firstNonEmpty(env.Data.FlwRef, env.Data.ID.String(), p.ID),
		Status:            status,
		RawStatus:         env.Data.Status,
	}, nil
}

func (flutterwaveAdapter) statusRequest(ctx context.Context, cfg config.ProviderConfig, p *models.PaymentRequest) (*http.Request, error) {
	endpoint := cfg.BaseURL + "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(p.ID)
	if p.Direction == models.DirectionDisbursement {
		endpoint = cfg.BaseURL + "/v3/transfers?reference=" + url.QueryEscape(p.ID)
	}
	req, err := jsonRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	return req, nil
}

func (a flutterwaveAdapter) parseStatus(body []byte, p *models.PaymentRequest) (*GatewayResult, error) {
	if p.Direction == models.DirectionDisbursement {
		return a.parseTransfers(body, p)
	}
	var env flutterwaveEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode flutterwave status: %w", err)
	}
	return &GatewayResult{
		ProviderReference: firstNonEmpty(env.Data.FlwRef, env.Data.ID.String()),
		Status:            mapFlutterwaveStatus(env.Data.Status),
		RawStatus:         env.Data.Status,
		FailureReason:     env.Data.ProcessorResponse,
	}, nil
}

// flutterwaveTransfers is the transfer search result; data is a list even
// when filtered by reference.
type flutterwaveTransfers struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    []struct {
		ID              json.Number `json:"id"`
		Reference       string      `json:"reference"`
		Status          string      `json:"status"`
		CompleteMessage string      `json:"complete_message"`
	} `json:"data"`
}

func (flutterwaveAdapter) parseTransfers(body []byte, p *models.PaymentRequest) (*GatewayResult, error) {
	var env flutterwaveTransfers
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode flutterwave transfers: %w", err)
	}
	for _, tr := range env.Data {
		if tr.Reference != p.ID {
			continue
		}
		return &GatewayResult{
			ProviderReference: tr.ID.String(),
			Status:            mapFlutterwaveStatus(tr.Status),
			RawStatus:         tr.Status,
			FailureReason:     tr.CompleteMessage,
		}, nil
	}
	return &GatewayResult{Status: models.ProviderStatusExpired, RawStatus: "NOT_FOUND"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
