package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sautimusic/backend/internal/config"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/models"
	"github.com/sautimusic/backend/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// WebhookOutcome is the acknowledgement returned to the provider.
type WebhookOutcome string

const (
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookNotFound  WebhookOutcome = "not_found"
	WebhookProcessed WebhookOutcome = "processed"
)

const (
	defaultSignatureHeader = "X-Signature"
	webhookDedupeTTL       = 24 * time.Hour
)

// EventApplier drives payment requests from normalised provider events.
type EventApplier interface {
	ApplyProviderEvent(ctx context.Context, ev *models.ProviderEvent) (*models.PaymentRequest, error)
}

// Reconciler authenticates provider callbacks, normalises them and hands
// them to the payment state machine. Callbacks are delivered at least once;
// replays are absorbed by a Redis marker and by the state machine itself.
type Reconciler struct {
	payments  EventApplier
	secrets   hsm.SecretStore
	providers map[string]config.ProviderConfig
	redis     *redis.Client
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewReconciler(payments EventApplier, secrets hsm.SecretStore, providers map[string]config.ProviderConfig, rdb *redis.Client, metrics *observability.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		payments:  payments,
		secrets:   secrets,
		providers: providers,
		redis:     rdb,
		metrics:   metrics,
		logger:    logger,
	}
}

// Known reports whether callbacks from provider are accepted at all.
func (r *Reconciler) Known(provider string) bool {
	_, configured := r.providers[provider]
	return configured && SupportedProvider(provider)
}

// SignatureHeader names the header carrying provider's signature.
func (r *Reconciler) SignatureHeader(provider string) string {
	if cfg, ok := r.providers[provider]; ok && cfg.SignatureHeader != "" {
		return cfg.SignatureHeader
	}
	return defaultSignatureHeader
}

// Process handles one raw callback. The signature is checked before the
// body is parsed, so a forged callback never reaches the state machine.
func (r *Reconciler) Process(ctx context.Context, provider, signature string, body []byte) (WebhookOutcome, error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Process")
	defer span.End()
	span.SetAttributes(attribute.String("provider", provider))

	if !r.Known(provider) {
		r.metrics.IncrWebhookEvent(provider, "ignored")
		r.logger.Info("callback from unknown provider ignored", zap.String("provider", provider))
		return WebhookIgnored, nil
	}

	if err := r.verify(provider, signature, body); err != nil {
		r.metrics.IncrWebhookEvent(provider, "rejected")
		r.logger.Warn("callback signature rejected", zap.String("provider", provider), zap.Error(err))
		return "", err
	}

	ev, recognized, err := ParseProviderEvent(provider, body)
	if err != nil {
		r.metrics.IncrWebhookEvent(provider, "malformed")
		r.logger.Warn("malformed provider callback", zap.String("provider", provider), zap.Error(err))
		return "", err
	}
	if !recognized {
		r.logger.Warn("unrecognised provider status treated as pending",
			zap.String("provider", provider),
			zap.String("raw_status", ev.RawStatus),
			zap.String("client_reference", ev.ClientReference),
		)
	}
	span.SetAttributes(attribute.String("provider.status", string(ev.Status)))

	marker := dedupeKey(ev)
	if r.seen(ctx, marker) {
		r.metrics.IncrWebhookEvent(provider, "duplicate")
		r.logger.Debug("duplicate callback", zap.String("marker", marker))
		return WebhookProcessed, nil
	}

	p, err := r.payments.ApplyProviderEvent(ctx, ev)
	switch models.KindOf(err) {
	case models.KindNotFound:
		r.metrics.IncrWebhookEvent(provider, "not_found")
		r.logger.Warn("callback for unknown transaction reference",
			zap.String("provider", provider),
			zap.String("client_reference", ev.ClientReference),
			zap.String("provider_reference", ev.ProviderReference),
		)
		return WebhookNotFound, nil
	case models.KindConsistency:
		// The request is flagged for review; the provider must not retry.
		r.metrics.IncrWebhookEvent(provider, "consistency_fault")
		return WebhookProcessed, nil
	}
	if err != nil {
		span.RecordError(err)
		r.metrics.IncrWebhookEvent(provider, "error")
		r.logger.Error("applying provider callback failed",
			zap.String("provider", provider),
			zap.String("client_reference", ev.ClientReference),
			zap.Error(err),
		)
		return "", err
	}

	r.mark(ctx, marker)
	r.metrics.IncrWebhookEvent(provider, "processed")
	r.logger.Info("provider callback processed",
		zap.String("provider", provider),
		zap.String("payment_id", p.ID),
		zap.String("event_status", string(ev.Status)),
		zap.String("payment_status", string(p.Status)),
	)
	return WebhookProcessed, nil
}

func (r *Reconciler) verify(provider, signature string, body []byte) error {
	if signature == "" {
		return &models.SignatureError{Provider: provider, Reason: "missing signature"}
	}
	ok, err := r.secrets.Verify(provider, body, signature)
	if err != nil {
		return &models.SignatureError{Provider: provider, Reason: "no secret configured"}
	}
	if !ok {
		return &models.SignatureError{Provider: provider, Reason: "signature mismatch"}
	}
	return nil
}

func (r *Reconciler) seen(ctx context.Context, key string) bool {
	if r.redis == nil {
		return false
	}
	n, err := r.redis.Exists(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Warn("webhook dedupe lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return n > 0
}

func (r *Reconciler) mark(ctx context.Context, key string) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Set(ctx, key, "1", webhookDedupeTTL).Err(); err != nil {
		r.logger.Warn("webhook dedupe marker not stored", zap.String("key", key), zap.Error(err))
	}
}

func dedupeKey(ev *models.ProviderEvent) string {
	return "webhook:" + ev.Provider + ":" + firstNonEmpty(ev.ClientReference, ev.ProviderReference) + ":" + string(ev.Status)
}
