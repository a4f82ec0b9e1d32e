package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sautimusic/backend/internal/middleware"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/sautimusic/backend/internal/services"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether one dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// RouterDeps wires handlers to the router.
type RouterDeps struct {
	Auth     *middleware.Authenticator
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Webhooks *WebhookHandler
	Accounts *AccountHandler
	Payments *PaymentHandler
	Sacco    *SaccoHandler
	Exchange *ExchangeHandler
	Ready    map[string]ReadinessCheck
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		services.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/readyz", readiness(d.Ready, d.Logger))
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// Providers authenticate with body signatures, not bearer tokens.
	r.Post("/webhooks/{provider}", d.Webhooks.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(d.Auth.AuthMiddleware)

		r.Get("/accounts/{accountId}/balance", d.Accounts.Balance)
		r.Get("/accounts/{accountId}/entries", d.Accounts.Entries)

		r.Post("/payments", d.Payments.Create)
		r.Get("/payments/{paymentId}", d.Payments.Get)
		r.Post("/payments/{paymentId}/cancel", d.Payments.Cancel)

		r.Get("/sacco/loan-limit", d.Sacco.LoanLimit)
		r.Post("/sacco/loans", d.Sacco.Apply)
		r.Post("/sacco/loans/{loanId}/repayments", d.Sacco.Repay)
		r.Get("/sacco/loans/{loanId}/schedule", d.Sacco.Schedule)

		r.Post("/exchange/quote", d.Exchange.Quote)
		r.Post("/exchange/convert", d.Exchange.Convert)
		r.Get("/exchange/conversions", d.Exchange.List)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/sacco/loans/{loanId}/approve", d.Sacco.Approve)
			r.Post("/sacco/loans/{loanId}/reject", d.Sacco.Reject)
			r.Post("/sacco/loans/{loanId}/disburse", d.Sacco.Disburse)
			r.Post("/payments/{paymentId}/fail", d.Payments.Fail)
			r.Post("/ledger/entries/{entryId}/reverse", d.Accounts.Reverse)
			r.Get("/ledger/accounts/{accountId}/reconcile", d.Accounts.Reconcile)
		})
	})

	return r
}

func readiness(checks map[string]ReadinessCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
				report[name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			report[name] = "ok"
		}
		services.WriteJSON(w, status, report)
	}
}
