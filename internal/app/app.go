// Package app wires configuration, storage and services together for the
// server and the batch CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sautimusic/backend/internal/config"
	"github.com/sautimusic/backend/internal/database"
	"github.com/sautimusic/backend/internal/hsm"
	"github.com/sautimusic/backend/internal/observability"
	"github.com/sautimusic/backend/internal/services"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// App holds the shared dependencies of one process.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *sql.DB
	Redis   *redis.Client
	Metrics *observability.Metrics
	Keys    *hsm.KeyStore

	Ledger     *services.LedgerService
	Payments   *services.PaymentService
	Gateway    *services.HTTPGateway
	Reconciler *services.Reconciler
	Sacco      *services.SaccoService
	Dividends  *services.DividendService
	Exchange   *services.ExchangeService

	shutdownTracer func(context.Context) error
}

// ReadConfig loads the optional config file and environment overrides into
// the global viper instance.
func ReadConfig(path string) {
	if path == "" {
		path = ".env"
	}
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	// A missing file is fine; defaults and the environment cover everything.
	_ = viper.ReadInConfig()
}

// New connects to Postgres and Redis and builds every service.
func New(ctx context.Context, serviceName string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}

	a.shutdownTracer, err = observability.InitTracer(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing unavailable", zap.Error(err))
		a.shutdownTracer = func(context.Context) error { return nil }
	}

	a.DB, err = database.InitDB()
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established")
	a.Redis = database.InitRedis(logger)

	audit := hsm.NewAuditLogger(logger)
	var salt []byte
	if cfg.KeyStore.Salt != "" {
		salt = []byte(cfg.KeyStore.Salt)
	}
	a.Keys, err = hsm.InitKeyStore(hsm.Config{
		MasterKey:    cfg.KeyStore.MasterKey,
		KeyStorePath: cfg.KeyStore.Path,
		AuditLogger:  audit,
		Salt:         salt,
	})
	if err != nil {
		a.DB.Close()
		return nil, fmt.Errorf("init keystore: %w", err)
	}
	for name, p := range cfg.Providers {
		if err := a.Keys.StoreSecret(name, []byte(p.WebhookSecret)); err != nil {
			a.DB.Close()
			return nil, fmt.Errorf("store %s webhook secret: %w", name, err)
		}
	}

	a.Ledger = services.NewLedgerService(a.DB, audit, a.Metrics, logger)
	a.Gateway = services.NewHTTPGateway(cfg.Providers, cfg.Payments, a.Metrics, logger)
	a.Payments = services.NewPaymentService(a.DB, a.Ledger, a.Gateway, cfg.Payments, audit, a.Metrics, logger)
	a.Sacco = services.NewSaccoService(a.DB, a.Ledger, cfg.Sacco, audit, a.Metrics, logger)
	a.Dividends = services.NewDividendService(a.DB, a.Ledger, a.Redis, cfg.Sacco.DividendLockTTL, audit, a.Metrics, logger)
	a.Exchange = services.NewExchangeService(a.DB, a.Ledger, cfg.Exchange, audit, a.Metrics, logger)
	a.Reconciler = services.NewReconciler(a.Payments, a.Keys, cfg.Providers, a.Redis, a.Metrics, logger)

	a.Payments.SetNotifier(services.NewRedisNotifier(a.Redis, logger))
	a.Payments.SetRepaymentApplier(a.Sacco)

	logger.Info("services initialised",
		zap.Int("providers", len(cfg.Providers)),
		zap.Bool("redis", a.Redis != nil),
	)
	return a, nil
}

// Close releases connections and flushes traces.
func (a *App) Close(ctx context.Context) {
	if err := a.shutdownTracer(ctx); err != nil {
		a.Logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	a.Logger.Sync()
}
