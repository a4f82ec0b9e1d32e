package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the application configuration outside of the database and
// Redis connection settings, which the database package reads itself.
type Config struct {
	Port         int
	LogLevel     string
	OTLPEndpoint string
	JWTSecret    string

	Payments  PaymentsConfig
	Sacco     SaccoConfig
	Exchange  ExchangeConfig
	KeyStore  KeyStoreConfig
	Providers map[string]ProviderConfig
}

type PaymentsConfig struct {
	Currency        string
	PendingTimeout  time.Duration
	PollConcurrency int
	HTTPTimeout     time.Duration
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxConcurrency  int
}

type SaccoConfig struct {
	Currency           string
	LoanMultiplier     decimal.Decimal
	MinTermMonths      int
	MaxTermMonths      int
	DefaultSavingsRate decimal.Decimal
	DefaultLoanRate    decimal.Decimal
	AccrualBasis       string // daily or monthly
	DefaultGraceDays   int
	DividendLockTTL    time.Duration
}

type ExchangeConfig struct {
	Rate         decimal.Decimal // credits per currency unit
	FeePercent   decimal.Decimal
	MinCredits   int64
	MaxCredits   int64
	DailyCap     int64 // credits per user per day
	Location     *time.Location
	FeeAccountID string
}

type KeyStoreConfig struct {
	MasterKey string
	Salt      string
	Path      string
}

// ProviderConfig holds per-provider endpoints and shared secrets.
type ProviderConfig struct {
	Name            string
	BaseURL         string
	APIKey          string
	WebhookSecret   string
	SignatureHeader string
}

// KnownProviders are the payment providers the reconciler can parse.
var KnownProviders = []string{"mtn_momo", "airtel_money", "flutterwave"}

// SetDefaults registers defaults and environment bindings on the global viper.
func SetDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("otel.endpoint", "localhost:4317")
	viper.SetDefault("jwt.secret_key", "")

	viper.SetDefault("payments.currency", "UGX")
	viper.SetDefault("payments.pending_timeout", 15*time.Minute)
	viper.SetDefault("payments.poll_concurrency", 8)
	viper.SetDefault("payments.http_timeout", 10*time.Second)
	viper.SetDefault("payments.max_retries", 2)
	viper.SetDefault("payments.initial_backoff", 200*time.Millisecond)
	viper.SetDefault("payments.max_concurrency", 50)

	viper.SetDefault("sacco.currency", "UGX")
	viper.SetDefault("sacco.loan_multiplier", "3")
	viper.SetDefault("sacco.min_term_months", 1)
	viper.SetDefault("sacco.max_term_months", 24)
	viper.SetDefault("sacco.default_savings_rate", "0.06")
	viper.SetDefault("sacco.default_loan_rate", "0.12")
	viper.SetDefault("sacco.accrual_basis", "monthly")
	viper.SetDefault("sacco.default_grace_days", 30)
	viper.SetDefault("sacco.dividend_lock_ttl", 10*time.Minute)

	viper.SetDefault("exchange.rate", "100")
	viper.SetDefault("exchange.fee_percent", "0")
	viper.SetDefault("exchange.min_credits", 100)
	viper.SetDefault("exchange.max_credits", 1000000)
	viper.SetDefault("exchange.daily_cap", 2000000)
	viper.SetDefault("exchange.timezone", "Africa/Kampala")
	viper.SetDefault("exchange.fee_account_id", "")

	viper.SetDefault("keystore.path", "./keys")

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("otel.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("payments.pending_timeout", "PAYMENTS_PENDING_TIMEOUT")
	viper.BindEnv("exchange.rate", "EXCHANGE_RATE")
	viper.BindEnv("exchange.fee_percent", "EXCHANGE_FEE_PERCENT")
	viper.BindEnv("exchange.daily_cap", "EXCHANGE_DAILY_CAP")
	viper.BindEnv("exchange.fee_account_id", "EXCHANGE_FEE_ACCOUNT_ID")
	viper.BindEnv("sacco.loan_multiplier", "SACCO_LOAN_MULTIPLIER")
	viper.BindEnv("sacco.accrual_basis", "SACCO_ACCRUAL_BASIS")
	viper.BindEnv("keystore.master_key", "KEYSTORE_MASTER_KEY")
	viper.BindEnv("keystore.salt", "KEYSTORE_SALT")
	viper.BindEnv("keystore.path", "KEYSTORE_PATH")

	for _, name := range KnownProviders {
		env := strings.ToUpper(name)
		viper.SetDefault("providers."+name+".signature_header", "X-Signature")
		viper.BindEnv("providers."+name+".base_url", env+"_BASE_URL")
		viper.BindEnv("providers."+name+".api_key", env+"_API_KEY")
		viper.BindEnv("providers."+name+".webhook_secret", env+"_WEBHOOK_SECRET")
	}
}

// Load builds a Config from the global viper instance.
func Load() (*Config, error) {
	SetDefaults()

	cfg := &Config{
		Port:         viper.GetInt("server.port"),
		LogLevel:     viper.GetString("log.level"),
		OTLPEndpoint: viper.GetString("otel.endpoint"),
		JWTSecret:    viper.GetString("jwt.secret_key"),
		Payments: PaymentsConfig{
			Currency:        viper.GetString("payments.currency"),
			PendingTimeout:  viper.GetDuration("payments.pending_timeout"),
			PollConcurrency: viper.GetInt("payments.poll_concurrency"),
			HTTPTimeout:     viper.GetDuration("payments.http_timeout"),
			MaxRetries:      viper.GetInt("payments.max_retries"),
			InitialBackoff:  viper.GetDuration("payments.initial_backoff"),
			MaxConcurrency:  viper.GetInt("payments.max_concurrency"),
		},
		Sacco: SaccoConfig{
			Currency:         viper.GetString("sacco.currency"),
			MinTermMonths:    viper.GetInt("sacco.min_term_months"),
			MaxTermMonths:    viper.GetInt("sacco.max_term_months"),
			AccrualBasis:     viper.GetString("sacco.accrual_basis"),
			DefaultGraceDays: viper.GetInt("sacco.default_grace_days"),
			DividendLockTTL:  viper.GetDuration("sacco.dividend_lock_ttl"),
		},
		Exchange: ExchangeConfig{
			MinCredits:   viper.GetInt64("exchange.min_credits"),
			MaxCredits:   viper.GetInt64("exchange.max_credits"),
			DailyCap:     viper.GetInt64("exchange.daily_cap"),
			FeeAccountID: viper.GetString("exchange.fee_account_id"),
		},
		KeyStore: KeyStoreConfig{
			MasterKey: viper.GetString("keystore.master_key"),
			Salt:      viper.GetString("keystore.salt"),
			Path:      viper.GetString("keystore.path"),
		},
		Providers: make(map[string]ProviderConfig),
	}

	var err error
	if cfg.Sacco.LoanMultiplier, err = decimalKey("sacco.loan_multiplier"); err != nil {
		return nil, err
	}
	if cfg.Sacco.DefaultSavingsRate, err = decimalKey("sacco.default_savings_rate"); err != nil {
		return nil, err
	}
	if cfg.Sacco.DefaultLoanRate, err = decimalKey("sacco.default_loan_rate"); err != nil {
		return nil, err
	}
	if cfg.Exchange.Rate, err = decimalKey("exchange.rate"); err != nil {
		return nil, err
	}
	if cfg.Exchange.FeePercent, err = decimalKey("exchange.fee_percent"); err != nil {
		return nil, err
	}

	if cfg.Sacco.AccrualBasis != "daily" && cfg.Sacco.AccrualBasis != "monthly" {
		return nil, fmt.Errorf("sacco.accrual_basis must be daily or monthly, got %q", cfg.Sacco.AccrualBasis)
	}
	if !cfg.Exchange.Rate.IsPositive() {
		return nil, fmt.Errorf("exchange.rate must be positive")
	}
	if cfg.Exchange.FeePercent.IsNegative() || cfg.Exchange.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("exchange.fee_percent must be in [0, 100)")
	}
	if cfg.Exchange.MinCredits > cfg.Exchange.MaxCredits {
		return nil, fmt.Errorf("exchange.min_credits exceeds exchange.max_credits")
	}

	loc, err := time.LoadLocation(viper.GetString("exchange.timezone"))
	if err != nil {
		return nil, fmt.Errorf("exchange.timezone: %w", err)
	}
	cfg.Exchange.Location = loc

	for _, name := range KnownProviders {
		prefix := "providers." + name + "."
		secret := viper.GetString(prefix + "webhook_secret")
		if secret == "" {
			continue
		}
		cfg.Providers[name] = ProviderConfig{
			Name:            name,
			BaseURL:         viper.GetString(prefix + "base_url"),
			APIKey:          viper.GetString(prefix + "api_key"),
			WebhookSecret:   secret,
			SignatureHeader: viper.GetString(prefix + "signature_header"),
		}
	}

	return cfg, nil
}

func decimalKey(key string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(viper.GetString(key))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
