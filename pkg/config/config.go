package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Prices       PricesConfig
	Postmark     PostmarkConfig
	Billing      BillingConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"POSTCRAFT_APP_ENV" required:"true"`
	Port         string `envconfig:"POSTCRAFT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"POSTCRAFT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"POSTCRAFT_LOG_WARN_STACK" default:"false"`
	// CORSOrigins is a comma separated allow list for the dashboard API.
	CORSOrigins []string `envconfig:"POSTCRAFT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"POSTCRAFT_DB_DSN"`
	Driver string `envconfig:"POSTCRAFT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"POSTCRAFT_DB_HOST"`
	LegacyPort     int    `envconfig:"POSTCRAFT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"POSTCRAFT_DB_USER"`
	LegacyPassword string `envconfig:"POSTCRAFT_DB_PASSWORD"`
	LegacyName     string `envconfig:"POSTCRAFT_DB_NAME"`
	LegacySSLMode  string `envconfig:"POSTCRAFT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"POSTCRAFT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"POSTCRAFT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"POSTCRAFT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"POSTCRAFT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"POSTCRAFT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"POSTCRAFT_REDIS_ADDR"`
	Password     string        `envconfig:"POSTCRAFT_REDIS_PASSWORD"`
	DB           int           `envconfig:"POSTCRAFT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"POSTCRAFT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"POSTCRAFT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"POSTCRAFT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"POSTCRAFT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"POSTCRAFT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"POSTCRAFT_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"POSTCRAFT_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"POSTCRAFT_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"POSTCRAFT_AUTO_MIGRATE" default:"false"`
}

type StripeConfig struct {
	APIKey string `envconfig:"POSTCRAFT_STRIPE_API_KEY"`
	// Secret is the webhook signing secret. An empty value is tolerated at
	// boot; the webhook endpoint then answers 500 without processing.
	Secret string `envconfig:"POSTCRAFT_STRIPE_WEBHOOK_SECRET"`
	Env    string `envconfig:"POSTCRAFT_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PricesConfig maps catalog plans onto the provider's recurring price ids.
type PricesConfig struct {
	StarterMonthly string `envconfig:"POSTCRAFT_PRICE_STARTER_MONTHLY"`
	StarterYearly  string `envconfig:"POSTCRAFT_PRICE_STARTER_YEARLY"`
	ProMonthly     string `envconfig:"POSTCRAFT_PRICE_PRO_MONTHLY"`
	ProYearly      string `envconfig:"POSTCRAFT_PRICE_PRO_YEARLY"`
	AgencyMonthly  string `envconfig:"POSTCRAFT_PRICE_AGENCY_MONTHLY"`
	AgencyYearly   string `envconfig:"POSTCRAFT_PRICE_AGENCY_YEARLY"`
}

type PostmarkConfig struct {
	ServerToken  string `envconfig:"POSTCRAFT_POSTMARK_SERVER_TOKEN"`
	AccountToken string `envconfig:"POSTCRAFT_POSTMARK_ACCOUNT_TOKEN"`
	FromEmail    string `envconfig:"POSTCRAFT_POSTMARK_FROM_EMAIL" default:"billing@postcraft.app"`
	SupportEmail string `envconfig:"POSTCRAFT_POSTMARK_SUPPORT_EMAIL" default:"support@postcraft.app"`
	OpsEmail     string `envconfig:"POSTCRAFT_OPS_ALERT_EMAIL"`
}

// Enabled reports whether both Postmark tokens are configured.
func (p PostmarkConfig) Enabled() bool {
	return strings.TrimSpace(p.ServerToken) != "" && strings.TrimSpace(p.AccountToken) != ""
}

type BillingConfig struct {
	DefaultPlanID        string        `envconfig:"POSTCRAFT_BILLING_DEFAULT_PLAN" default:"starter"`
	UpdateChangeWindow   time.Duration `envconfig:"POSTCRAFT_BILLING_UPDATE_CHANGE_WINDOW" default:"2m"`
	InvoiceChangeWindow  time.Duration `envconfig:"POSTCRAFT_BILLING_INVOICE_CHANGE_WINDOW" default:"5m"`
	AlertDedupWindow     time.Duration `envconfig:"POSTCRAFT_BILLING_ALERT_DEDUP_WINDOW" default:"24h"`
	ReceiptDedupWindow   time.Duration `envconfig:"POSTCRAFT_BILLING_RECEIPT_DEDUP_WINDOW" default:"720h"`
	TrialPaymentLookback time.Duration `envconfig:"POSTCRAFT_BILLING_TRIAL_PAYMENT_LOOKBACK" default:"24h"`
	EventIdempotencyTTL  time.Duration `envconfig:"POSTCRAFT_BILLING_EVENT_IDEMPOTENCY_TTL" default:"72h"`
	HandlerBudget        time.Duration `envconfig:"POSTCRAFT_BILLING_HANDLER_BUDGET" default:"4s"`
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"POSTCRAFT_CRON_INTERVAL" default:"15m"`
	LockTTL         time.Duration `envconfig:"POSTCRAFT_CRON_LOCK_TTL" default:"10m"`
	SweepLimit      int           `envconfig:"POSTCRAFT_CRON_SWEEP_LIMIT" default:"250"`
	LedgerGraceDays int           `envconfig:"POSTCRAFT_CRON_LEDGER_GRACE_DAYS" default:"30"`
	UsageMonths     int           `envconfig:"POSTCRAFT_CRON_USAGE_RETENTION_MONTHS" default:"13"`
	MetricsPort     string        `envconfig:"POSTCRAFT_CRON_METRICS_PORT"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
