package config

// EnvPrefix is handed to envconfig; every field carries an explicit key so it
// only matters for fields without one.
const EnvPrefix = "POSTCRAFT"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

const (
	EnvAppEnv            = "POSTCRAFT_APP_ENV"
	EnvPort              = "POSTCRAFT_APP_PORT"
	EnvDBDSN             = "POSTCRAFT_DB_DSN"
	EnvDBHost            = "POSTCRAFT_DB_HOST"
	EnvDBUser            = "POSTCRAFT_DB_USER"
	EnvDBName            = "POSTCRAFT_DB_NAME"
	EnvRedisURL          = "POSTCRAFT_REDIS_URL"
	EnvJWTSecret         = "POSTCRAFT_JWT_SECRET"
	EnvJWTIssuer         = "POSTCRAFT_JWT_ISSUER"
	EnvStripeAPIKey      = "POSTCRAFT_STRIPE_API_KEY"
	EnvStripeSecret      = "POSTCRAFT_STRIPE_WEBHOOK_SECRET"
	EnvBillingDefault    = "POSTCRAFT_BILLING_DEFAULT_PLAN"
	EnvBillingBudget     = "POSTCRAFT_BILLING_HANDLER_BUDGET"
	EnvPriceProMonthly   = "POSTCRAFT_PRICE_PRO_MONTHLY"
	EnvPostmarkServer    = "POSTCRAFT_POSTMARK_SERVER_TOKEN"
	EnvPostmarkAccount   = "POSTCRAFT_POSTMARK_ACCOUNT_TOKEN"
	EnvOpsAlertRecipient = "POSTCRAFT_OPS_ALERT_EMAIL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
