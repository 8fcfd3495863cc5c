package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Webhook     WebhookConfig
	Credential  CredentialConfig
	Entitlement EntitlementConfig
	Reconcile   ReconcileConfig
	Provider    ProviderConfig
}

type ServerConfig struct {
	Port         string
	Environment  string
	AllowOrigins string
	// CronSecret guards the /internal endpoints.
	CronSecret string
	// ConsumeRateLimit is requests per minute per credential on the consume route.
	ConsumeRateLimit int
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type WebhookConfig struct {
	// Secret verifies inbound payment events.
	Secret string
	// Tolerance bounds how old (or future-dated) a signed event may be.
	Tolerance time.Duration
}

type CredentialConfig struct {
	BcryptCost      int
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	MagicLinkTTL    time.Duration
	MagicClockSkew  time.Duration
}

type EntitlementConfig struct {
	CacheTTL        time.Duration
	AuthorityWindow time.Duration
}

type ReconcileConfig struct {
	// MaxAttempts is the retry ceiling before an event is dead-lettered.
	MaxAttempts int
	// RetryBackoff is the base delay between redelivery attempts.
	RetryBackoff time.Duration
	// SweepInterval drives the background sweeper.
	SweepInterval time.Duration
	// CheckoutGrace is how long an abandoned pending checkout survives.
	CheckoutGrace time.Duration
	// PastDueGrace is how long a past_due subscription keeps access.
	PastDueGrace time.Duration
	// BatchSize bounds one sweep pass.
	BatchSize int
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.Name + "?sslmode=" + d.SSLMode
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:             getEnv("SERVER_PORT", "8080"),
			Environment:      getEnv("ENVIRONMENT", "development"),
			AllowOrigins:     getEnv("ALLOW_ORIGINS", "*"),
			CronSecret:       getEnv("CRON_SECRET", ""),
			ConsumeRateLimit: getEnvInt("CONSUME_RATE_LIMIT", 120),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "onesub"),
			Password: getEnv("DB_PASSWORD", "onesub"),
			Name:     getEnv("DB_NAME", "onesub"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Webhook: WebhookConfig{
			Secret:    getEnv("WEBHOOK_SECRET", ""),
			Tolerance: getEnvDuration("WEBHOOK_TOLERANCE", 5*time.Minute),
		},
		Credential: CredentialConfig{
			BcryptCost:      getEnvInt("BCRYPT_COST", 12),
			AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 1*time.Hour),
			RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			MagicLinkTTL:    getEnvDuration("MAGIC_LINK_TTL", 5*time.Minute),
			MagicClockSkew:  getEnvDuration("MAGIC_CLOCK_SKEW", 30*time.Second),
		},
		Entitlement: EntitlementConfig{
			CacheTTL:        getEnvDuration("ENTITLEMENT_CACHE_TTL", 15*time.Minute),
			AuthorityWindow: getEnvDuration("ENTITLEMENT_AUTHORITY_WINDOW", 5*time.Minute),
		},
		Reconcile: ReconcileConfig{
			MaxAttempts:   getEnvInt("RECONCILE_MAX_ATTEMPTS", 5),
			RetryBackoff:  getEnvDuration("RECONCILE_RETRY_BACKOFF", 2*time.Minute),
			SweepInterval: getEnvDuration("RECONCILE_SWEEP_INTERVAL", 5*time.Minute),
			CheckoutGrace: getEnvDuration("CHECKOUT_GRACE", 24*time.Hour),
			PastDueGrace:  getEnvDuration("PAST_DUE_GRACE", 7*24*time.Hour),
			BatchSize:     getEnvInt("RECONCILE_BATCH_SIZE", 100),
		},
		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_BASE_URL", "https://api.payments.example.com"),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Timeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
