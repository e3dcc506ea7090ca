package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App         AppConfig
	HTTP        ServerConfig
	MySQL       MySQLConfig
	Log         LogConfig
	MercadoPago MercadoPagoConfig
	Asaas       AsaasConfig
	Efi         EfiConfig
	Billing     BillingConfig
	Jobs        JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type MercadoPagoConfig struct {
	AccessToken               string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type AsaasConfig struct {
	APIKey       string
	WebhookToken string
	HTTPTimeout  time.Duration
}

type EfiConfig struct {
	ClientID      string
	ClientSecret  string
	PixKey        string
	WebhookSecret string
	HTTPTimeout   time.Duration
}

// BillingConfig holds product policy durations. Grace and bonus lengths are
// deliberately configuration, not constants.
type BillingConfig struct {
	DefaultProvider        string
	ChargeTTL              time.Duration
	PollInterval           time.Duration
	SubscriptionPeriodDays int
	GraceDays              int
	ReferralBonusDays      int
	KitchenReleaseURL      string
	ReleaseMaxAttempts     int32
	ReleaseRetryInterval   time.Duration
	ReleaseHTTPTimeout     time.Duration
	ReconcileStaleAfter    time.Duration
	JobBatchSize           int32
}

type JobsConfig struct {
	ReconcileInterval       time.Duration
	EffectsDispatchInterval time.Duration
	ExpireAwaitingInterval  time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "billing-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		MercadoPago: MercadoPagoConfig{
			AccessToken:               getEnv("MERCADOPAGO_ACCESS_TOKEN", ""),
			WebhookSecret:             getEnv("MERCADOPAGO_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: int64(getIntEnv("MERCADOPAGO_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("MERCADOPAGO_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Asaas: AsaasConfig{
			APIKey:       getEnv("ASAAS_API_KEY", ""),
			WebhookToken: getEnv("ASAAS_WEBHOOK_TOKEN", ""),
			HTTPTimeout:  getSecondsEnv("ASAAS_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Efi: EfiConfig{
			ClientID:      getEnv("EFI_CLIENT_ID", ""),
			ClientSecret:  getEnv("EFI_CLIENT_SECRET", ""),
			PixKey:        getEnv("EFI_PIX_KEY", ""),
			WebhookSecret: getEnv("EFI_WEBHOOK_SECRET", ""),
			HTTPTimeout:   getSecondsEnv("EFI_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Billing: BillingConfig{
			DefaultProvider:        getEnv("BILLING_DEFAULT_PROVIDER", "mercadopago"),
			ChargeTTL:              getSecondsEnv("BILLING_CHARGE_TTL_SECONDS", 10*time.Minute),
			PollInterval:           getSecondsEnv("BILLING_POLL_INTERVAL_SECONDS", 5*time.Second),
			SubscriptionPeriodDays: getIntEnv("BILLING_SUBSCRIPTION_PERIOD_DAYS", 30),
			GraceDays:              getIntEnv("BILLING_GRACE_DAYS", 3),
			ReferralBonusDays:      getIntEnv("BILLING_REFERRAL_BONUS_DAYS", 30),
			KitchenReleaseURL:      getEnv("BILLING_KITCHEN_RELEASE_URL", ""),
			ReleaseMaxAttempts:     int32(getIntEnv("BILLING_RELEASE_MAX_ATTEMPTS", 10)),
			ReleaseRetryInterval:   getMinutesEnv("BILLING_RELEASE_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			ReleaseHTTPTimeout:     getSecondsEnv("BILLING_RELEASE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileStaleAfter:    getMinutesEnv("BILLING_RECONCILE_STALE_AFTER_MINUTES", 2*time.Minute),
			JobBatchSize:           int32(getIntEnv("BILLING_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:       getMinutesEnv("BILLING_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			EffectsDispatchInterval: getMinutesEnv("BILLING_EFFECTS_DISPATCH_INTERVAL_MINUTES", time.Minute),
			ExpireAwaitingInterval:  getMinutesEnv("BILLING_EXPIRE_AWAITING_INTERVAL_MINUTES", time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
