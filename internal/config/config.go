/**
 * @description
 * Configuration management for the partner-payments-service. Settings come from
 * environment variables or an optional .env file, read through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration library used by every Kilolab service.
 */
package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const minLedgerRetentionDays = 7

// Config holds all configuration for the partner-payments-service.
type Config struct {
	ServerPort                      string `mapstructure:"SERVER_PORT"`
	DatabaseURL                     string `mapstructure:"DATABASE_URL"`
	RunMigrations                   bool   `mapstructure:"RUN_MIGRATIONS"`
	RabbitMQURL                     string `mapstructure:"RABBITMQ_URL"`
	EventsExchange                  string `mapstructure:"EVENTS_EXCHANGE"`
	PartnerLinkQueue                string `mapstructure:"PARTNER_LINK_QUEUE"`
	RedisURL                        string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix            string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	StatusRateLimitPerMinute        int    `mapstructure:"STATUS_RATE_LIMIT_PER_MINUTE"`
	StripeSecretKey                 string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret             string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookToleranceSeconds   int    `mapstructure:"STRIPE_WEBHOOK_TOLERANCE_SECONDS"`
	WebhookProcessingTimeoutSeconds int    `mapstructure:"WEBHOOK_PROCESSING_TIMEOUT_SECONDS"`
	SupabaseJWTSecret               string `mapstructure:"SUPABASE_JWT_SECRET"`
	SupabaseJWTAudience             string `mapstructure:"SUPABASE_JWT_AUDIENCE"`
	InternalAPIKey                  string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins                  string `mapstructure:"ALLOWED_ORIGINS"`
	ReconcileJobSchedule            string `mapstructure:"RECONCILE_JOB_SCHEDULE"`
	ReconcileStaleAfterMinutes      int    `mapstructure:"RECONCILE_STALE_AFTER_MINUTES"`
	ReconcileBatchSize              int    `mapstructure:"RECONCILE_BATCH_SIZE"`
	LedgerPruneJobSchedule          string `mapstructure:"LEDGER_PRUNE_JOB_SCHEDULE"`
	LedgerRetentionDays             int    `mapstructure:"LEDGER_RETENTION_DAYS"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("EVENTS_EXCHANGE", "kilolab.events")
	viper.SetDefault("PARTNER_LINK_QUEUE", "partner_payments.account_links")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "kilolab:rate_limit")
	viper.SetDefault("STATUS_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("WEBHOOK_PROCESSING_TIMEOUT_SECONDS", 8)
	viper.SetDefault("SUPABASE_JWT_AUDIENCE", "authenticated")
	viper.SetDefault("ALLOWED_ORIGINS", "https://kilolab.fr,https://www.kilolab.fr")
	viper.SetDefault("RECONCILE_JOB_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("RECONCILE_STALE_AFTER_MINUTES", 60)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)
	viper.SetDefault("LEDGER_PRUNE_JOB_SCHEDULE", "30 3 * * *")
	viper.SetDefault("LEDGER_RETENTION_DAYS", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "SUPABASE_DB_URL")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PARTNER_LINK_QUEUE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("STATUS_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("STRIPE_WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("WEBHOOK_PROCESSING_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SUPABASE_JWT_SECRET")
	_ = viper.BindEnv("SUPABASE_JWT_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("RECONCILE_JOB_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("LEDGER_PRUNE_JOB_SCHEDULE")
	_ = viper.BindEnv("LEDGER_RETENTION_DAYS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "kilolab:rate_limit"
	}
	if config.StripeWebhookToleranceSeconds <= 0 {
		config.StripeWebhookToleranceSeconds = 300
	}
	if config.WebhookProcessingTimeoutSeconds <= 0 {
		config.WebhookProcessingTimeoutSeconds = 8
	}
	if config.ReconcileStaleAfterMinutes <= 0 {
		config.ReconcileStaleAfterMinutes = 60
	}
	if config.ReconcileBatchSize <= 0 {
		config.ReconcileBatchSize = 50
	}
	if config.LedgerRetentionDays < minLedgerRetentionDays {
		log.Printf("level=warn component=config msg=\"ledger retention below provider retry window; raising\" configured_days=%d min_days=%d", config.LedgerRetentionDays, minLedgerRetentionDays)
		config.LedgerRetentionDays = minLedgerRetentionDays
	}

	return
}

// Validate checks the settings the HTTP service cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be configured"))
	}
	if len(c.WebhookSecrets()) == 0 {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET must be configured"))
	}
	return errors.Join(errs...)
}

// WebhookSecrets returns every configured signing secret. Several secrets may be
// set while an endpoint secret is being rolled.
func (c Config) WebhookSecrets() []string {
	return splitList(c.StripeWebhookSecret)
}

// Origins returns the origins allowed to call the partner API from a browser.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func (c Config) WebhookTolerance() time.Duration {
	return time.Duration(c.StripeWebhookToleranceSeconds) * time.Second
}

func (c Config) WebhookProcessingTimeout() time.Duration {
	return time.Duration(c.WebhookProcessingTimeoutSeconds) * time.Second
}

func (c Config) ReconcileStaleAfter() time.Duration {
	return time.Duration(c.ReconcileStaleAfterMinutes) * time.Minute
}

func (c Config) LedgerRetention() time.Duration {
	days := c.LedgerRetentionDays
	if days < minLedgerRetentionDays {
		days = minLedgerRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		value := strings.Trim(strings.TrimSpace(part), "\"'")
		if value != "" {
			values = append(values, value)
		}
	}
	return values
}
