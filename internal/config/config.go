package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PortNumber53/subscription-sync/internal/mailer"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	Billing Billing
}

// Billing holds the payment provider, checkout and background job settings.
type Billing struct {
	StripeSecretKey     string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string        `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:18111/billing/success"`
	CheckoutCancelURL   string        `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:18111/billing/cancel"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`
	TrialSweepInterval  time.Duration `env:"TRIAL_SWEEP_INTERVAL" envDefault:"15m"`

	Mail mailer.Config
}

const (
	defaultServerAddress = ":18111"
	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress: firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:   os.Getenv(envDatabaseURL),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	billing, err := env.ParseAs[Billing]()
	if err != nil {
		return Config{}, fmt.Errorf("parse billing config: %w", err)
	}
	if billing.ProviderTimeout <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if billing.TrialSweepInterval <= 0 {
		return Config{}, fmt.Errorf("TRIAL_SWEEP_INTERVAL must be positive")
	}
	cfg.Billing = billing

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
