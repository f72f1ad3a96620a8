package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/PortNumber53/indigenious/backend/internal/tiers"
)

// Config captures runtime configuration values used by the backend service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// AppURL is the public origin of the web app. Checkout return URLs are built from it.
	AppURL string

	// StripeSecretKey authenticates API calls to Stripe. Checkout is disabled when empty.
	StripeSecretKey string

	// StripeWebhookSecret is the signing secret for the webhook endpoint.
	StripeWebhookSecret string

	// StripeTimeout bounds every outbound Stripe call. Defaults to 10s.
	StripeTimeout time.Duration

	// Prices maps each (tier, cadence) pair to a Stripe price id.
	Prices tiers.PriceIDs

	// LogLevel and LogFormat feed logging.Init.
	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress = ":18111"
	defaultAppURL        = "http://localhost:3000"
	defaultStripeTimeout = 10 * time.Second
	defaultLogLevel      = "info"
	defaultLogFormat     = "auto"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envAppURL              = "APP_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripeTimeout       = "STRIPE_TIMEOUT"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
	envPricePrefix         = "STRIPE_PRICE_"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		AppURL:              strings.TrimRight(firstNonEmpty(os.Getenv(envAppURL), defaultAppURL), "/"),
		StripeSecretKey:     strings.TrimSpace(os.Getenv(envStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv(envStripeWebhookSecret)),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
		Prices:              loadPrices(),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	if _, err := url.ParseRequestURI(cfg.AppURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envAppURL, err)
	}

	timeout, err := durationEnv(envStripeTimeout, defaultStripeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StripeTimeout = timeout

	return cfg, nil
}

// loadPrices reads STRIPE_PRICE_<TIER>_<CADENCE> for every catalog entry and falls
// back to the placeholder ids used in development.
func loadPrices() tiers.PriceIDs {
	prices := tiers.DefaultPriceIDs()
	for _, t := range tiers.All() {
		for _, c := range tiers.Cadences() {
			name := envPricePrefix + strings.ToUpper(string(t)) + "_" + strings.ToUpper(string(c))
			if value := strings.TrimSpace(os.Getenv(name)); value != "" {
				prices[tiers.PriceKey{Tier: t, Cadence: c}] = value
			}
		}
	}
	return prices
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", name)
	}
	return d, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
