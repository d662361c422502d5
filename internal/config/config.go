package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BillingModeManual  = "manual"
	BillingModeGateway = "gateway"
)

type Config struct {
	Environment   string
	HTTPAddr      string
	PublicBaseURL string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Billing
	Currency          string
	BasePriceEUR      float64
	TaxRate           float64
	PaymentRequestTTL time.Duration
	BillingMode       string

	// Gateway
	GatewayAPIKey        string
	GatewayWebhookSecret string
	CheckoutSuccessURL   string
	CheckoutCancelURL    string
	PortalReturnURL      string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("DATABASE_URL", "file::memory:?cache=shared")
	v.SetDefault("CURRENCY", "EUR")
	v.SetDefault("BASE_PRICE_EUR", 0.0)
	v.SetDefault("TAX_RATE", 0.21)
	v.SetDefault("PAYMENT_REQUEST_TTL", "48h")
	v.SetDefault("REDIS_DB", 0)

	ttl, err := time.ParseDuration(v.GetString("PAYMENT_REQUEST_TTL"))
	if err != nil || ttl <= 0 {
		ttl = 48 * time.Hour
	}

	cfg := Config{
		Environment:          strings.ToLower(strings.TrimSpace(v.GetString("ENVIRONMENT"))),
		HTTPAddr:             v.GetString("HTTP_ADDR"),
		PublicBaseURL:        strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisAddr:            v.GetString("REDIS_ADDR"),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisDB:              v.GetInt("REDIS_DB"),
		Currency:             strings.ToUpper(strings.TrimSpace(v.GetString("CURRENCY"))),
		BasePriceEUR:         v.GetFloat64("BASE_PRICE_EUR"),
		TaxRate:              NormalizeTaxRate(v.GetFloat64("TAX_RATE")),
		PaymentRequestTTL:    ttl,
		GatewayAPIKey:        strings.TrimSpace(v.GetString("GATEWAY_API_KEY")),
		GatewayWebhookSecret: strings.TrimSpace(v.GetString("GATEWAY_WEBHOOK_SECRET")),
		CheckoutSuccessURL:   v.GetString("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:    v.GetString("CHECKOUT_CANCEL_URL"),
		PortalReturnURL:      v.GetString("PORTAL_RETURN_URL"),
	}
	cfg.BillingMode = resolveBillingMode(v.GetString("BILLING_MODE"), cfg.Environment)

	return cfg, nil
}

// NormalizeTaxRate maps operator-supplied rates onto [0, 1). Values above 1
// are read as percentages ("21" means 21%), negatives clamp to zero.
func NormalizeTaxRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return rate / 100
	}
	return rate
}

func resolveBillingMode(mode, environment string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case BillingModeGateway:
		return BillingModeGateway
	case BillingModeManual:
		return BillingModeManual
	}
	// Outside production nobody should be charged by accident.
	if environment == "production" {
		return BillingModeGateway
	}
	return BillingModeManual
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}
