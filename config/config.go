package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Quota store (optional; quota enforcement is bypassed when unset)
	RedisAddr string

	// Usage log persistence (optional)
	PostgresDSN string

	// Upstream credentials
	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GoogleAPIKey     string
	GroqAPIKey       string
	MistralAPIKey    string
	OpenRouterAPIKey string
	PerplexityAPIKey string

	// Billing / metering
	BillingEnabled  bool
	BillingEndpoint string
	BillingToken    string
	DailyTokenLimit int64 // per tenant per UTC day; <= 0 means unlimited

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute; <= 0 disables the limiter

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		GoogleAPIKey:         os.Getenv("GOOGLE_API_KEY"),
		GroqAPIKey:           os.Getenv("GROQ_API_KEY"),
		MistralAPIKey:        os.Getenv("MISTRAL_API_KEY"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		PerplexityAPIKey:     os.Getenv("PERPLEXITY_API_KEY"),
		BillingEnabled:       getEnv("BILLING_ENABLED", "false") == "true",
		BillingEndpoint:      os.Getenv("BILLING_ENDPOINT"),
		BillingToken:         os.Getenv("BILLING_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	limit, err := parseInt64Env("DAILY_TOKEN_LIMIT", 1_000_000)
	if err != nil {
		return nil, err
	}
	cfg.DailyTokenLimit = limit

	tpm, err := parseInt64Env("DEFAULT_RATE_LIMIT_TPM", 0)
	if err != nil {
		return nil, err
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.BillingEnabled && cfg.BillingEndpoint != "" && cfg.BillingToken == "" {
		return nil, fmt.Errorf("BILLING_TOKEN is required when BILLING_ENDPOINT is set")
	}

	return cfg, nil
}

func parseInt64Env(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
