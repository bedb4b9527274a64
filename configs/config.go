// config.go - Configuration loaded from environment variables

package configs

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var (
	// Gemini AI Configuration
	GEMINI_API_KEY string
	GEMINI_MODEL   string
	GEMINI_RPM     int // generative calls allowed per minute across the process

	// Gemini Pricing Configuration (per 1M tokens in USD)
	GEMINI_INPUT_PRICE_PER_MILLION  float64
	GEMINI_OUTPUT_PRICE_PER_MILLION float64

	// Deterministic OCR Configuration
	OCR_PROVIDER       string // "ocrspace" or "mistral"
	OCR_SPACE_API_KEY  string
	OCR_SPACE_ENDPOINT string
	MISTRAL_API_KEY    string
	MISTRAL_MODEL_NAME string

	// Server Configuration
	PORT             string
	ALLOWED_ORIGINS  string
	MAX_UPLOAD_BYTES int64
	BACKEND_TIMEOUT  time.Duration
	PUBLIC_URL       string

	// Storage Configuration
	STORE_DRIVER  string // "mongo", "postgres" or "sqlite"
	MONGO_URI     string
	MONGO_DB_NAME string
	DATABASE_URL  string

	// Free quota for anonymous callers
	REDIS_ADDR     string
	REDIS_PASSWORD string
	FREE_QUOTA     int

	// Credits
	STARTING_CREDITS int
	COUPON_CACHE_TTL time.Duration

	// Billing provider
	LEMONSQUEEZY_SIGNING_SECRET string
	LEMONSQUEEZY_CHECKOUT_URL   string

	// Auth provider webhook (svix signing secret, "whsec_...")
	IDENTITY_WEBHOOK_SECRET string

	// Image preprocessing settings
	ENABLE_IMAGE_PREPROCESSING bool
	PREPROCESS_MODE            string // fast, balanced, high
	MAX_IMAGE_DIMENSION        int

	// Logging
	LOG_LEVEL  string
	LOG_FORMAT string
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	LoadStoreConfig()

	// Required: Gemini API Key
	GEMINI_API_KEY = getEnv("GEMINI_API_KEY", "")
	if GEMINI_API_KEY == "" {
		log.Fatal().Msg("GEMINI_API_KEY environment variable is required")
	}

	GEMINI_MODEL = getEnv("GEMINI_MODEL", "gemini-1.5-flash")
	GEMINI_RPM = getEnvInt("GEMINI_RPM", 12)
	GEMINI_INPUT_PRICE_PER_MILLION = getEnvFloat("GEMINI_INPUT_PRICE_PER_MILLION", 0.075)
	GEMINI_OUTPUT_PRICE_PER_MILLION = getEnvFloat("GEMINI_OUTPUT_PRICE_PER_MILLION", 0.30)

	OCR_PROVIDER = getEnv("OCR_PROVIDER", "ocrspace")
	OCR_SPACE_API_KEY = getEnv("OCR_SPACE_API_KEY", "helloworld")
	OCR_SPACE_ENDPOINT = getEnv("OCR_SPACE_ENDPOINT", "https://api.ocr.space/parse/image")
	MISTRAL_API_KEY = getEnv("MISTRAL_API_KEY", "")
	MISTRAL_MODEL_NAME = getEnv("MISTRAL_MODEL_NAME", "mistral-ocr-latest")

	PORT = getEnv("PORT", "8080")
	ALLOWED_ORIGINS = getEnv("ALLOWED_ORIGINS", "*")
	MAX_UPLOAD_BYTES = int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20))
	BACKEND_TIMEOUT = getEnvDuration("BACKEND_TIMEOUT", 60*time.Second)
	PUBLIC_URL = getEnv("PUBLIC_URL", "http://localhost:3000")

	REDIS_ADDR = getEnv("REDIS_ADDR", "")
	REDIS_PASSWORD = getEnv("REDIS_PASSWORD", "")
	FREE_QUOTA = getEnvInt("FREE_QUOTA", 3)

	LEMONSQUEEZY_SIGNING_SECRET = getEnv("LEMONSQUEEZY_SIGNING_SECRET", "")
	LEMONSQUEEZY_CHECKOUT_URL = getEnv("LEMONSQUEEZY_CHECKOUT_URL", "https://image-wizard.lemonsqueezy.com/buy/3fd26a17-dd33-46cf-ba28-a62c969da9e9")

	IDENTITY_WEBHOOK_SECRET = getEnv("IDENTITY_WEBHOOK_SECRET", "")

	ENABLE_IMAGE_PREPROCESSING = getEnvBool("ENABLE_IMAGE_PREPROCESSING", true)
	PREPROCESS_MODE = getEnv("PREPROCESS_MODE", "balanced")
	MAX_IMAGE_DIMENSION = getEnvInt("MAX_IMAGE_DIMENSION", 2500)

	log.Info().
		Str("store", STORE_DRIVER).
		Str("ocr_provider", OCR_PROVIDER).
		Str("gemini_model", GEMINI_MODEL).
		Msg("✓ Configuration loaded successfully")
}

// LoadStoreConfig loads only what the store and ledger need. The admin CLI
// uses it so it can run without API keys.
func LoadStoreConfig() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	STORE_DRIVER = getEnv("STORE_DRIVER", "mongo")
	MONGO_URI = getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0")
	MONGO_DB_NAME = getEnv("MONGO_DB_NAME", "image_wizard")
	DATABASE_URL = getEnv("DATABASE_URL", "file:image_wizard.db?_foreign_keys=on")

	STARTING_CREDITS = getEnvInt("STARTING_CREDITS", 10)
	COUPON_CACHE_TTL = getEnvDuration("COUPON_CACHE_TTL", 5*time.Minute)

	LOG_LEVEL = getEnv("LOG_LEVEL", "info")
	LOG_FORMAT = getEnv("LOG_FORMAT", "console")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
