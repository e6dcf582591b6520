// config.go - Configuration loaded from environment variables

package configs

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	// Gemini AI Configuration
	GEMINI_API_KEY string
	PRIMARY_MODEL  string
	FALLBACK_MODEL string

	// Extraction retry/escalation settings
	MAX_RETRIES                  int
	ACCURACY_THRESHOLD           float64 // escalate to fallback model below this item accuracy
	CRITICAL_FIELD_THRESHOLD     float64 // escalate when receipt number / date confidence is below this
	GEMINI_RPM                   int     // hard ceiling on extraction calls per minute

	// Pricing Configuration (USD per 1M tokens)
	FLASH_INPUT_PRICE_PER_MILLION  float64
	FLASH_OUTPUT_PRICE_PER_MILLION float64
	PRO_INPUT_PRICE_PER_MILLION    float64
	PRO_OUTPUT_PRICE_PER_MILLION   float64
	USD_TO_INR                     float64

	// Batch processing
	MAX_WORKERS int

	// Server Configuration
	PORT            string
	ALLOWED_ORIGINS string

	// MongoDB Configuration
	MONGO_URI     string
	MONGO_DB_NAME string

	// Blob storage (S3-compatible)
	BLOB_ENDPOINT   string
	BLOB_ACCESS_KEY string
	BLOB_SECRET_KEY string
	BLOB_BUCKET     string
	BLOB_USE_SSL    bool

	// Image preprocessing settings
	ENABLE_IMAGE_PREPROCESSING bool
	MAX_IMAGE_DIMENSION        int

	// Logging
	LOG_LEVEL  string
	LOG_FORMAT string
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Required: Gemini API Key
	GEMINI_API_KEY = getEnv("GEMINI_API_KEY", "")
	if GEMINI_API_KEY == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	// Optional with defaults
	PRIMARY_MODEL = getEnv("PRIMARY_MODEL", "gemini-3-flash-preview")
	FALLBACK_MODEL = getEnv("FALLBACK_MODEL", "gemini-3-pro-preview")

	MAX_RETRIES = getEnvInt("MAX_RETRIES", 5)
	ACCURACY_THRESHOLD = getEnvFloat("ACCURACY_THRESHOLD", 70.0)
	CRITICAL_FIELD_THRESHOLD = getEnvFloat("CRITICAL_FIELD_THRESHOLD", 50.0)
	GEMINI_RPM = getEnvInt("GEMINI_RPM", 30)

	// Pricing (defaults match current Flash/Pro preview rates)
	FLASH_INPUT_PRICE_PER_MILLION = getEnvFloat("FLASH_INPUT_PRICE_PER_MILLION", 0.075)
	FLASH_OUTPUT_PRICE_PER_MILLION = getEnvFloat("FLASH_OUTPUT_PRICE_PER_MILLION", 0.30)
	PRO_INPUT_PRICE_PER_MILLION = getEnvFloat("PRO_INPUT_PRICE_PER_MILLION", 1.25)
	PRO_OUTPUT_PRICE_PER_MILLION = getEnvFloat("PRO_OUTPUT_PRICE_PER_MILLION", 5.00)
	USD_TO_INR = getEnvFloat("USD_TO_INR", 84.0)

	MAX_WORKERS = getEnvInt("MAX_WORKERS", 3)

	PORT = getEnv("PORT", "8080")
	ALLOWED_ORIGINS = getEnv("ALLOWED_ORIGINS", "*")

	// MongoDB Configuration
	MONGO_URI = getEnv("MONGO_URI", "mongodb://localhost:27017")
	MONGO_DB_NAME = getEnv("MONGO_DB_NAME", "invoice_insights")

	// Blob storage
	BLOB_ENDPOINT = getEnv("BLOB_ENDPOINT", "localhost:9000")
	BLOB_ACCESS_KEY = getEnv("BLOB_ACCESS_KEY", "")
	BLOB_SECRET_KEY = getEnv("BLOB_SECRET_KEY", "")
	BLOB_BUCKET = getEnv("BLOB_BUCKET", "invoices")
	BLOB_USE_SSL = getEnvBool("BLOB_USE_SSL", false)

	// Image Processing
	ENABLE_IMAGE_PREPROCESSING = getEnvBool("ENABLE_IMAGE_PREPROCESSING", true)
	MAX_IMAGE_DIMENSION = getEnvInt("MAX_IMAGE_DIMENSION", 2000)

	// Logging
	LOG_LEVEL = getEnv("LOG_LEVEL", "info")
	LOG_FORMAT = getEnv("LOG_FORMAT", "text")

	log.Println("✓ Configuration loaded successfully")
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
