// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	// Warehouse connection
	Warehouse *WarehouseConfig

	// Source and output locations
	Paths PathsConfig

	// External reference data APIs
	APIs APIConfig

	// Pipeline settings
	ChunkSize         int
	SalesTablePattern string

	// Analytics settings
	Analytics AnalyticsConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// PathsConfig holds filesystem locations used by the pipeline
type PathsConfig struct {
	CSVDir           string
	CSVPatterns      []string
	RFMMappingFile   string
	ProductRulesFile string
	ReportDir        string // empty disables report export
	MetricsTextfile  string // empty disables the metrics textfile
}

// APIConfig holds endpoints and call policy for external lookups
type APIConfig struct {
	CountryURL      string
	GeocoderURL     string
	PrimaryRateURL  string
	FallbackRateURL string
	UserAgent       string
	BaseCurrency    string

	CountryTimeout time.Duration
	RateTimeout    time.Duration
	RetryAttempts  int
	RetryDelay     time.Duration
}

// AnalyticsConfig holds RFM and CLTV parameters
type AnalyticsConfig struct {
	ActiveWindowDays int
	TrainMonths      int
	TestFraction     float64
	Seed             uint64
	CapQuantile      float64
	CVFolds          int
}

// LoadConfig loads configuration from the environment, reading a .env file first if present
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		ChunkSize:         getEnvAsInt("CHUNK_SIZE", 5000),
		SalesTablePattern: getEnv("SALES_TABLE_PATTERN", "BRONZE_ONLINE_RETAIL%"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		Paths: PathsConfig{
			CSVDir:           getEnv("CSV_DIR", "data/csv"),
			CSVPatterns:      getEnvAsStringSlice("CSV_PATTERNS", []string{"*.csv"}),
			RFMMappingFile:   getEnv("RFM_MAPPING_FILE", "data/business_inputs/rfm/RFM_SCORING.csv"),
			ProductRulesFile: getEnv("PRODUCT_RULES_FILE", "config/product_rules.yaml"),
			ReportDir:        getEnv("REPORT_DIR", ""),
			MetricsTextfile:  getEnv("METRICS_TEXTFILE", ""),
		},
		APIs: APIConfig{
			CountryURL:      getEnv("COUNTRY_API_URL", "https://restcountries.com/v3.1"),
			GeocoderURL:     getEnv("GEOCODER_API_URL", "https://nominatim.openstreetmap.org"),
			PrimaryRateURL:  getEnv("RATE_API_URL", "https://api.frankfurter.app"),
			FallbackRateURL: getEnv("FALLBACK_RATE_API_URL", "https://cdn.jsdelivr.net/npm/@fawazahmed0/currency-api"),
			UserAgent:       getEnv("API_USER_AGENT", "retail-medallion/1.0"),
			BaseCurrency:    getEnv("BASE_CURRENCY", "GBP"),
			CountryTimeout:  time.Duration(getEnvAsInt("COUNTRY_API_TIMEOUT_SECONDS", 10)) * time.Second,
			RateTimeout:     time.Duration(getEnvAsInt("RATE_API_TIMEOUT_SECONDS", 5)) * time.Second,
			RetryAttempts:   getEnvAsInt("RETRY_ATTEMPTS", 2),
			RetryDelay:      time.Duration(getEnvAsInt("RETRY_DELAY_MS", 500)) * time.Millisecond,
		},
		Analytics: AnalyticsConfig{
			ActiveWindowDays: getEnvAsInt("RFM_ACTIVE_WINDOW_DAYS", 90),
			TrainMonths:      getEnvAsInt("CLTV_TRAIN_MONTHS", 12),
			TestFraction:     getEnvAsFloat("CLTV_TEST_FRACTION", 0.2),
			Seed:             uint64(getEnvAsInt("CLTV_SEED", 42)),
			CapQuantile:      getEnvAsFloat("CLTV_CAP_QUANTILE", 0.95),
			CVFolds:          getEnvAsInt("CLTV_CV_FOLDS", 5),
		},
	}

	warehouse, err := LoadWarehouseConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load warehouse configuration: %w", err)
	}
	cfg.Warehouse = warehouse

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Warehouse == nil {
		return errors.New("warehouse configuration is required")
	}

	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}

	if c.Paths.CSVDir == "" {
		return errors.New("CSV_DIR cannot be empty")
	}

	if len(c.Paths.CSVPatterns) == 0 {
		return errors.New("CSV_PATTERNS cannot be empty")
	}

	if c.APIs.RetryAttempts < 0 {
		return errors.New("retry attempts cannot be negative")
	}

	if len(c.APIs.BaseCurrency) != 3 {
		return fmt.Errorf("base currency must be an ISO 4217 code, got %q", c.APIs.BaseCurrency)
	}

	if c.Analytics.TrainMonths <= 0 {
		return errors.New("CLTV train months must be positive")
	}

	if c.Analytics.TestFraction <= 0 || c.Analytics.TestFraction >= 1 {
		return errors.New("CLTV test fraction must be in (0, 1)")
	}

	if c.Analytics.CapQuantile <= 0 || c.Analytics.CapQuantile > 1 {
		return errors.New("CLTV cap quantile must be in (0, 1]")
	}

	if c.Analytics.CVFolds < 2 {
		return errors.New("CLTV cross-validation needs at least 2 folds")
	}

	return c.Warehouse.Validate()
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
