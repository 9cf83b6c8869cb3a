package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"stripesync/internal/account"
	"stripesync/internal/logger"
)

type Config struct {
	// Ledger database
	DatabaseURL string

	// Billing provider accounts, index = account index
	Accounts        []account.Config
	StripeAPIURL    string
	StripeTimeout   time.Duration
	StripeRateLimit float64
	BreakerFailures uint32

	// Metadata keys used for cross references
	InvoiceMarkerKey  string
	CustomerMarkerKey string

	// Import behaviour
	Timezone      string
	ImportWorkers int

	// HTTP API
	HTTPAddr string
	AuthUser string
	AuthPass string

	// Google Sheets report
	GoogleSheetURL       string
	GoogleSheetWorksheet string

	// Logging Configuration
	LogLevel      string
	LogFormat     string
	LogTimeFormat string
	LogOutput     string
}

// accountsFile is the layout of STRIPE_ACCOUNTS_FILE.
type accountsFile struct {
	Accounts []struct {
		Name      string `yaml:"name"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"accounts"`
}

func Load() (*Config, error) {
	const op = "Load"

	config := &Config{
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		StripeAPIURL:         getEnv("STRIPE_API_URL", ""),
		InvoiceMarkerKey:     getEnv("METADATA_INVOICE_KEY", "localInvoiceId"),
		CustomerMarkerKey:    getEnv("METADATA_CUSTOMER_KEY", "localCustomerId"),
		Timezone:             getEnv("IMPORT_TIMEZONE", "Europe/Madrid"),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		AuthUser:             getEnv("AUTH_USER", ""),
		AuthPass:             getEnv("AUTH_PASS", ""),
		GoogleSheetURL:       getEnv("GOOGLE_SHEET_URL", ""),
		GoogleSheetWorksheet: getEnv("GOOGLE_SHEET_WORKSHEET", "Stripe imports"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
		LogTimeFormat:        getEnv("LOG_TIME_FORMAT", "2006-01-02T15:04:05Z07:00"),
		LogOutput:            getEnv("LOG_OUTPUT", "stdout"),
	}

	var err error
	if config.StripeTimeout, err = time.ParseDuration(getEnv("STRIPE_TIMEOUT", "30s")); err != nil {
		return nil, fmt.Errorf("%s: invalid STRIPE_TIMEOUT: %w", op, err)
	}
	if config.StripeRateLimit, err = strconv.ParseFloat(getEnv("STRIPE_RATE_LIMIT", "25"), 64); err != nil {
		return nil, fmt.Errorf("%s: invalid STRIPE_RATE_LIMIT: %w", op, err)
	}
	failures, err := strconv.ParseUint(getEnv("STRIPE_BREAKER_FAILURES", "5"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid STRIPE_BREAKER_FAILURES: %w", op, err)
	}
	config.BreakerFailures = uint32(failures)
	if config.ImportWorkers, err = strconv.Atoi(getEnv("IMPORT_WORKERS", "4")); err != nil {
		return nil, fmt.Errorf("%s: invalid IMPORT_WORKERS: %w", op, err)
	}

	if path := getEnv("STRIPE_ACCOUNTS_FILE", ""); path != "" {
		config.Accounts, err = loadAccountsFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		config.Accounts = parseSecretKeys(getEnv("STRIPE_SECRET_KEYS", ""))
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("STRIPE_SECRET_KEYS or STRIPE_ACCOUNTS_FILE is required")
	}
	if c.StripeTimeout <= 0 {
		return fmt.Errorf("STRIPE_TIMEOUT must be positive")
	}
	if c.StripeRateLimit <= 0 {
		return fmt.Errorf("STRIPE_RATE_LIMIT must be positive")
	}
	if c.ImportWorkers < 1 {
		return fmt.Errorf("IMPORT_WORKERS must be at least 1")
	}
	if c.InvoiceMarkerKey == "" || c.CustomerMarkerKey == "" {
		return fmt.Errorf("metadata keys must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid IMPORT_TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the import timezone. validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}

// parseSecretKeys splits a comma separated key list. Empty entries keep
// their slot so account indexes stay stable.
func parseSecretKeys(raw string) []account.Config {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	accounts := make([]account.Config, len(parts))
	for i, p := range parts {
		accounts[i] = account.Config{Index: i, SecretKey: strings.TrimSpace(p)}
	}
	return accounts
}

func loadAccountsFile(path string) ([]account.Config, error) {
	const op = "loadAccountsFile"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read %s: %w", op, path, err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s: failed to parse %s: %w", op, path, err)
	}

	accounts := make([]account.Config, len(file.Accounts))
	for i, a := range file.Accounts {
		accounts[i] = account.Config{Index: i, Name: a.Name, SecretKey: os.ExpandEnv(a.SecretKey)}
	}
	return accounts, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
