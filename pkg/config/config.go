// Package config provides configuration management for the sync tool.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/pathutil"
)

// Config represents the application configuration.
type Config struct {
	Stripe StripeConfig
	QBO    QBOConfig
	Sync   SyncConfig
	Notify NotifyConfig
	Debug  bool
}

// StripeConfig represents Stripe API configuration.
type StripeConfig struct {
	APIKey    string
	AccountID string // Connected account, optional
}

// QBOConfig represents QuickBooks Online API configuration.
type QBOConfig struct {
	APIURL       string
	RealmID      string
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	TokenURL     string
	RateLimit    float64 // Requests per second
}

// SyncConfig represents sync engine configuration.
type SyncConfig struct {
	DataRoot     string
	DBPath       string
	SettingsFile string
	ReportsDir   string
	Concurrency  int
	Timezone     string
	CurrencyMode string
}

// NotifyConfig represents the outcome webhook configuration.
type NotifyConfig struct {
	URL    string
	Secret string
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	rateLimit, err := parseFloatEnv("QBO_RATE_LIMIT", 8)
	if err != nil {
		return nil, err
	}

	concurrency, err := parseIntEnv("SYNC_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Stripe: StripeConfig{
			APIKey:    os.Getenv("STRIPE_API_KEY"),
			AccountID: os.Getenv("STRIPE_ACCOUNT_ID"),
		},
		QBO: QBOConfig{
			APIURL:       getEnvOrDefault("QBO_API_URL", "https://quickbooks.api.intuit.com/v3/company"),
			RealmID:      os.Getenv("QBO_REALM_ID"),
			ClientID:     os.Getenv("QBO_CLIENT_ID"),
			ClientSecret: os.Getenv("QBO_CLIENT_SECRET"),
			AccessToken:  os.Getenv("QBO_ACCESS_TOKEN"),
			RefreshToken: os.Getenv("QBO_REFRESH_TOKEN"),
			TokenURL:     os.Getenv("QBO_TOKEN_URL"),
			RateLimit:    rateLimit,
		},
		Sync: SyncConfig{
			DataRoot:     getEnvOrDefault("SYNC_DATA_ROOT", "./data"),
			DBPath:       os.Getenv("SYNC_DB_PATH"),
			SettingsFile: os.Getenv("SYNC_SETTINGS_FILE"),
			ReportsDir:   os.Getenv("SYNC_REPORTS_DIR"),
			Concurrency:  concurrency,
			Timezone:     getEnvOrDefault("SYNC_TIMEZONE", "UTC"),
			CurrencyMode: getEnvOrDefault("CURRENCY_MODE", "strict-home-currency"),
		},
		Notify: NotifyConfig{
			URL:    os.Getenv("NOTIFY_URL"),
			Secret: os.Getenv("NOTIFY_SECRET"),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}

	return config, nil
}

// Validate validates the configuration.
// It checks if all required fields are set.
func (c *Config) Validate(required ...[]string) error {
	var missing []string

	for _, path := range required {
		if len(path) < 2 {
			continue
		}

		var value string
		switch path[0] {
		case "stripe":
			switch path[1] {
			case "apiKey":
				value = c.Stripe.APIKey
			case "accountId":
				value = c.Stripe.AccountID
			}
		case "qbo":
			switch path[1] {
			case "apiUrl":
				value = c.QBO.APIURL
			case "realmId":
				value = c.QBO.RealmID
			case "clientId":
				value = c.QBO.ClientID
			case "clientSecret":
				value = c.QBO.ClientSecret
			case "accessToken":
				value = c.QBO.AccessToken
			case "refreshToken":
				value = c.QBO.RefreshToken
			}
		case "sync":
			switch path[1] {
			case "dataRoot":
				value = c.Sync.DataRoot
			case "settingsFile":
				value = c.Sync.SettingsFile
			}
		case "notify":
			switch path[1] {
			case "url":
				value = c.Notify.URL
			case "secret":
				value = c.Notify.Secret
			}
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	if c.Notify.URL != "" && c.Notify.Secret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}

	return nil
}

// Location returns the timezone QBO dates are rendered in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SYNC_TIMEZONE %q: %w", c.Sync.Timezone, err)
	}
	return loc, nil
}

// Paths returns the resolver for the data directory.
func (c *Config) Paths() *pathutil.PathResolver {
	return pathutil.New(pathutil.Config{
		DataRoot:     c.Sync.DataRoot,
		DatabasePath: c.Sync.DBPath,
		SettingsFile: c.Sync.SettingsFile,
		ReportsDir:   c.Sync.ReportsDir,
	})
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an int from an environment variable.
// Returns defaultValue if the environment variable is not set.
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value for %s: %s", key, value)
	}

	return parsed, nil
}

// parseFloatEnv parses a float64 from an environment variable.
func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number value for %s: %s", key, value)
	}

	return parsed, nil
}
