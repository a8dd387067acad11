package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig
	Bluesky   BlueskyConfig
	Crawler   CrawlerConfig
	Sentiment SentimentConfig
	Database  DatabaseConfig
	Server    ServerConfig
	Pipeline  PipelineConfig
	Accounts  AccountsConfig
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Name    string
	Version string
}

// BlueskyConfig holds Bluesky API configuration
type BlueskyConfig struct {
	Identifier           string
	Password             string // an app password, not the account password
	PDSURL               string
	APIURL               string
	MaxRequestsPerMinute int
}

// CrawlerConfig tunes the feed and thread stages
type CrawlerConfig struct {
	FeedPageSize         int
	FeedRecheckHours     int
	FeedMaxPagesPerDay   int
	ThreadFreshnessDays  int
	ThreadMaxDepth       int
	ThreadRespectStartAt bool
}

// SentimentConfig selects the scoring tool
type SentimentConfig struct {
	Tool         string
	OpenAIAPIKey string
	OpenAIModel  string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                 int
	MaxRequestsPerMinute int
}

// PipelineConfig holds the schedule of the crawl pipeline
type PipelineConfig struct {
	Schedule          string
	Workers           int
	Timezone          string
	JobTimeoutMinutes int
}

// AccountsConfig says where tracked accounts come from
type AccountsConfig struct {
	File    string
	Handles []string
}

// LoadConfig loads configuration from the .env file and the environment.
// A missing .env file is not an error; the environment alone may be enough.
func LoadConfig(envPath string, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Warn("No .env file found, using environment only")
	}

	config := &Config{
		App: AppConfig{
			Name:    getEnv("APP_NAME", "Bluesky Tracker"),
			Version: getEnv("APP_VERSION", "1.0.0"),
		},
		Bluesky: BlueskyConfig{
			Identifier:           getEnv("BSKY_IDENTIFIER", ""),
			Password:             getEnv("BSKY_PASSWORD", ""),
			PDSURL:               getEnv("BSKY_PDS_URL", "https://bsky.social"),
			APIURL:               getEnv("BSKY_API_URL", "https://api.bsky.social"),
			MaxRequestsPerMinute: getEnvAsInt("BSKY_MAX_REQUESTS_PER_MINUTE", 300),
		},
		Crawler: CrawlerConfig{
			FeedPageSize:         getEnvAsInt("FEED_PAGE_SIZE", 1),
			FeedRecheckHours:     getEnvAsInt("FEED_RECHECK_HOURS", 24),
			FeedMaxPagesPerDay:   getEnvAsInt("FEED_MAX_PAGES_PER_DAY", 1000),
			ThreadFreshnessDays:  getEnvAsInt("THREAD_FRESHNESS_DAYS", 2),
			ThreadMaxDepth:       getEnvAsInt("THREAD_MAX_DEPTH", 512),
			ThreadRespectStartAt: getEnvAsBool("THREAD_RESPECT_START_AT", true),
		},
		Sentiment: SentimentConfig{
			Tool:         getEnv("SENTIMENT_TOOL", "lexicon"),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
			Path:   getEnv("DATABASE_PATH", "./bluesky.db"),
			DSN:    getEnv("DATABASE_DSN", ""),
		},
		Server: ServerConfig{
			Port:                 getEnvAsInt("SERVER_PORT", 8080),
			MaxRequestsPerMinute: getEnvAsInt("SERVER_MAX_REQUESTS_PER_MINUTE", 120),
		},
		Pipeline: PipelineConfig{
			Schedule:          getEnv("PIPELINE_SCHEDULE", "0 */6 * * *"),
			Workers:           getEnvAsInt("PIPELINE_WORKERS", 2),
			Timezone:          getEnv("TIMEZONE", "UTC"),
			JobTimeoutMinutes: getEnvAsInt("PIPELINE_TIMEOUT_MINUTES", 300),
		},
		Accounts: AccountsConfig{
			File:    getEnv("ACCOUNTS_FILE", "./accounts.yaml"),
			Handles: parseHandles(getEnv("TRACKED_ACCOUNTS", "")),
		},
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// parseHandles parses a comma-separated list of handles, dropping a leading @
func parseHandles(handlesStr string) []string {
	parts := strings.Split(handlesStr, ",")

	handles := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimPrefix(strings.TrimSpace(part), "@")
		if trimmed != "" {
			handles = append(handles, strings.ToLower(trimmed))
		}
	}
	return handles
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool gets an environment variable as a bool or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// app password credentials, see example.env
	if config.Bluesky.Identifier == "" {
		return fmt.Errorf("BSKY_IDENTIFIER environment variable is required")
	}
	if config.Bluesky.Password == "" {
		return fmt.Errorf("BSKY_PASSWORD environment variable is required")
	}
	if config.Bluesky.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("BSKY_MAX_REQUESTS_PER_MINUTE must be positive")
	}

	if config.Crawler.FeedPageSize < 1 || config.Crawler.FeedPageSize > 100 {
		return fmt.Errorf("FEED_PAGE_SIZE must be between 1 and 100")
	}
	if config.Crawler.FeedRecheckHours < 0 {
		return fmt.Errorf("FEED_RECHECK_HOURS must not be negative")
	}
	if config.Crawler.ThreadMaxDepth < 1 {
		return fmt.Errorf("THREAD_MAX_DEPTH must be positive")
	}

	if config.Sentiment.Tool == "openai" && config.Sentiment.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when SENTIMENT_TOOL is openai")
	}

	if config.Pipeline.Workers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be positive")
	}

	switch config.Database.Driver {
	case "postgres":
		if config.Database.DSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres driver")
		}
		return nil
	case "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", config.Database.Driver)
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if config.Database.Path != ":memory:" && dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
