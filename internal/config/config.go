package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Storage backends selectable with VMAIL_STORAGE.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	Storage             string
	SQLitePath          string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	LogLevel            string

	IMAPConnectTimeout time.Duration
	IMAPSocketTimeout  time.Duration
	IMAPMaxConnections int

	SyncConcurrency           int
	SyncFirstWindow           int
	BackgroundSyncInterval    time.Duration
	BackgroundSyncMinInterval time.Duration

	NATSURL string

	GoogleClientID        string
	GoogleClientSecret    string
	MicrosoftClientID     string
	MicrosoftClientSecret string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:           env,
		EncryptionKeyBase64:   os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"),
		Storage:               getEnvOrDefault("VMAIL_STORAGE", StoragePostgres),
		SQLitePath:            getEnvOrDefault("VMAIL_SQLITE_PATH", "mailsync.db"),
		DBHost:                getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:                getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:            getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:            os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:                getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:             getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                  getEnvOrDefault("PORT", "8080"),
		Timezone:              getEnvOrDefault("TZ", "UTC"),
		LogLevel:              getEnvOrDefault("VMAIL_LOG_LEVEL", "info"),
		NATSURL:               os.Getenv("VMAIL_NATS_URL"),
		GoogleClientID:        os.Getenv("VMAIL_GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("VMAIL_GOOGLE_CLIENT_SECRET"),
		MicrosoftClientID:     os.Getenv("VMAIL_MICROSOFT_CLIENT_ID"),
		MicrosoftClientSecret: os.Getenv("VMAIL_MICROSOFT_CLIENT_SECRET"),
	}

	var err error
	if config.IMAPConnectTimeout, err = getDurationOrDefault("VMAIL_IMAP_CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if config.IMAPSocketTimeout, err = getDurationOrDefault("VMAIL_IMAP_SOCKET_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if config.IMAPMaxConnections, err = getIntOrDefault("VMAIL_IMAP_MAX_CONNECTIONS", 3); err != nil {
		return nil, err
	}
	if config.SyncConcurrency, err = getIntOrDefault("VMAIL_SYNC_CONCURRENCY", 3); err != nil {
		return nil, err
	}
	if config.SyncFirstWindow, err = getIntOrDefault("VMAIL_SYNC_FIRST_WINDOW", 50); err != nil {
		return nil, err
	}
	if config.BackgroundSyncInterval, err = getDurationOrDefault("VMAIL_BACKGROUND_SYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if config.BackgroundSyncMinInterval, err = getDurationOrDefault("VMAIL_BACKGROUND_SYNC_MIN_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	switch c.Storage {
	case StoragePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("VMAIL_DB_PASSWORD is required")
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("VMAIL_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("VMAIL_STORAGE must be %q or %q, got %q", StoragePostgres, StorageSQLite, c.Storage)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid VMAIL_LOG_LEVEL: %w", err)
	}

	if c.IMAPMaxConnections < 1 {
		return fmt.Errorf("VMAIL_IMAP_MAX_CONNECTIONS must be at least 1")
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("VMAIL_SYNC_CONCURRENCY must be at least 1")
	}
	if c.SyncFirstWindow < 1 {
		return fmt.Errorf("VMAIL_SYNC_FIRST_WINDOW must be at least 1")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// NewLogger builds the process logger at the configured level.
// Production uses JSON output so log shippers can index the fields.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
