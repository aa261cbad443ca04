package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	ServerAddress  string   `json:"serverAddress"`
	CachePath      string   `json:"cachePath"`
	DatabaseURL    string   `json:"databaseUrl"`
	FeedURL        string   `json:"feedUrl"`
	DeviceID       string   `json:"deviceId"`
	DeviceName     string   `json:"deviceName"`
	DevicePlatform string   `json:"devicePlatform"`
	UserID         string   `json:"userId"`
	Security       Security `json:"security"`
	Engine         Engine   `json:"engine"`
}

// Security configuration
type Security struct {
	APIKey        string `json:"apiKey"`
	APIKeyHeader  string `json:"apiKeyHeader"`
	EncryptionKey string `json:"encryptionKey"`
}

// Engine holds the sync engine tunables
type Engine struct {
	QueueMaxSize         int `json:"queueMaxSize"`
	BatchSize            int `json:"batchSize"`
	MaxRetries           int `json:"maxRetries"`
	RetryBaseDelayMs     int `json:"retryBaseDelayMs"`
	DrainIntervalMs      int `json:"drainIntervalMs"`
	ReconnectBaseMs      int `json:"reconnectBaseMs"`
	MaxReconnectAttempts int `json:"maxReconnectAttempts"`
	HistoryLimit         int `json:"historyLimit"`
	RetentionDays        int `json:"retentionDays"`
}

// UsePostgres returns true if the PostgreSQL shared store should be used
// instead of the hosted websocket feed.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// RetryBaseDelay returns the retry backoff base as a duration.
func (e Engine) RetryBaseDelay() time.Duration {
	return time.Duration(e.RetryBaseDelayMs) * time.Millisecond
}

// DrainInterval returns the periodic queue-drain interval.
func (e Engine) DrainInterval() time.Duration {
	return time.Duration(e.DrainIntervalMs) * time.Millisecond
}

// ReconnectBase returns the reconnect backoff base.
func (e Engine) ReconnectBase() time.Duration {
	return time.Duration(e.ReconnectBaseMs) * time.Millisecond
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress:  ":5600",
		CachePath:      "syncengine.db",
		DevicePlatform: "desktop",
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
		Engine: Engine{
			QueueMaxSize:         500,
			BatchSize:            25,
			MaxRetries:           5,
			RetryBaseDelayMs:     1000,
			DrainIntervalMs:      15000,
			ReconnectBaseMs:      2000,
			MaxReconnectAttempts: 8,
			HistoryLimit:         50,
			RetentionDays:        30,
		},
	}
}

// Load loads configuration from file then environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if cachePath := os.Getenv("CACHE_PATH"); cachePath != "" {
		cfg.CachePath = cachePath
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}
	if feedURL := os.Getenv("FEED_URL"); feedURL != "" {
		cfg.FeedURL = feedURL
	}
	if deviceID := os.Getenv("DEVICE_ID"); deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if deviceName := os.Getenv("DEVICE_NAME"); deviceName != "" {
		cfg.DeviceName = deviceName
	}
	if platform := os.Getenv("DEVICE_PLATFORM"); platform != "" {
		cfg.DevicePlatform = platform
	}
	if userID := os.Getenv("USER_ID"); userID != "" {
		cfg.UserID = userID
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}
	if encKey := os.Getenv("ENCRYPTION_KEY"); encKey != "" {
		cfg.Security.EncryptionKey = encKey
	}

	if v := os.Getenv("QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.QueueMaxSize = n
		}
	}
	if v := os.Getenv("SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.BatchSize = n
		}
	}
	if v := os.Getenv("SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Engine.MaxRetries = n
		}
	}
	if v := os.Getenv("SYNC_DRAIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.DrainIntervalMs = n
		}
	}

	return cfg, nil
}
