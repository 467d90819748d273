// Package config provides configuration management for the market data
// pipeline. Configuration is loaded from defaults, then an optional JSON
// file, then environment variables, in increasing priority.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName string `json:"app_name" env:"APP_NAME"`
	Version string `json:"version" env:"VERSION"`

	Vendor     VendorConfig     `json:"vendor"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`
	Cache      CacheConfig      `json:"cache"`
	Storage    StorageConfig    `json:"storage"`
	Resilience ResilienceConfig `json:"resilience"`
	Quality    QualityConfig    `json:"quality"`
	Logging    LoggingConfig    `json:"logging"`
}

// VendorConfig configures the upstream data vendor client.
type VendorConfig struct {
	BaseURL string `json:"base_url" env:"VENDOR_BASE_URL"`
	APIKey  string `json:"api_key" env:"VENDOR_API_KEY"`
	Timeout string `json:"timeout" env:"VENDOR_TIMEOUT"`
}

// RateLimitConfig carries the vendor contract's call budget.
type RateLimitConfig struct {
	CallsPerWindow int    `json:"calls_per_window" env:"RATE_LIMIT_CALLS"`
	Window         string `json:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig configures the three-tier cache.
type CacheConfig struct {
	L1Capacity int    `json:"l1_capacity" env:"CACHE_L1_CAPACITY"`
	L1TTL      string `json:"l1_ttl" env:"CACHE_L1_TTL"`
	L2Enabled  bool   `json:"l2_enabled" env:"CACHE_L2_ENABLED"`
	L2Addr     string `json:"l2_addr" env:"CACHE_L2_ADDR"`
	L2Password string `json:"l2_password" env:"CACHE_L2_PASSWORD"`
	L2DB       int    `json:"l2_db" env:"CACHE_L2_DB"`
	L2TTL      string `json:"l2_ttl" env:"CACHE_L2_TTL"`
}

// StorageConfig configures the time-series repository.
type StorageConfig struct {
	Type         string `json:"type" env:"STORAGE_TYPE"` // "duckdb", "memory"
	DatabasePath string `json:"database_path" env:"DATABASE_PATH"`
	QueryTimeout string `json:"query_timeout" env:"QUERY_TIMEOUT"`
}

// ResilienceConfig configures retry and circuit-breaker behavior for
// upstream and storage calls.
type ResilienceConfig struct {
	MaxAttempts       int     `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	BaseDelay         string  `json:"base_delay" env:"RETRY_BASE_DELAY"`
	MaxDelay          string  `json:"max_delay" env:"RETRY_MAX_DELAY"`
	BackoffMultiplier float64 `json:"backoff_multiplier" env:"RETRY_BACKOFF_MULTIPLIER"`
	Jitter            bool    `json:"jitter" env:"RETRY_JITTER"`

	FailureThreshold  int    `json:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD"`
	SuccessThreshold  int    `json:"success_threshold" env:"BREAKER_SUCCESS_THRESHOLD"`
	BreakerTimeout    string `json:"breaker_timeout" env:"BREAKER_TIMEOUT"`
	HalfOpenMaxProbes int    `json:"half_open_max_probes" env:"BREAKER_HALF_OPEN_PROBES"`
}

// QualityConfig configures validation and normalization.
type QualityConfig struct {
	Strict           bool   `json:"strict" env:"QUALITY_STRICT"`
	OutlierDetection bool   `json:"outlier_detection" env:"QUALITY_OUTLIER_DETECTION"`
	FillStrategy     string `json:"fill_strategy" env:"QUALITY_FILL_STRATEGY"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // megabytes
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. An empty configPath skips the
// file source.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{configPath: configPath, logger: logger}
}

// Load resolves the configuration: defaults, then file, then environment.
func (m *Manager) Load() (*AppConfig, error) {
	config := DefaultConfig()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	m.loadFromEnv(config)

	if err := m.validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_type", config.Storage.Type,
		"l2_enabled", config.Cache.L2Enabled,
		"log_level", config.Logging.Level)
	return config, nil
}

func (m *Manager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}
	return nil
}

func (m *Manager) loadFromEnv(config *AppConfig) {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	if val := os.Getenv("VENDOR_BASE_URL"); val != "" {
		config.Vendor.BaseURL = val
	}
	if val := os.Getenv("VENDOR_API_KEY"); val != "" {
		config.Vendor.APIKey = val
	}

	if val := os.Getenv("RATE_LIMIT_CALLS"); val != "" {
		if calls, err := strconv.Atoi(val); err == nil {
			config.RateLimit.CallsPerWindow = calls
		}
	}
	if val := os.Getenv("RATE_LIMIT_WINDOW"); val != "" {
		config.RateLimit.Window = val
	}

	if val := os.Getenv("CACHE_L1_CAPACITY"); val != "" {
		if capacity, err := strconv.Atoi(val); err == nil {
			config.Cache.L1Capacity = capacity
		}
	}
	if val := os.Getenv("CACHE_L2_ENABLED"); val != "" {
		config.Cache.L2Enabled = val == "true"
	}
	if val := os.Getenv("CACHE_L2_ADDR"); val != "" {
		config.Cache.L2Addr = val
	}
	if val := os.Getenv("CACHE_L2_PASSWORD"); val != "" {
		config.Cache.L2Password = val
	}

	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATABASE_PATH"); val != "" {
		config.Storage.DatabasePath = val
	}

	if val := os.Getenv("RETRY_MAX_ATTEMPTS"); val != "" {
		if attempts, err := strconv.Atoi(val); err == nil {
			config.Resilience.MaxAttempts = attempts
		}
	}
	if val := os.Getenv("BREAKER_FAILURE_THRESHOLD"); val != "" {
		if threshold, err := strconv.Atoi(val); err == nil {
			config.Resilience.FailureThreshold = threshold
		}
	}

	if val := os.Getenv("QUALITY_STRICT"); val != "" {
		config.Quality.Strict = val == "true"
	}
	if val := os.Getenv("QUALITY_FILL_STRATEGY"); val != "" {
		config.Quality.FillStrategy = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}
}

func (m *Manager) validate(config *AppConfig) error {
	var errs []string

	if config.RateLimit.CallsPerWindow <= 0 {
		errs = append(errs, "rate_limit.calls_per_window must be greater than 0")
	}
	if _, err := time.ParseDuration(config.RateLimit.Window); err != nil {
		errs = append(errs, fmt.Sprintf("rate_limit.window is not a valid duration: %v", err))
	}

	if config.Cache.L1Capacity <= 0 {
		errs = append(errs, "cache.l1_capacity must be greater than 0")
	}
	if config.Cache.L2Enabled && config.Cache.L2Addr == "" {
		errs = append(errs, "cache.l2_addr is required when L2 is enabled")
	}

	switch config.Storage.Type {
	case "duckdb":
		if config.Storage.DatabasePath == "" {
			errs = append(errs, "storage.database_path is required for duckdb storage")
		}
	case "memory":
	case "":
		errs = append(errs, "storage.type is required")
	default:
		errs = append(errs, fmt.Sprintf("storage.type %q is not supported", config.Storage.Type))
	}

	if config.Resilience.MaxAttempts <= 0 {
		errs = append(errs, "resilience.max_attempts must be greater than 0")
	}
	if config.Resilience.FailureThreshold <= 0 {
		errs = append(errs, "resilience.failure_threshold must be greater than 0")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// Get returns the loaded configuration.
func (m *Manager) Get() *AppConfig {
	return m.config
}

// Save writes the current configuration back to the config file.
func (m *Manager) Save() error {
	if m.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	m.logger.Info("configuration saved", "path", m.configPath)
	return nil
}

// RateLimitWindow returns the parsed rate limit window.
func (c *AppConfig) RateLimitWindow() time.Duration {
	d, err := time.ParseDuration(c.RateLimit.Window)
	if err != nil {
		return time.Minute
	}
	return d
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "marketdata",
		Version: "1.0.0",
		Vendor: VendorConfig{
			Timeout: "30s",
		},
		RateLimit: RateLimitConfig{
			CallsPerWindow: 60,
			Window:         "1m",
		},
		Cache: CacheConfig{
			L1Capacity: 1024,
			L1TTL:      "5m",
			L2Enabled:  false,
			L2Addr:     "localhost:6379",
			L2DB:       0,
			L2TTL:      "1h",
		},
		Storage: StorageConfig{
			Type:         "duckdb",
			DatabasePath: "./data/marketdata.db",
			QueryTimeout: "30s",
		},
		Resilience: ResilienceConfig{
			MaxAttempts:       3,
			BaseDelay:         "500ms",
			MaxDelay:          "30s",
			BackoffMultiplier: 2.0,
			Jitter:            true,
			FailureThreshold:  5,
			SuccessThreshold:  2,
			BreakerTimeout:    "30s",
			HalfOpenMaxProbes: 1,
		},
		Quality: QualityConfig{
			Strict:           false,
			OutlierDetection: true,
			FillStrategy:     "forward_fill",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// String returns the configuration as JSON with secrets redacted.
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Vendor.APIKey != "" {
		sanitized.Vendor.APIKey = "[REDACTED]"
	}
	if sanitized.Cache.L2Password != "" {
		sanitized.Cache.L2Password = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
