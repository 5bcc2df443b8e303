// Package config provides centralized configuration for the ingestion workflows.
// Configuration is loaded from defaults, then an optional JSON or YAML file, then a
// .env file and POLYINGEST_* environment variables, and is validated before use.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `json:"app_name" yaml:"app_name"`

	Events  EventsConfig  `json:"events" yaml:"events"`
	Prices  PricesConfig  `json:"prices" yaml:"prices"`
	Trades  TradesConfig  `json:"trades" yaml:"trades"`
	Backoff BackoffConfig `json:"backoff" yaml:"backoff"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Ledger  LedgerConfig  `json:"ledger" yaml:"ledger"`
}

// EventsConfig configures the closed-events listing workflow
type EventsConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	PageSize  int    `json:"page_size" yaml:"page_size"`
	Closed    bool   `json:"closed" yaml:"closed"`
}

// PricesConfig configures the per-token price history workflow
type PricesConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	OutputDir   string  `json:"output_dir" yaml:"output_dir"`
	EventsDir   string  `json:"events_dir" yaml:"events_dir"`
	ShardMod    int     `json:"shard_mod" yaml:"shard_mod"`
	Fidelity    int     `json:"fidelity" yaml:"fidelity"`
	StartBuffer string  `json:"start_buffer" yaml:"start_buffer"` // subtracted from a market's end date
	Workers     int     `json:"workers" yaml:"workers"`
	RateLimit   float64 `json:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
}

// TradesConfig configures the per-market trade log workflow
type TradesConfig struct {
	BaseURL      string  `json:"base_url" yaml:"base_url"`
	OutputDir    string  `json:"output_dir" yaml:"output_dir"`
	EventsDir    string  `json:"events_dir" yaml:"events_dir"`
	ShardMod     int     `json:"shard_mod" yaml:"shard_mod"`
	PageSize     int     `json:"page_size" yaml:"page_size"`
	Percentile   float64 `json:"percentile" yaml:"percentile"` // top share of markets by volume
	TakerOnly    bool    `json:"taker_only" yaml:"taker_only"`
	FilterType   string  `json:"filter_type" yaml:"filter_type"`
	FilterAmount int     `json:"filter_amount" yaml:"filter_amount"`
	Workers      int     `json:"workers" yaml:"workers"`
	RateLimit    float64 `json:"rate_limit" yaml:"rate_limit"`
}

// BackoffConfig configures retry behavior on rate limited responses
type BackoffConfig struct {
	InitialInterval string  `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     string  `json:"max_interval" yaml:"max_interval"`
	Multiplier      float64 `json:"multiplier" yaml:"multiplier"`
	MaxRetries      int     `json:"max_retries" yaml:"max_retries"` // 0 retries forever
	RequestTimeout  string  `json:"request_timeout" yaml:"request_timeout"`
	TargetTimeout   string  `json:"target_timeout" yaml:"target_timeout"` // empty means no limit
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`
	Format        string            `json:"format" yaml:"format"`
	Output        string            `json:"output" yaml:"output"`
	FilePath      string            `json:"file_path" yaml:"file_path"`
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // files
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// LedgerConfig configures the run ledger database
type LedgerConfig struct {
	Type string `json:"type" yaml:"type"` // "duckdb", "memory"
	Path string `json:"path" yaml:"path"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the dotenv file read before environment overrides.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env included)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, err
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"log_level", config.Logging.Level,
		"ledger_type", config.Ledger.Type)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	// Expand ${VAR} environment variables
	expanded := []byte(os.ExpandEnv(string(data)))

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(expanded, config)
	default:
		err = json.Unmarshal(expanded, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load %s: %w", cm.envFile, err)
	}
	return nil
}

// loadFromEnv loads configuration from POLYINGEST_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) error {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	setFloat := func(key string, dst *float64) error {
		if val := os.Getenv(key); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
		return nil
	}

	setString("POLYINGEST_EVENTS_URL", &config.Events.BaseURL)
	setString("POLYINGEST_EVENTS_DIR", &config.Events.OutputDir)
	setString("POLYINGEST_PRICES_URL", &config.Prices.BaseURL)
	setString("POLYINGEST_PRICES_DIR", &config.Prices.OutputDir)
	setString("POLYINGEST_PRICES_START_BUFFER", &config.Prices.StartBuffer)
	setString("POLYINGEST_TRADES_URL", &config.Trades.BaseURL)
	setString("POLYINGEST_TRADES_DIR", &config.Trades.OutputDir)
	setString("POLYINGEST_LOG_LEVEL", &config.Logging.Level)
	setString("POLYINGEST_LOG_FORMAT", &config.Logging.Format)
	setString("POLYINGEST_LOG_OUTPUT", &config.Logging.Output)
	setString("POLYINGEST_LOG_FILE_PATH", &config.Logging.FilePath)
	setString("POLYINGEST_LEDGER_TYPE", &config.Ledger.Type)
	setString("POLYINGEST_LEDGER_PATH", &config.Ledger.Path)
	setString("POLYINGEST_TARGET_TIMEOUT", &config.Backoff.TargetTimeout)

	if val := os.Getenv("POLYINGEST_EVENTS_SOURCE_DIR"); val != "" {
		config.Prices.EventsDir = val
		config.Trades.EventsDir = val
	}
	if val := os.Getenv("POLYINGEST_METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}

	for key, dst := range map[string]*int{
		"POLYINGEST_PRICES_WORKERS": &config.Prices.Workers,
		"POLYINGEST_TRADES_WORKERS": &config.Trades.Workers,
		"POLYINGEST_MAX_RETRIES":    &config.Backoff.MaxRetries,
		"POLYINGEST_METRICS_PORT":   &config.Metrics.Port,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	if err := setFloat("POLYINGEST_TRADES_PERCENTILE", &config.Trades.Percentile); err != nil {
		return err
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// MaxWorkers caps the per-workflow worker pool.
const MaxWorkers = 16

// Validate checks the configuration for consistency and required fields
func (c *AppConfig) Validate() error {
	var errors []string

	required := map[string]string{
		"events.base_url":   c.Events.BaseURL,
		"events.output_dir": c.Events.OutputDir,
		"prices.base_url":   c.Prices.BaseURL,
		"prices.output_dir": c.Prices.OutputDir,
		"prices.events_dir": c.Prices.EventsDir,
		"trades.base_url":   c.Trades.BaseURL,
		"trades.output_dir": c.Trades.OutputDir,
		"trades.events_dir": c.Trades.EventsDir,
	}
	for _, key := range sortedKeys(required) {
		if strings.TrimSpace(required[key]) == "" {
			errors = append(errors, key+" is required")
		}
	}

	if c.Events.PageSize <= 0 {
		errors = append(errors, "events.page_size must be greater than 0")
	}
	if c.Prices.ShardMod <= 0 {
		errors = append(errors, "prices.shard_mod must be greater than 0")
	}
	if c.Prices.Workers < 1 || c.Prices.Workers > MaxWorkers {
		errors = append(errors, fmt.Sprintf("prices.workers must be between 1 and %d", MaxWorkers))
	}
	if c.Trades.ShardMod <= 0 {
		errors = append(errors, "trades.shard_mod must be greater than 0")
	}
	if c.Trades.PageSize <= 0 {
		errors = append(errors, "trades.page_size must be greater than 0")
	}
	if c.Trades.Workers < 1 || c.Trades.Workers > MaxWorkers {
		errors = append(errors, fmt.Sprintf("trades.workers must be between 1 and %d", MaxWorkers))
	}
	if c.Trades.Percentile <= 0 || c.Trades.Percentile > 1 {
		errors = append(errors, "trades.percentile must be in (0, 1]")
	}
	if c.Prices.RateLimit < 0 || c.Trades.RateLimit < 0 {
		errors = append(errors, "rate_limit must not be negative")
	}

	durations := map[string]string{
		"prices.start_buffer":      c.Prices.StartBuffer,
		"backoff.initial_interval": c.Backoff.InitialInterval,
		"backoff.max_interval":     c.Backoff.MaxInterval,
		"backoff.request_timeout":  c.Backoff.RequestTimeout,
	}
	for _, name := range sortedKeys(durations) {
		if _, err := time.ParseDuration(durations[name]); err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", name, err))
		}
	}
	if c.Backoff.TargetTimeout != "" {
		if _, err := time.ParseDuration(c.Backoff.TargetTimeout); err != nil {
			errors = append(errors, fmt.Sprintf("backoff.target_timeout is not a valid duration: %v", err))
		}
	}
	if c.Backoff.Multiplier < 1 {
		errors = append(errors, "backoff.multiplier must be at least 1")
	}
	if c.Backoff.MaxRetries < 0 {
		errors = append(errors, "backoff.max_retries must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errors = append(errors, "metrics.port must be between 1 and 65535")
	}

	switch c.Ledger.Type {
	case "memory":
	case "duckdb":
		if c.Ledger.Path == "" {
			errors = append(errors, "ledger.path is required for duckdb ledger")
		}
	default:
		errors = append(errors, "ledger.type must be one of: duckdb, memory")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration matching the public Polymarket endpoints
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "polyingest",
		Events: EventsConfig{
			BaseURL:   "https://gamma-api.polymarket.com",
			OutputDir: "events",
			PageSize:  100,
			Closed:    true,
		},
		Prices: PricesConfig{
			BaseURL:     "https://clob.polymarket.com",
			OutputDir:   "prices",
			EventsDir:   "events",
			ShardMod:    1000,
			Fidelity:    1,
			StartBuffer: "72h",
			Workers:     1,
		},
		Trades: TradesConfig{
			BaseURL:      "https://data-api.polymarket.com",
			OutputDir:    "trades",
			EventsDir:    "events",
			ShardMod:     1000,
			PageSize:     500,
			Percentile:   0.10,
			TakerOnly:    true,
			FilterType:   "CASH",
			FilterAmount: 10000,
			Workers:      1,
			RateLimit:    7.5,
		},
		Backoff: BackoffConfig{
			InitialInterval: "1s",
			MaxInterval:     "60s",
			Multiplier:      2,
			MaxRetries:      0,
			RequestTimeout:  "30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "polyingest",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Ledger: LedgerConfig{
			Type: "duckdb",
			Path: "polyingest.duckdb",
		},
	}
}

// StartBufferDuration returns the parsed prices start buffer.
func (c PricesConfig) StartBufferDuration() time.Duration {
	return mustDuration(c.StartBuffer)
}

// Initial returns the parsed initial backoff interval.
func (c BackoffConfig) Initial() time.Duration { return mustDuration(c.InitialInterval) }

// Max returns the parsed backoff ceiling.
func (c BackoffConfig) Max() time.Duration { return mustDuration(c.MaxInterval) }

// Request returns the parsed per-request HTTP timeout.
func (c BackoffConfig) Request() time.Duration { return mustDuration(c.RequestTimeout) }

// Target returns the per-target wall clock budget, zero when unset.
func (c BackoffConfig) Target() time.Duration { return mustDuration(c.TargetTimeout) }

// mustDuration parses a duration already checked by Validate.
func mustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the configuration as indented JSON
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
