// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                  `yaml:"app"`
	Master      MasterConfig               `yaml:"master"`
	Follower    FollowerConfig             `yaml:"follower"`
	Trading     TradingConfig              `yaml:"trading"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	System      SystemConfig               `yaml:"system"`
	Timing      TimingConfig               `yaml:"timing"`
	Concurrency ConcurrencyConfig          `yaml:"concurrency"`
	Telemetry   TelemetryConfig            `yaml:"telemetry"`
	Store       StoreConfig                `yaml:"store"`
	Alerting    AlertingConfig             `yaml:"alerting"`
}

// AlertingConfig names the optional outbound notification channels the
// AlertManager dispatches startup- and shutdown-failure alerts to. Every
// field is optional; an unset channel is simply never registered.
type AlertingConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	EngineType string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	// DatabaseURL is required when EngineType is "dbos": it backs the
	// checkpoint store DBOS uses to make the Exposure Rebalancer's
	// periodic Check durable across restarts.
	DatabaseURL string `yaml:"database_url"`
}

// MasterConfig describes the venue being mirrored.
type MasterConfig struct {
	FollowedUsers []string `yaml:"followed_users" validate:"required,min=1"`
	WSURL         string   `yaml:"ws_url" validate:"required"`
	HTTPBaseURL   string   `yaml:"http_base_url" validate:"required"`
}

// FollowerConfig describes the venue mirroring onto.
type FollowerConfig struct {
	APIKey        Secret `yaml:"api_key" validate:"required"`
	SecretKey     Secret `yaml:"secret_key" validate:"required"`
	RESTBaseURL   string `yaml:"rest_base_url" validate:"required"`
	WSBaseURL     string `yaml:"ws_base_url" validate:"required"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"min=0"`
	RateBurst     int    `yaml:"rate_burst" validate:"min=0"`
}

// TradingConfig contains the copy-ratio and coverage parameters.
type TradingConfig struct {
	Mode            string   `yaml:"mode" validate:"required,oneof=fixed equal"`
	FixedRatio      float64  `yaml:"fixed_ratio" validate:"required_if=Mode fixed,min=0"`
	EqualRatio      float64  `yaml:"equal_ratio" validate:"required_if=Mode equal,min=0"`
	AccountCacheTTL int      `yaml:"account_cache_ttl" validate:"required,min=1"`
	SupportedCoins  []string `yaml:"supported_coins" validate:"required,min=1"`
	EmergencyStop   bool     `yaml:"emergency_stop"`
}

// InstrumentConfig carries the per-coin risk and sizing parameters keyed
// under Config.Instruments by symbol.
type InstrumentConfig struct {
	MaxPositionSize    float64         `yaml:"max_position_size" validate:"required,min=0"`
	ReductionThreshold float64         `yaml:"reduction_threshold" validate:"min=0"`
	MinOrderSize       MinOrderSize    `yaml:"min_order_size" validate:"required"`
	PriceTick          float64         `yaml:"price_tick" validate:"required,min=0"`
	QuantityDecimals   int32           `yaml:"quantity_decimals" validate:"min=0,max=18"`
}

// MinOrderSize accepts either a single scalar (applied to both Open and
// Close) or an explicit {open, close} mapping, per spec.md §6.
type MinOrderSize struct {
	Open  float64
	Close float64
}

// UnmarshalYAML implements the scalar-or-object form of MinOrderSize.
func (m *MinOrderSize) UnmarshalYAML(value *yaml.Node) error {
	var scalar float64
	if err := value.Decode(&scalar); err == nil {
		m.Open, m.Close = scalar, scalar
		return nil
	}

	var split struct {
		Open  float64 `yaml:"open"`
		Close float64 `yaml:"close"`
	}
	if err := value.Decode(&split); err != nil {
		return fmt.Errorf("min_order_size must be a number or {open, close}: %w", err)
	}
	m.Open, m.Close = split.Open, split.Close
	return nil
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	WebsocketReconnectDelay   int `yaml:"websocket_reconnect_delay" validate:"min=1,max=300"`
	WebsocketPongWait         int `yaml:"websocket_pong_wait" validate:"min=1,max=300"`
	WebsocketPingInterval     int `yaml:"websocket_ping_interval" validate:"min=1,max=300"`
	ListenKeyKeepaliveInterval int `yaml:"listen_key_keepalive_interval" validate:"min=1,max=3600"`
	OrderLockTTLSeconds       int `yaml:"order_lock_ttl_seconds" validate:"min=1,max=300"`
	ValidatorInterval         int `yaml:"validator_interval_seconds" validate:"required,min=1,max=3600"`
	RebalanceInterval         int `yaml:"rebalance_interval_seconds" validate:"required,min=1,max=3600"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ExecutorPoolSize   int `yaml:"executor_pool_size" validate:"min=1,max=100"`
	ExecutorPoolBuffer int `yaml:"executor_pool_buffer" validate:"min=1,max=10000"`
}

// StoreConfig describes the key-value store backing persisted state.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite"`
	DSN    string `yaml:"dsn"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateMasterConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateFollowerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateInstruments(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "database_url is required when engine_type is 'dbos'"}
	}
	return nil
}

func (c *Config) validateMasterConfig() error {
	if len(c.Master.FollowedUsers) == 0 {
		return ValidationError{
			Field:   "master.followed_users",
			Message: "at least one followed user is required",
		}
	}
	if c.Master.WSURL == "" {
		return ValidationError{Field: "master.ws_url", Message: "websocket URL is required"}
	}
	if c.Master.HTTPBaseURL == "" {
		return ValidationError{Field: "master.http_base_url", Message: "snapshot HTTP base URL is required"}
	}
	return nil
}

func (c *Config) validateFollowerConfig() error {
	if c.Follower.APIKey == "" {
		return ValidationError{Field: "follower.api_key", Message: "API key is required"}
	}
	if c.Follower.SecretKey == "" {
		return ValidationError{Field: "follower.secret_key", Message: "secret key is required"}
	}
	if c.Follower.RESTBaseURL == "" {
		return ValidationError{Field: "follower.rest_base_url", Message: "REST base URL is required"}
	}
	if c.Follower.WSBaseURL == "" {
		return ValidationError{Field: "follower.ws_base_url", Message: "stream base URL is required"}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	validModes := []string{"fixed", "equal"}
	if !contains(validModes, c.Trading.Mode) {
		return ValidationError{
			Field:   "trading.mode",
			Value:   c.Trading.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.Trading.Mode == "fixed" && c.Trading.FixedRatio <= 0 {
		return ValidationError{Field: "trading.fixed_ratio", Value: c.Trading.FixedRatio, Message: "must be positive under fixed mode"}
	}
	if c.Trading.Mode == "equal" && c.Trading.EqualRatio <= 0 {
		return ValidationError{Field: "trading.equal_ratio", Value: c.Trading.EqualRatio, Message: "must be positive under equal mode"}
	}
	if c.Trading.AccountCacheTTL <= 0 {
		return ValidationError{Field: "trading.account_cache_ttl", Value: c.Trading.AccountCacheTTL, Message: "must be positive"}
	}
	if len(c.Trading.SupportedCoins) == 0 {
		return ValidationError{Field: "trading.supported_coins", Message: "at least one supported coin is required"}
	}
	return nil
}

func (c *Config) validateInstruments() error {
	for _, coin := range c.Trading.SupportedCoins {
		inst, exists := c.Instruments[coin]
		if !exists {
			return ValidationError{
				Field:   "instruments",
				Value:   coin,
				Message: "supported coin missing an instruments entry",
			}
		}
		if inst.MaxPositionSize <= 0 {
			return ValidationError{Field: fmt.Sprintf("instruments.%s.max_position_size", coin), Value: inst.MaxPositionSize, Message: "must be positive"}
		}
		if inst.PriceTick <= 0 {
			return ValidationError{Field: fmt.Sprintf("instruments.%s.price_tick", coin), Value: inst.PriceTick, Message: "must be positive"}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validDrivers := []string{"memory", "sqlite"}
	if !contains(validDrivers, c.Store.Driver) {
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return ValidationError{Field: "store.dsn", Message: "DSN is required for the sqlite driver"}
	}
	return nil
}

// String returns a string representation of the configuration (with
// sensitive data masked via Secret's own MarshalYAML).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"FOLLOWER_API_KEY", "FOLLOWER_SECRET_KEY",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{EngineType: "simple"},
		Master: MasterConfig{
			FollowedUsers: []string{"0xTEST"},
			WSURL:         "wss://api.hyperliquid.xyz/ws",
			HTTPBaseURL:   "https://api.hyperliquid.xyz",
		},
		Follower: FollowerConfig{
			APIKey:        "test_api_key",
			SecretKey:     "test_secret_key",
			RESTBaseURL:   "https://fapi.binance.com",
			WSBaseURL:     "wss://fstream.binance.com",
			RatePerSecond: 25,
			RateBurst:     30,
		},
		Trading: TradingConfig{
			Mode:            "fixed",
			FixedRatio:      1.0,
			AccountCacheTTL: 30,
			SupportedCoins:  []string{"BTC", "ETH"},
		},
		Instruments: map[string]InstrumentConfig{
			"BTC": {MaxPositionSize: 5, ReductionThreshold: 4, MinOrderSize: MinOrderSize{Open: 0.001, Close: 0.001}, PriceTick: 0.1, QuantityDecimals: 3},
			"ETH": {MaxPositionSize: 50, ReductionThreshold: 40, MinOrderSize: MinOrderSize{Open: 0.01, Close: 0.01}, PriceTick: 0.01, QuantityDecimals: 2},
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Timing: TimingConfig{
			WebsocketReconnectDelay:    5,
			WebsocketPongWait:          60,
			WebsocketPingInterval:      30,
			ListenKeyKeepaliveInterval: 1800,
			OrderLockTTLSeconds:        10,
			ValidatorInterval:          60,
			RebalanceInterval:          15,
		},
		Concurrency: ConcurrencyConfig{
			ExecutorPoolSize:   8,
			ExecutorPoolBuffer: 256,
		},
		Store: StoreConfig{Driver: "memory"},
	}
}
