// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Trading     TradingConfig     `yaml:"trading"`
	Timing      TimingConfig      `yaml:"timing"`
	Signals     SignalsConfig     `yaml:"signals"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Journal     JournalConfig     `yaml:"journal"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Venue         string `yaml:"venue"`           // binance or mock
	OrderIDPrefix string `yaml:"order_id_prefix"` // prefix of client order ids
}

// ExchangeConfig contains venue credentials and client settings
type ExchangeConfig struct {
	APIKey            Secret `yaml:"api_key"`
	SecretKey         Secret `yaml:"secret_key"`
	Testnet           bool   `yaml:"testnet"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
}

// TradingConfig contains position sizing and protection parameters.
// Percentages are fractions: 0.008 means 0.8 %.
type TradingConfig struct {
	Symbol             string  `yaml:"symbol"`
	QuoteAsset         string  `yaml:"quote_asset"`
	MarginUSDT         float64 `yaml:"margin_usdt"`
	Leverage           int     `yaml:"leverage"`
	StopLossPct        float64 `yaml:"stop_loss_pct"`
	TakeProfitPct      float64 `yaml:"take_profit_pct"`
	MinStopDistancePct float64 `yaml:"min_stop_distance_pct"`
	TakerFeeRate       float64 `yaml:"taker_fee_rate"`
	TrailAdopted       bool    `yaml:"trail_adopted"`
	MilestoneAlerts    bool    `yaml:"milestone_alerts"`
}

// TimingConfig contains intervals (seconds unless suffixed) and retry budgets
type TimingConfig struct {
	ReconcileInterval  int `yaml:"reconcile_interval"`
	ReconcileTimeout   int `yaml:"reconcile_timeout"`
	TrailingInterval   int `yaml:"trailing_interval"`
	SweepInterval      int `yaml:"sweep_interval"`
	CloseVerifyDelayMs int `yaml:"close_verify_delay_ms"`
	PriceRetryAttempts int `yaml:"price_retry_attempts"`
	PriceRetryDelayMs  int `yaml:"price_retry_delay_ms"`
	OrderRetryAttempts int `yaml:"order_retry_attempts"`
	OrderRetryDelayMs  int `yaml:"order_retry_delay_ms"`
}

// SignalsConfig contains the timeframe signal source settings
type SignalsConfig struct {
	Timeframes    []string `yaml:"timeframes"`
	EMAFast       int      `yaml:"ema_fast"`
	EMASlow       int      `yaml:"ema_slow"`
	EMALookback   int      `yaml:"ema_lookback"`
	Mode          string   `yaml:"mode"` // all, off or one timeframe
	ErrorCooldown int      `yaml:"error_cooldown"`

	// Confirm maps a timeframe to a slower one whose EMA trend must agree
	// with its crossovers, e.g. 3m: 5m
	Confirm map[string]string `yaml:"confirm"`

	// Automated opens pause for FailureCooldown seconds after this many
	// consecutive failures. Zero disables the breaker.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	FailureCooldown        int `yaml:"failure_cooldown"`
}

// TelegramConfig contains notification and command channel settings
type TelegramConfig struct {
	Token           Secret `yaml:"token"`
	ChatID          int64  `yaml:"chat_id"`
	CommandsEnabled bool   `yaml:"commands_enabled"`
}

// JournalConfig contains trade journal settings
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
	TraceStdout   bool `yaml:"trace_stdout"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	NotifierWorkers int `yaml:"notifier_workers"`
	NotifierBuffer  int `yaml:"notifier_buffer"`
}

var (
	validVenues     = []string{"binance", "mock"}
	validTimeframes = []string{"1m", "3m", "5m", "15m", "30m", "1h"}
	validLogLevels  = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Keys absent from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field string, value interface{}, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if !contains(validVenues, c.App.Venue) {
		add("app.venue", c.App.Venue, "must be one of: "+strings.Join(validVenues, ", "))
	}
	if c.App.Venue == "binance" {
		if c.Exchange.APIKey == "" {
			add("exchange.api_key", "", "API key is required")
		}
		if c.Exchange.SecretKey == "" {
			add("exchange.secret_key", "", "secret key is required")
		}
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		add("exchange.requests_per_second", c.Exchange.RequestsPerSecond, "must be positive")
	}

	t := c.Trading
	if t.Symbol == "" {
		add("trading.symbol", t.Symbol, "trading symbol is required")
	}
	if t.QuoteAsset == "" {
		add("trading.quote_asset", t.QuoteAsset, "quote asset is required")
	}
	if t.MarginUSDT <= 0 {
		add("trading.margin_usdt", t.MarginUSDT, "margin must be positive")
	}
	if t.Leverage < 1 || t.Leverage > 125 {
		add("trading.leverage", t.Leverage, "must be between 1 and 125")
	}
	if t.StopLossPct <= 0 || t.StopLossPct >= 1 {
		add("trading.stop_loss_pct", t.StopLossPct, "must be a fraction between 0 and 1")
	}
	if t.TakeProfitPct <= 0 || t.TakeProfitPct >= 1 {
		add("trading.take_profit_pct", t.TakeProfitPct, "must be a fraction between 0 and 1")
	}
	if t.MinStopDistancePct < 0 || t.MinStopDistancePct >= t.StopLossPct {
		add("trading.min_stop_distance_pct", t.MinStopDistancePct, "must be non-negative and below stop_loss_pct")
	}

	if t.TakerFeeRate < 0 || t.TakerFeeRate >= 0.01 {
		add("trading.taker_fee_rate", t.TakerFeeRate, "must be a fraction between 0 and 0.01")
	}

	tm := c.Timing
	for field, v := range map[string]int{
		"timing.reconcile_interval":   tm.ReconcileInterval,
		"timing.reconcile_timeout":    tm.ReconcileTimeout,
		"timing.trailing_interval":    tm.TrailingInterval,
		"timing.sweep_interval":       tm.SweepInterval,
		"timing.price_retry_attempts": tm.PriceRetryAttempts,
		"timing.order_retry_attempts": tm.OrderRetryAttempts,
	} {
		if v <= 0 {
			add(field, v, "must be positive")
		}
	}
	if tm.CloseVerifyDelayMs < 0 || tm.PriceRetryDelayMs < 0 || tm.OrderRetryDelayMs < 0 {
		add("timing", nil, "delays must not be negative")
	}

	s := c.Signals
	for _, tf := range s.Timeframes {
		if !contains(validTimeframes, tf) {
			add("signals.timeframes", tf, "must be one of: "+strings.Join(validTimeframes, ", "))
		}
	}
	if s.EMAFast <= 0 || s.EMASlow <= s.EMAFast {
		add("signals.ema_slow", s.EMASlow, "ema_slow must be greater than a positive ema_fast")
	}
	if s.EMALookback <= s.EMASlow {
		add("signals.ema_lookback", s.EMALookback, "lookback must exceed ema_slow")
	}
	for tf, with := range s.Confirm {
		// An empty value switches confirmation off for tf
		if !contains(validTimeframes, tf) || (with != "" && !contains(validTimeframes, with)) {
			add("signals.confirm", tf+":"+with, "timeframes must be one of: "+strings.Join(validTimeframes, ", "))
		}
	}
	if s.MaxConsecutiveFailures < 0 || s.FailureCooldown < 0 {
		add("signals.max_consecutive_failures", s.MaxConsecutiveFailures, "breaker settings must not be negative")
	}
	if s.Mode != "all" && s.Mode != "off" && !contains(s.Timeframes, s.Mode) {
		add("signals.mode", s.Mode, "must be all, off or one of the configured timeframes")
	}

	if c.Telegram.CommandsEnabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		add("telegram", nil, "token and chat_id are required when commands are enabled")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path", "", "path is required when the journal is enabled")
	}
	if c.Telemetry.EnableMetrics && (c.Telemetry.MetricsPort <= 0 || c.Telemetry.MetricsPort > 65535) {
		add("telemetry.metrics_port", c.Telemetry.MetricsPort, "must be a valid port")
	}
	if !contains(validLogLevels, strings.ToUpper(c.System.LogLevel)) {
		add("system.log_level", c.System.LogLevel, "must be one of: "+strings.Join(validLogLevels, ", "))
	}

	if len(errs) > 0 {
		lines := make([]string, len(errs))
		for i, e := range errs {
			lines[i] = e.Error()
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(lines, "\n"))
	}
	return nil
}

// String returns a YAML rendering with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func (s SignalsConfig) ErrorCooldownDuration() time.Duration {
	return time.Duration(s.ErrorCooldown) * time.Second
}

func (s SignalsConfig) FailureCooldownDuration() time.Duration {
	return time.Duration(s.FailureCooldown) * time.Second
}

func (t TimingConfig) Reconcile() time.Duration { return time.Duration(t.ReconcileInterval) * time.Second }

func (t TimingConfig) ReconcileDeadline() time.Duration {
	return time.Duration(t.ReconcileTimeout) * time.Second
}

func (t TimingConfig) Trailing() time.Duration { return time.Duration(t.TrailingInterval) * time.Second }

func (t TimingConfig) Sweep() time.Duration { return time.Duration(t.SweepInterval) * time.Second }

func (t TimingConfig) CloseVerifyDelay() time.Duration {
	return time.Duration(t.CloseVerifyDelayMs) * time.Millisecond
}

func (t TimingConfig) PriceRetryDelay() time.Duration {
	return time.Duration(t.PriceRetryDelayMs) * time.Millisecond
}

func (t TimingConfig) OrderRetryDelay() time.Duration {
	return time.Duration(t.OrderRetryDelayMs) * time.Millisecond
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Venue:         "binance",
			OrderIDPrefix: "sky",
		},
		Exchange: ExchangeConfig{
			RequestsPerSecond: 20,
			Burst:             20,
		},
		Trading: TradingConfig{
			Symbol:             "ALGOUSDT",
			QuoteAsset:         "USDT",
			MarginUSDT:         2,
			Leverage:           10,
			StopLossPct:        0.008,
			TakeProfitPct:      0.015,
			MinStopDistancePct: 0.001,
			TakerFeeRate:       0.0005,
			MilestoneAlerts:    true,
		},
		Timing: TimingConfig{
			ReconcileInterval:  5,
			ReconcileTimeout:   30,
			TrailingInterval:   15,
			SweepInterval:      10,
			CloseVerifyDelayMs: 1000,
			PriceRetryAttempts: 3,
			PriceRetryDelayMs:  3000,
			OrderRetryAttempts: 3,
			OrderRetryDelayMs:  3000,
		},
		Signals: SignalsConfig{
			Timeframes:    []string{"3m", "5m"},
			EMAFast:       20,
			EMASlow:       50,
			EMALookback:   100,
			Mode:          "all",
			ErrorCooldown: 60,
			Confirm:       map[string]string{"3m": "5m"},

			MaxConsecutiveFailures: 3,
			FailureCooldown:        300,
		},
		Journal: JournalConfig{
			Path: "skytrader.db",
		},
		Telemetry: TelemetryConfig{
			EnableMetrics: true,
			MetricsPort:   9100,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			NotifierWorkers: 4,
			NotifierBuffer:  64,
		},
	}
}
