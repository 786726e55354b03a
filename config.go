// FILE: config.go
// Package main – layered configuration (SPEC_FULL.md Ambient Stack). A YAML
// file provides the base settings; environment variables (loaded via
// godotenv from an optional .env first) override individual fields. This
// mirrors the bitunix companion bot's cfg package: YAML for operators,
// env vars for container/CI overrides, validated once at startup.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the fully resolved, validated configuration the bridge runs
// with.
type Settings struct {
	ListenAddr  string
	Symbol      string
	Timeframe   string
	RiskPercent float64
	Intent      DesiredIntent

	LogsDir  string
	LogLevel string
	LogJSON  bool

	MetricsAddr string

	HeartbeatTimeout time.Duration
	DegradedTimeout  time.Duration
	CommandTimeout   time.Duration

	PollInterval time.Duration
	TickTTL      time.Duration
	RatesCount   int

	SARAccelStart float64
	SARAccelMax   float64

	CloseBackoffBase time.Duration
	CloseBackoffMax  time.Duration
	CloseMaxAttempts int

	DailyLossMaxPct     float64
	DailyLossMaxDollars float64
}

// configFile is the on-disk YAML shape; zero values fall back to defaults
// before env overrides are applied.
type configFile struct {
	Bridge struct {
		ListenAddr       string `yaml:"listenAddr"`
		HeartbeatTimeout string `yaml:"heartbeatTimeout"`
		DegradedTimeout  string `yaml:"degradedTimeout"`
		CommandTimeout   string `yaml:"commandTimeout"`
	} `yaml:"bridge"`

	Trading struct {
		Symbol      string  `yaml:"symbol"`
		Timeframe   string  `yaml:"timeframe"`
		RiskPercent float64 `yaml:"riskPercent"`
		Intent      string  `yaml:"intent"`
		PollInterval string `yaml:"pollInterval"`
		TickTTL      string `yaml:"tickTTL"`
		RatesCount   int    `yaml:"ratesCount"`
	} `yaml:"trading"`

	SAR struct {
		AccelStart float64 `yaml:"accelStart"`
		AccelMax   float64 `yaml:"accelMax"`
	} `yaml:"sar"`

	Executor struct {
		CloseBackoffBase string `yaml:"closeBackoffBase"`
		CloseBackoffMax  string `yaml:"closeBackoffMax"`
		CloseMaxAttempts int    `yaml:"closeMaxAttempts"`
	} `yaml:"executor"`

	CircuitBreaker struct {
		DailyLossMaxPct     float64 `yaml:"dailyLossMaxPct"`
		DailyLossMaxDollars float64 `yaml:"dailyLossMaxDollars"`
	} `yaml:"circuitBreaker"`

	System struct {
		LogsDir     string `yaml:"logsDir"`
		LogLevel    string `yaml:"logLevel"`
		LogJSON     bool   `yaml:"logJSON"`
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"system"`
}

// LoadConfig loads .env (if present), then a YAML file named by the
// CONFIG_FILE env var or "config.yaml" if it exists, then applies env var
// overrides, then validates.
func LoadConfig() (Settings, error) {
	_ = godotenv.Load()

	s := defaultSettings()

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if b, err := os.ReadFile(path); err == nil {
		var cf configFile
		if err := yaml.Unmarshal(b, &cf); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		applyYAML(&s, cf)
	} else if !os.IsNotExist(err) {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&s)

	if err := validateSettings(&s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func defaultSettings() Settings {
	return Settings{
		ListenAddr:       ":9090",
		Symbol:           "EURUSD",
		Timeframe:        "M15",
		RiskPercent:      1.0,
		Intent:           IntentBoth,
		LogsDir:          "./logs",
		LogLevel:         "info",
		LogJSON:          false,
		MetricsAddr:      ":2112",
		HeartbeatTimeout: 30 * time.Second,
		DegradedTimeout:  30 * time.Second,
		CommandTimeout:   5 * time.Second,
		PollInterval:     5 * time.Second,
		TickTTL:          10 * time.Second,
		RatesCount:       100,
		SARAccelStart:    0.02,
		SARAccelMax:      0.2,
		CloseBackoffBase: time.Second,
		CloseBackoffMax:  10 * time.Second,
		CloseMaxAttempts: 10,
		DailyLossMaxPct:  10.0,
	}
}

func applyYAML(s *Settings, cf configFile) {
	if cf.Bridge.ListenAddr != "" {
		s.ListenAddr = cf.Bridge.ListenAddr
	}
	if d, err := time.ParseDuration(cf.Bridge.HeartbeatTimeout); err == nil {
		s.HeartbeatTimeout = d
	}
	if d, err := time.ParseDuration(cf.Bridge.DegradedTimeout); err == nil {
		s.DegradedTimeout = d
	}
	if d, err := time.ParseDuration(cf.Bridge.CommandTimeout); err == nil {
		s.CommandTimeout = d
	}

	if cf.Trading.Symbol != "" {
		s.Symbol = cf.Trading.Symbol
	}
	if cf.Trading.Timeframe != "" {
		s.Timeframe = cf.Trading.Timeframe
	}
	if cf.Trading.RiskPercent > 0 {
		s.RiskPercent = cf.Trading.RiskPercent
	}
	if cf.Trading.Intent != "" {
		s.Intent = DesiredIntent(cf.Trading.Intent)
	}
	if d, err := time.ParseDuration(cf.Trading.PollInterval); err == nil {
		s.PollInterval = d
	}
	if d, err := time.ParseDuration(cf.Trading.TickTTL); err == nil {
		s.TickTTL = d
	}
	if cf.Trading.RatesCount > 0 {
		s.RatesCount = cf.Trading.RatesCount
	}

	if cf.SAR.AccelStart > 0 {
		s.SARAccelStart = cf.SAR.AccelStart
	}
	if cf.SAR.AccelMax > 0 {
		s.SARAccelMax = cf.SAR.AccelMax
	}

	if d, err := time.ParseDuration(cf.Executor.CloseBackoffBase); err == nil {
		s.CloseBackoffBase = d
	}
	if d, err := time.ParseDuration(cf.Executor.CloseBackoffMax); err == nil {
		s.CloseBackoffMax = d
	}
	if cf.Executor.CloseMaxAttempts > 0 {
		s.CloseMaxAttempts = cf.Executor.CloseMaxAttempts
	}

	if cf.CircuitBreaker.DailyLossMaxPct > 0 {
		s.DailyLossMaxPct = cf.CircuitBreaker.DailyLossMaxPct
	}
	if cf.CircuitBreaker.DailyLossMaxDollars > 0 {
		s.DailyLossMaxDollars = cf.CircuitBreaker.DailyLossMaxDollars
	}

	if cf.System.LogsDir != "" {
		s.LogsDir = cf.System.LogsDir
	}
	if cf.System.LogLevel != "" {
		s.LogLevel = cf.System.LogLevel
	}
	s.LogJSON = cf.System.LogJSON
	if cf.System.MetricsAddr != "" {
		s.MetricsAddr = cf.System.MetricsAddr
	}
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("BRIDGE_LISTEN_ADDR"); v != "" {
		s.ListenAddr = v
	}
	if v := os.Getenv("TRADING_SYMBOL"); v != "" {
		s.Symbol = v
	}
	if v := os.Getenv("TRADING_TIMEFRAME"); v != "" {
		s.Timeframe = v
	}
	if v := os.Getenv("TRADING_RISK_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.RiskPercent = f
		}
	}
	if v := os.Getenv("TRADING_INTENT"); v != "" {
		s.Intent = DesiredIntent(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		s.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("LOGS_DIR"); v != "" {
		s.LogsDir = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		s.MetricsAddr = v
	}
	if v := os.Getenv("DAILY_LOSS_MAX_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.DailyLossMaxPct = f
		}
	}
}

func validateSettings(s *Settings) error {
	if s.ListenAddr == "" {
		return fmt.Errorf("config: bridge.listenAddr must not be empty")
	}
	if s.Symbol == "" {
		return fmt.Errorf("config: trading.symbol must not be empty")
	}
	if s.RiskPercent <= 0 || s.RiskPercent > 100 {
		return fmt.Errorf("config: trading.riskPercent must be in (0, 100], got %v", s.RiskPercent)
	}
	switch s.Intent {
	case IntentBuy, IntentSell, IntentBoth:
	default:
		return fmt.Errorf("config: trading.intent must be BUY, SELL, or BOTH, got %q", s.Intent)
	}
	if s.RatesCount < 2 {
		return fmt.Errorf("config: trading.ratesCount must be >= 2, got %d", s.RatesCount)
	}
	if s.SARAccelStart <= 0 || s.SARAccelMax < s.SARAccelStart {
		return fmt.Errorf("config: sar.accelStart must be > 0 and <= sar.accelMax")
	}
	if s.CloseMaxAttempts < 1 {
		return fmt.Errorf("config: executor.closeMaxAttempts must be >= 1")
	}
	if s.LogsDir == "" {
		return fmt.Errorf("config: system.logsDir must not be empty")
	}
	return nil
}
