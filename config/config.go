package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agenttime/agenttime/internal/domain"
)

// Config is the full agent configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Risk    RiskConfig    `yaml:"risk"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig controls the run loop and cycle failure policy.
type AgentConfig struct {
	IntervalSeconds      int      `yaml:"interval_seconds"` // time between runs
	Markets              []string `yaml:"markets"`          // explicit market ids; empty → discover
	MaxMarkets           int      `yaml:"max_markets"`      // cap on discovered markets per run
	ExecTimeoutSeconds   int      `yaml:"exec_timeout_seconds"`
	ExecAttempts         int      `yaml:"exec_attempts"`   // venue submissions before the outcome is declared unknown
	PersistRetries       int      `yaml:"persist_retries"` // retries for audit writes
	CycleDeadlineSeconds int      `yaml:"cycle_deadline_seconds"`
}

// RiskConfig holds the hard limits the risk engine enforces.
type RiskConfig struct {
	MaxBetSize        float64 `yaml:"max_bet_size"`        // absolute per-trade cap, currency
	MaxBetFraction    float64 `yaml:"max_bet_fraction"`    // per-trade cap as fraction of cash
	MinBetSize        float64 `yaml:"min_bet_size"`        // below this a clamped bet rounds to zero
	MaxMarketExposure float64 `yaml:"max_market_exposure"` // per-market aggregate cap
	MaxTotalExposure  float64 `yaml:"max_total_exposure"`  // cross-market aggregate cap
	LiquidityFloor    float64 `yaml:"liquidity_floor"`     // markets below this are untradeable
	MarketDrawdown    float64 `yaml:"market_drawdown"`     // stop-loss per market, negative
	PortfolioDrawdown float64 `yaml:"portfolio_drawdown"`  // stop-loss portfolio-wide, negative
}

// APIConfig holds the venue API base URL.
type APIConfig struct {
	VenueBase string `yaml:"venue_base"`
	APIKey    string `yaml:"-"` // from MANIFOLD_API_KEY, never from YAML
}

// StorageConfig controls where audit data is persisted.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present, applies env
// overrides and defaults, and validates the result. A validation failure
// is fatal: no cycle may run against broken limits.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RunInterval returns the pause between runs as a time.Duration.
func (c *Config) RunInterval() time.Duration {
	return time.Duration(c.Agent.IntervalSeconds) * time.Second
}

// ExecTimeout is the per-attempt deadline for a venue write.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Agent.ExecTimeoutSeconds) * time.Second
}

// CycleDeadline is the hard wall-clock ceiling for one cycle.
func (c *Config) CycleDeadline() time.Duration {
	return time.Duration(c.Agent.CycleDeadlineSeconds) * time.Second
}

// Validate checks the limits for internal consistency. Every failure is
// a *domain.ConfigError so callers can treat it as fatal at startup.
func (c *Config) Validate() error {
	if c.Risk.MaxBetSize <= 0 {
		return &domain.ConfigError{Field: "risk.max_bet_size", Reason: "must be positive"}
	}
	if c.Risk.MaxBetFraction <= 0 || c.Risk.MaxBetFraction > 1 {
		return &domain.ConfigError{Field: "risk.max_bet_fraction", Reason: "must be in (0, 1]"}
	}
	if c.Risk.MinBetSize < 0 {
		return &domain.ConfigError{Field: "risk.min_bet_size", Reason: "must not be negative"}
	}
	if c.Risk.MaxMarketExposure <= 0 {
		return &domain.ConfigError{Field: "risk.max_market_exposure", Reason: "must be positive"}
	}
	if c.Risk.MaxTotalExposure < c.Risk.MaxMarketExposure {
		return &domain.ConfigError{Field: "risk.max_total_exposure", Reason: "must be at least max_market_exposure"}
	}
	if c.Risk.LiquidityFloor < 0 {
		return &domain.ConfigError{Field: "risk.liquidity_floor", Reason: "must not be negative"}
	}
	if c.Risk.MarketDrawdown > 0 {
		return &domain.ConfigError{Field: "risk.market_drawdown", Reason: "must be zero or negative"}
	}
	if c.Risk.PortfolioDrawdown > 0 {
		return &domain.ConfigError{Field: "risk.portfolio_drawdown", Reason: "must be zero or negative"}
	}
	if c.Agent.ExecAttempts < 1 {
		return &domain.ConfigError{Field: "agent.exec_attempts", Reason: "must be at least 1"}
	}
	if c.Agent.CycleDeadlineSeconds <= c.Agent.ExecTimeoutSeconds {
		return &domain.ConfigError{Field: "agent.cycle_deadline_seconds", Reason: "must exceed exec_timeout_seconds"}
	}
	return nil
}

// applyEnvOverrides pulls secrets and log settings from the environment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MANIFOLD_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills unset values with working defaults.
func setDefaults(cfg *Config) {
	if cfg.Agent.IntervalSeconds <= 0 {
		cfg.Agent.IntervalSeconds = 3600
	}
	if cfg.Agent.MaxMarkets <= 0 {
		cfg.Agent.MaxMarkets = 10
	}
	if cfg.Agent.ExecTimeoutSeconds <= 0 {
		cfg.Agent.ExecTimeoutSeconds = 10
	}
	if cfg.Agent.ExecAttempts <= 0 {
		cfg.Agent.ExecAttempts = 2
	}
	if cfg.Agent.PersistRetries <= 0 {
		cfg.Agent.PersistRetries = 5
	}
	if cfg.Agent.CycleDeadlineSeconds <= 0 {
		cfg.Agent.CycleDeadlineSeconds = 120
	}
	if cfg.Risk.MaxBetSize <= 0 {
		cfg.Risk.MaxBetSize = 100
	}
	if cfg.Risk.MaxBetFraction <= 0 {
		cfg.Risk.MaxBetFraction = 0.05
	}
	if cfg.Risk.MinBetSize <= 0 {
		cfg.Risk.MinBetSize = 1
	}
	if cfg.Risk.MaxMarketExposure <= 0 {
		cfg.Risk.MaxMarketExposure = 250
	}
	if cfg.Risk.MaxTotalExposure <= 0 {
		cfg.Risk.MaxTotalExposure = 1000
	}
	if cfg.Risk.LiquidityFloor <= 0 {
		cfg.Risk.LiquidityFloor = 100
	}
	if cfg.Risk.MarketDrawdown == 0 {
		cfg.Risk.MarketDrawdown = -50
	}
	if cfg.Risk.PortfolioDrawdown == 0 {
		cfg.Risk.PortfolioDrawdown = -200
	}
	if cfg.API.VenueBase == "" {
		cfg.API.VenueBase = "https://api.manifold.markets/v0"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "agenttime.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
