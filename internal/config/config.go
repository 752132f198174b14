// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via environment variables
// (KRAKEN_API_KEY, KRAKEN_API_SECRET, OPENAI_API_KEY).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Pair     string         `mapstructure:"pair"` // any spelling; normalised at startup
	API      APIConfig      `mapstructure:"api"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Features FeatureConfig  `mapstructure:"features"`
	Events   EventConfig    `mapstructure:"events"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Log      DecisionLog    `mapstructure:"decision_log"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// APIConfig holds Kraken endpoints and credentials. Credentials are only
// required for live trading; dry-run works without them (public data only
// until an order would be submitted).
type APIConfig struct {
	RESTBaseURL  string `mapstructure:"rest_base_url"`  // default https://api.kraken.com
	WSPublicURL  string `mapstructure:"ws_public_url"`  // default wss://ws.kraken.com/v2
	WSPrivateURL string `mapstructure:"ws_private_url"` // default wss://ws-auth.kraken.com/v2
	Key          string `mapstructure:"key"`
	Secret       string `mapstructure:"secret"`
}

// LLMConfig configures the external decision model endpoint.
type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"` // default https://api.openai.com
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	ReasoningEffort string        `mapstructure:"reasoning_effort"` // minimal|low|medium|high
	Verbosity       string        `mapstructure:"verbosity"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// FeatureConfig tunes the feature builder.
//
//   - SlippageNotional: quote-unit size used for the book slippage estimate.
//   - BookDepth: L2 depth subscribed on the public socket.
type FeatureConfig struct {
	SlippageNotional float64 `mapstructure:"slippage_notional"` // default 500
	BookDepth        int     `mapstructure:"book_depth"`        // default 5
}

// EventConfig tunes the evaluation-trigger engine.
//
//   - Debounce: minimum spacing between reason emissions.
//   - DrawdownGuardPct: daily loss (positive percent) that raises the guardrail.
//   - TimeStopBars: 5m bars a stagnant position may stay open before TimeStop.
//   - ConfluenceDelta: absolute score change that counts as a trigger.
type EventConfig struct {
	Debounce         time.Duration `mapstructure:"debounce"`           // default 60s
	DrawdownGuardPct float64       `mapstructure:"drawdown_guard_pct"` // default 2
	TimeStopBars     int           `mapstructure:"time_stop_bars"`     // default 36
	ConfluenceDelta  int           `mapstructure:"confluence_delta"`   // default 2
}

// RiskConfig sets the execution engine's hard constraints.
type RiskConfig struct {
	MaxTradeRiskPct  float64       `mapstructure:"max_trade_risk_pct"` // default 0.75
	MaxTotalRiskPct  float64       `mapstructure:"max_total_risk_pct"` // default 1.5
	DefaultSizePct   float64       `mapstructure:"default_size_pct"`   // default 25
	MinNotional      float64       `mapstructure:"min_notional"`       // default 20 quote units
	PauseAfterLosses int           `mapstructure:"pause_after_losses"` // default 2
	PauseDuration    time.Duration `mapstructure:"pause_duration"`     // default 30m
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// DecisionLog configures the CSV audit sink.
type DecisionLog struct {
	Path string `mapstructure:"path"` // default data/decisions.csv
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only JSON status server.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	PrimaryInterval int           `mapstructure:"primary_interval"` // minutes, default 1
	EvalInterval    time.Duration `mapstructure:"eval_interval"`    // periodic evaluation, default 5m
	Heartbeat       time.Duration `mapstructure:"heartbeat"`        // status log cadence, default 30s
	BalanceTTL      time.Duration `mapstructure:"balance_ttl"`      // balance cache, default 30s
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KRAKENBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns a config with every default applied and no file read.
// Used by tests and by the CLI when no config file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	applyEnv(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pair", "XBT/USD")
	v.SetDefault("api.rest_base_url", "https://api.kraken.com")
	v.SetDefault("api.ws_public_url", "wss://ws.kraken.com/v2")
	v.SetDefault("api.ws_private_url", "wss://ws-auth.kraken.com/v2")
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-5")
	v.SetDefault("llm.reasoning_effort", "low")
	v.SetDefault("llm.verbosity", "low")
	v.SetDefault("llm.timeout", "45s")
	v.SetDefault("features.slippage_notional", 500.0)
	v.SetDefault("features.book_depth", 5)
	v.SetDefault("events.debounce", "60s")
	v.SetDefault("events.drawdown_guard_pct", 2.0)
	v.SetDefault("events.time_stop_bars", 36)
	v.SetDefault("events.confluence_delta", 2)
	v.SetDefault("risk.max_trade_risk_pct", 0.75)
	v.SetDefault("risk.max_total_risk_pct", 1.5)
	v.SetDefault("risk.default_size_pct", 25.0)
	v.SetDefault("risk.min_notional", 20.0)
	v.SetDefault("risk.pause_after_losses", 2)
	v.SetDefault("risk.pause_duration", "30m")
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("decision_log.path", "data/decisions.csv")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8086)
	v.SetDefault("engine.primary_interval", 1)
	v.SetDefault("engine.eval_interval", "5m")
	v.SetDefault("engine.heartbeat", "30s")
	v.SetDefault("engine.balance_ttl", "30s")
}

// applyEnv overrides sensitive fields from the process environment.
// Environment parsing lives here and in main only; the gateway and
// adapter receive explicit config structs.
func applyEnv(cfg *Config) {
	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if dr := os.Getenv("KRAKENBOT_DRY_RUN"); dr == "true" || dr == "1" {
		cfg.DryRun = true
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if !c.DryRun && (c.API.Key == "" || c.API.Secret == "") {
		return fmt.Errorf("api.key and api.secret are required for live trading (set KRAKEN_API_KEY / KRAKEN_API_SECRET)")
	}
	if c.Risk.MaxTradeRiskPct <= 0 || c.Risk.MaxTradeRiskPct > 100 {
		return fmt.Errorf("risk.max_trade_risk_pct must be in (0, 100]")
	}
	if c.Risk.DefaultSizePct <= 0 || c.Risk.DefaultSizePct > 100 {
		return fmt.Errorf("risk.default_size_pct must be in (0, 100]")
	}
	if c.Risk.MinNotional < 0 {
		return fmt.Errorf("risk.min_notional must be >= 0")
	}
	if c.Events.Debounce <= 0 {
		return fmt.Errorf("events.debounce must be > 0")
	}
	if c.Engine.EvalInterval <= 0 {
		return fmt.Errorf("engine.eval_interval must be > 0")
	}
	if c.Engine.PrimaryInterval <= 0 {
		return fmt.Errorf("engine.primary_interval must be > 0")
	}
	switch c.LLM.ReasoningEffort {
	case "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("llm.reasoning_effort must be one of: minimal, low, medium, high")
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be a valid TCP port")
	}
	return nil
}
