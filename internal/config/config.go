package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Data mode selects the source of market truth; trade mode selects the
// destination of orders. The two are independent and only certain pairings
// are legal (see exec.Router).
const (
	DataLive   = "live"
	DataReplay = "replay"

	TradePaper   = "paper"
	TradeSandbox = "sandbox"
	TradeLive    = "live"
)

type Risk struct {
	TargetPct       float64 `yaml:"risk_target_pct"`    // per-trade risk budget cap, % of equity
	DailyMaxLossPct float64 `yaml:"daily_max_loss_pct"` // daily realized-loss lockout, % of equity
	CorrCapPerSide  float64 `yaml:"corr_cap_per_side"`  // max gross exposure per side, fraction of equity
	MaxLeverage     float64 `yaml:"max_leverage"`       // implied leverage ceiling
	EquityUSD       float64 `yaml:"equity_usd"`         // fallback equity when no account feed
}

type Modes struct {
	Data     string `yaml:"data_mode"`  // live | replay
	Trade    string `yaml:"trade_mode"` // paper | sandbox | live
	ArmToken string `yaml:"arm_token"`  // required to hold trade_mode=live
}

type Bus struct {
	FreshnessVersions uint64 `yaml:"freshness_versions"` // max snapshot lag for ticket generation
	SubscriberBuffer  int    `yaml:"subscriber_buffer"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Feed struct {
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

type Venue struct {
	BaseURL       string `yaml:"base_url"`
	SandboxURL    string `yaml:"sandbox_url"`
	TimeoutMs     int    `yaml:"timeout_ms"`
	MaxRetries    int    `yaml:"max_retries"`
	BackoffBaseMs int    `yaml:"backoff_base_ms"`
	BackoffMaxMs  int    `yaml:"backoff_max_ms"`
	RatePerSec    int    `yaml:"rate_per_sec"`
}

type Exec struct {
	DrainTimeoutMs int    `yaml:"drain_timeout_ms"`
	OutboxPath     string `yaml:"outbox_path"`
	SlippageBps    int    `yaml:"slippage_bps"` // simulated fill slippage (paper/replay)
}

type Root struct {
	Risk  Risk  `yaml:"risk"`
	Modes Modes `yaml:"modes"`
	Bus   Bus   `yaml:"bus"`
	Store Store `yaml:"store"`
	Feed  Feed  `yaml:"feed"`
	Venue Venue `yaml:"venue"`
	Exec  Exec  `yaml:"exec"`
}

// Load reads a YAML config file and applies defaults. The returned struct is
// immutable by convention: mode changes go through the router's switch
// operation, never through ad-hoc re-reads.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns the built-in configuration used by tests and the replay
// runner when no file is given.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Risk.TargetPct == 0 {
		c.Risk.TargetPct = 0.5
	}
	if c.Risk.DailyMaxLossPct == 0 {
		c.Risk.DailyMaxLossPct = 3.0
	}
	if c.Risk.CorrCapPerSide == 0 {
		c.Risk.CorrCapPerSide = 0.65
	}
	if c.Risk.MaxLeverage == 0 {
		c.Risk.MaxLeverage = 2.5
	}
	if c.Risk.EquityUSD == 0 {
		c.Risk.EquityUSD = 10000
	}
	if c.Modes.Data == "" {
		c.Modes.Data = DataLive
	}
	if c.Modes.Trade == "" {
		// Recommended default: real market data, sandboxed orders.
		c.Modes.Trade = TradeSandbox
	}
	if c.Bus.FreshnessVersions == 0 {
		c.Bus.FreshnessVersions = 256
	}
	if c.Bus.SubscriberBuffer == 0 {
		c.Bus.SubscriberBuffer = 64
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/tickets.db"
	}
	if c.Venue.TimeoutMs == 0 {
		c.Venue.TimeoutMs = 5000
	}
	if c.Venue.MaxRetries == 0 {
		c.Venue.MaxRetries = 3
	}
	if c.Venue.BackoffBaseMs == 0 {
		c.Venue.BackoffBaseMs = 100
	}
	if c.Venue.BackoffMaxMs == 0 {
		c.Venue.BackoffMaxMs = 5000
	}
	if c.Venue.RatePerSec == 0 {
		c.Venue.RatePerSec = 8
	}
	if c.Exec.DrainTimeoutMs == 0 {
		c.Exec.DrainTimeoutMs = 10000
	}
	if c.Exec.OutboxPath == "" {
		c.Exec.OutboxPath = "data/outbox.jsonl"
	}
	if c.Exec.SlippageBps == 0 {
		c.Exec.SlippageBps = 2
	}
}

func (c Root) Validate() error {
	switch c.Modes.Data {
	case DataLive, DataReplay:
	default:
		return fmt.Errorf("config: unknown data_mode %q", c.Modes.Data)
	}
	switch c.Modes.Trade {
	case TradePaper, TradeSandbox, TradeLive:
	default:
		return fmt.Errorf("config: unknown trade_mode %q", c.Modes.Trade)
	}
	if c.Modes.Data == DataReplay && c.Modes.Trade == TradeLive {
		return fmt.Errorf("config: replay data may not drive live orders")
	}
	if c.Modes.Trade == TradeLive && c.Modes.ArmToken == "" {
		return fmt.Errorf("config: trade_mode live requires arm_token")
	}
	if c.Risk.DailyMaxLossPct < 0 || c.Risk.TargetPct < 0 || c.Risk.CorrCapPerSide < 0 {
		return fmt.Errorf("config: risk limits must be non-negative")
	}
	return nil
}
