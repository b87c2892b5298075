// Package config loads the pipeline configuration: a YAML file for the
// tunable surface and the environment (optionally seeded from .env) for
// secrets. Missing file or keys fall back to production defaults; an
// unreadable file or malformed YAML is an error.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pairs selects the symbols subscribed upstream. Primary pairs are listed
// before secondary ones; no other weighting is applied.
type Pairs struct {
	Primary   []string `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
}

// Monitoring assigns symbols to tiers. The cascade and large-order threshold
// keys are parsed but not applied: the analyzers always use the built-in
// tier defaults (domain.DefaultTierThresholds).
type Monitoring struct {
	Tier1Symbols []string `yaml:"tier1_symbols"`
	Tier2Symbols []string `yaml:"tier2_symbols"`

	Tier1Cascade        float64 `yaml:"tier1_cascade"`
	Tier2Cascade        float64 `yaml:"tier2_cascade"`
	Tier3Cascade        float64 `yaml:"tier3_cascade"`
	LargeOrderThreshold float64 `yaml:"large_order_threshold"`
}

// Signals holds the validator and scorer knobs.
type Signals struct {
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxSignalsPerHour  int     `yaml:"max_signals_per_hour"`
	CooldownMinutes    int     `yaml:"cooldown_minutes"`
	DedupWindowMinutes int     `yaml:"dedup_window"`
}

// MarketContext holds the context poller and filter knobs.
type MarketContext struct {
	Enabled             bool   `yaml:"enabled"`
	PollIntervalSeconds int    `yaml:"poll_interval"`
	MaxSnapshots        int    `yaml:"max_snapshots"`
	FilterMode          string `yaml:"filter_mode"` // strict | normal | permissive
}

// Dashboard holds the local HTTP/websocket surface knobs. The API token
// can also arrive via DASHBOARD_API_TOKEN.
type Dashboard struct {
	Addr            string   `yaml:"addr"`
	APIToken        string   `yaml:"api_token"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
}

// Outcome holds the outcome-tracker knobs.
type Outcome struct {
	HorizonMinutes int     `yaml:"horizon_minutes"`
	WinFraction    float64 `yaml:"win_fraction"`
}

// Log holds the zerolog setup.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
	Output string `yaml:"output"` // stdout | stderr | file path
}

// Config is the full recognised surface.
type Config struct {
	Pairs         Pairs         `yaml:"pairs"`
	Monitoring    Monitoring    `yaml:"monitoring"`
	Signals       Signals       `yaml:"signals"`
	MarketContext MarketContext `yaml:"market_context"`
	Dashboard     Dashboard     `yaml:"dashboard"`
	Outcome       Outcome       `yaml:"outcome"`
	Log           Log           `yaml:"log"`
}

// Default returns the production defaults used when the file or a key is
// absent.
func Default() Config {
	return Config{
		Pairs: Pairs{
			Primary: []string{"BTCUSDT", "ETHUSDT"},
		},
		Monitoring: Monitoring{
			Tier1Symbols: []string{"BTCUSDT", "ETHUSDT"},
			Tier2Symbols: []string{"SOLUSDT", "BNBUSDT", "XRPUSDT"},
		},
		Signals: Signals{
			MinConfidence:      70,
			MaxSignalsPerHour:  50,
			CooldownMinutes:    5,
			DedupWindowMinutes: 5,
		},
		MarketContext: MarketContext{
			Enabled:             true,
			PollIntervalSeconds: 300,
			MaxSnapshots:        72,
			FilterMode:          "normal",
		},
		Dashboard: Dashboard{
			Addr:            ":8090",
			RateLimitPerMin: 30,
		},
		Outcome: Outcome{
			HorizonMinutes: 15,
			WinFraction:    0.5,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error; malformed YAML is.
// godotenv seeds the environment from .env first, so secrets can stay out of
// the YAML file; environment values override the file.
func Load(path string) (Config, error) {
	godotenv.Load()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DASHBOARD_API_TOKEN"); v != "" {
		cfg.Dashboard.APIToken = v
	}
	if v := os.Getenv("DASHBOARD_ADDR"); v != "" {
		cfg.Dashboard.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SIGNALS_MIN_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Signals.MinConfidence = f
		}
	}
	if v := os.Getenv("MARKET_CONTEXT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MarketContext.Enabled = b
		}
	}
}

// Symbols returns the full monitored set: primary then secondary pairs,
// de-duplicated, order preserved.
func (c Config) Symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range append(append([]string{}, c.Pairs.Primary...), c.Pairs.Secondary...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
