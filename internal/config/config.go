package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/jupiter"
	"github.com/sawpanic/solrun/internal/risk"
	"github.com/sawpanic/solrun/internal/scan"
	"github.com/sawpanic/solrun/internal/wallet"
)

// Config is the immutable process configuration, supplied once at startup.
type Config struct {
	Agent      AgentConfig               `yaml:"agent"`
	Scanner    scan.Config               `yaml:"scanner"`
	Risk       risk.Config               `yaml:"risk"`
	Exec       exec.Config               `yaml:"exec"`
	CrossVenue scan.CrossVenueArbConfig  `yaml:"cross_venue"`
	Yield      scan.YieldRebalanceConfig `yaml:"yield"`
	Jupiter    jupiter.Config            `yaml:"jupiter"`
	Wallet     wallet.Config             `yaml:"wallet"`
	Feed       FeedConfig                `yaml:"feed"`
	Chain      ChainConfig               `yaml:"chain"`
	Postgres   PostgresConfig            `yaml:"postgres"`
	Redis      RedisConfig               `yaml:"redis"`
	Kafka      KafkaConfig               `yaml:"kafka"`
	HTTP       HTTPConfig                `yaml:"http"`
}

// AgentConfig holds top-level agent settings.
type AgentConfig struct {
	CapitalCeiling   float64 `yaml:"capital_ceiling"` // quote currency
	ScanIntervalSecs int     `yaml:"scan_interval_secs"`
	LogLevel         string  `yaml:"log_level"`
	DryRun           bool    `yaml:"dry_run"` // synthetic feed + stub collaborators
}

// ScanInterval returns the evaluation cycle period.
func (a AgentConfig) ScanInterval() time.Duration {
	return time.Duration(a.ScanIntervalSecs) * time.Second
}

type FeedConfig struct {
	URL string `yaml:"url"`
}

type ChainConfig struct {
	WSURL string `yaml:"ws_url"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"` // empty disables persistence
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the resolution cache
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // empty disables the event stream
	Topic   string   `yaml:"topic"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a runnable baseline configuration.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			CapitalCeiling:   10000,
			ScanIntervalSecs: 5,
			LogLevel:         "info",
		},
		Scanner: scan.Config{
			MinEdgeBps:       50,
			CooldownSecs:     120,
			KeyVersionBucket: 8,
		},
		Risk: risk.Config{MaxVersionLag: 16},
		Exec: exec.Config{
			MinEdgeBps:      50,
			SlippageBps:     100,
			QuoteRetries:    3,
			SubmitRetries:   3,
			SubmitBackoffMS: 500,
			DeadlineSecs:    120,
		},
		CrossVenue: scan.CrossVenueArbConfig{
			FeeBps:       30,
			SlippageBps:  50,
			MaxTradeSize: 50,
		},
		Yield: scan.YieldRebalanceConfig{
			MinAPRDiff:   0.02,
			HorizonHours: 24,
			SwapCostBps:  80,
			MaxTradeSize: 100,
		},
		Jupiter: jupiter.DefaultConfig(),
		Wallet: wallet.Config{
			BaseURL:     "https://api.agentwallet.example",
			ConfigPath:  "~/.agentwallet/config.json",
			TimeoutSecs: 10,
		},
		Kafka: KafkaConfig{Topic: "solrun.executions"},
		HTTP:  HTTPConfig{Addr: ":8089"},
	}
}

// Load reads a YAML config over the defaults. A missing path returns pure
// defaults; an unreadable or invalid file is fatal to the caller.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the agent must not start with.
func (c Config) Validate() error {
	if c.Agent.CapitalCeiling <= 0 {
		return fmt.Errorf("agent.capital_ceiling must be positive, got %f", c.Agent.CapitalCeiling)
	}
	if c.Agent.ScanIntervalSecs <= 0 {
		return fmt.Errorf("agent.scan_interval_secs must be positive, got %d", c.Agent.ScanIntervalSecs)
	}
	if c.Scanner.MinEdgeBps < 0 || c.Exec.MinEdgeBps < 0 {
		return fmt.Errorf("minimum edge thresholds must be non-negative")
	}
	if c.Exec.QuoteRetries < 0 || c.Exec.SubmitRetries < 0 {
		return fmt.Errorf("retry bounds must be non-negative")
	}
	if c.Exec.DeadlineSecs <= 0 {
		return fmt.Errorf("exec.deadline_secs must be positive, got %d", c.Exec.DeadlineSecs)
	}
	if c.Risk.MaxVersionLag == 0 {
		return fmt.Errorf("risk.max_version_lag must be at least 1")
	}
	return nil
}
