package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	bidding "crop-auction/internal/biddingService"
	"crop-auction/internal/bidrules"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the auction server.
// Precedence is defaults, then the YAML file, then AUCTION_* environment
// variables, then command line flags.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Ledger   LedgerConfig  `yaml:"ledger"`
	Bidding  BiddingConfig `yaml:"bidding"`
	Rules    RulesConfig   `yaml:"rules"`
	Events   EventsConfig  `yaml:"events"`
	LogLevel string        `yaml:"log_level"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// BidRateLimit is how many bids one bidder may submit per BidRateWindow.
	// Zero disables the limit.
	BidRateLimit  int           `yaml:"bid_rate_limit"`
	BidRateWindow time.Duration `yaml:"bid_rate_window"`
}

// LedgerConfig selects the storage backend.
type LedgerConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn"`
}

// BiddingConfig tunes commit retries and the expiry sweeper.
type BiddingConfig struct {
	CommitAttempts int           `yaml:"commit_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	// SweepInterval enables the expiry sweeper when positive.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RulesConfig holds the anti-sniping and fraud thresholds.
type RulesConfig struct {
	SnipeThreshold time.Duration `yaml:"snipe_threshold"`
	SnipeExtension time.Duration `yaml:"snipe_extension"`
	AbnormalRatio  float64       `yaml:"abnormal_ratio"`
	RapidWindow    time.Duration `yaml:"rapid_window"`
	RapidCount     int           `yaml:"rapid_count"`
}

// EventsConfig lists the downstream publishers. Empty addresses disable them.
type EventsConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Redis          RedisConfig   `yaml:"redis"`
	NATS           NATSConfig    `yaml:"nats"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// Default returns the built-in configuration
func Default() Config {
	policy := bidrules.DefaultPolicy()
	retry := bidding.DefaultRetryConfig()
	ratio, _ := policy.AbnormalRatio.Float64()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			BidRateLimit:    30,
			BidRateWindow:   time.Minute,
		},
		Ledger: LedgerConfig{
			Driver: "memory",
		},
		Bidding: BiddingConfig{
			CommitAttempts: retry.Attempts,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			LockTimeout:    retry.LockTimeout,
		},
		Rules: RulesConfig{
			SnipeThreshold: policy.SnipeThreshold,
			SnipeExtension: policy.SnipeExtension,
			AbnormalRatio:  ratio,
			RapidWindow:    policy.RapidWindow,
			RapidCount:     policy.RapidCount,
		},
		Events: EventsConfig{
			QueueSize:      1024,
			PublishTimeout: 5 * time.Second,
			NATS:           NATSConfig{Stream: "AUCTION_EVENTS"},
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from AUCTION_* variables found through lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"AUCTION_ADDR":           &c.Server.Addr,
		"AUCTION_LEDGER_DRIVER":  &c.Ledger.Driver,
		"AUCTION_LEDGER_DSN":     &c.Ledger.DSN,
		"AUCTION_REDIS_ADDR":     &c.Events.Redis.Addr,
		"AUCTION_REDIS_PASSWORD": &c.Events.Redis.Password,
		"AUCTION_NATS_URL":       &c.Events.NATS.URL,
		"AUCTION_LOG_LEVEL":      &c.LogLevel,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("AUCTION_SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AUCTION_SWEEP_INTERVAL: %w", err)
		}
		c.Bidding.SweepInterval = d
	}
	if v, ok := lookup("AUCTION_BID_RATE_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUCTION_BID_RATE_LIMIT: %w", err)
		}
		c.Server.BidRateLimit = n
	}
	return nil
}

// Parse builds the configuration from command line args and the environment
func Parse(args []string, lookup func(string) (string, bool)) (Config, error) {
	flagSet := pflag.NewFlagSet("crop-auction", pflag.ContinueOnError)
	path := flagSet.String("config", "", "path to the YAML configuration file (env AUCTION_CONFIG)")
	addr := flagSet.String("addr", "", "HTTP listen address")
	driver := flagSet.String("ledger-driver", "", "ledger backend: memory, sqlite or postgres")
	dsn := flagSet.String("ledger-dsn", "", "ledger data source (sqlite path or postgres URL)")
	level := flagSet.String("log-level", "", "log level: debug, info, warn or error")
	sweep := flagSet.Duration("sweep-interval", 0, "expiry sweeper interval, 0 disables it")

	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}

	configPath := *path
	if configPath == "" {
		configPath, _ = lookup("AUCTION_CONFIG")
	}

	cfg, err := Load(configPath)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}

	if flagSet.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if flagSet.Changed("ledger-driver") {
		cfg.Ledger.Driver = *driver
	}
	if flagSet.Changed("ledger-dsn") {
		cfg.Ledger.DSN = *dsn
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *level
	}
	if flagSet.Changed("sweep-interval") {
		cfg.Bidding.SweepInterval = *sweep
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.BidRateLimit < 0 {
		errs = append(errs, errors.New("server.bid_rate_limit must not be negative"))
	}
	if c.Server.BidRateLimit > 0 && c.Server.BidRateWindow <= 0 {
		errs = append(errs, errors.New("server.bid_rate_window must be positive when a rate limit is set"))
	}

	switch c.Ledger.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required for driver %q", c.Ledger.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver: unknown driver %q (supported: memory, sqlite, postgres)", c.Ledger.Driver))
	}

	if c.Bidding.CommitAttempts < 1 {
		errs = append(errs, errors.New("bidding.commit_attempts must be at least 1"))
	}
	if c.Bidding.InitialBackoff <= 0 || c.Bidding.MaxBackoff < c.Bidding.InitialBackoff {
		errs = append(errs, errors.New("bidding backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Bidding.SweepInterval < 0 {
		errs = append(errs, errors.New("bidding.sweep_interval must not be negative"))
	}

	if c.Rules.SnipeThreshold <= 0 || c.Rules.SnipeExtension <= 0 {
		errs = append(errs, errors.New("rules.snipe_threshold and rules.snipe_extension must be positive"))
	}
	if c.Rules.AbnormalRatio <= 1 {
		errs = append(errs, errors.New("rules.abnormal_ratio must be greater than 1"))
	}
	if c.Rules.RapidWindow <= 0 || c.Rules.RapidCount < 1 {
		errs = append(errs, errors.New("rules.rapid_window must be positive and rules.rapid_count at least 1"))
	}

	if err := validLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Policy converts the rule thresholds
func (c Config) Policy() bidrules.Policy {
	return bidrules.Policy{
		SnipeThreshold: c.Rules.SnipeThreshold,
		SnipeExtension: c.Rules.SnipeExtension,
		AbnormalRatio:  decimal.NewFromFloat(c.Rules.AbnormalRatio),
		RapidWindow:    c.Rules.RapidWindow,
		RapidCount:     c.Rules.RapidCount,
	}
}

// Retry converts the commit retry settings
func (c Config) Retry() bidding.RetryConfig {
	return bidding.RetryConfig{
		Attempts:       c.Bidding.CommitAttempts,
		InitialBackoff: c.Bidding.InitialBackoff,
		MaxBackoff:     c.Bidding.MaxBackoff,
		LockTimeout:    c.Bidding.LockTimeout,
	}
}

func validLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("log_level: unknown level %q", level)
}
