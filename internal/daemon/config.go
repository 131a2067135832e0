package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stipend-network/stipend/internal/app/reconcile"
	"github.com/stipend-network/stipend/internal/app/settlement"
)

// ─── Configuration ──────────────────────────────────────────────────────────
// The daemon reads a single TOML file. Every field has a working
// default; an absent file is not an error, only a malformed one is.
// Durations are TOML strings in time.ParseDuration syntax ("30s",
// "15m", "168h").

// Config is the daemon's file-backed configuration.
type Config struct {
	API        APIConfig        `toml:"api"`
	Store      StoreConfig      `toml:"store"`
	Webhook    WebhookConfig    `toml:"webhook"`
	Providers  ProvidersConfig  `toml:"providers"`
	Settlement SettlementConfig `toml:"settlement"`
	Jobs       JobsConfig       `toml:"jobs"`
	Notify     NotifyConfig     `toml:"notify"`
}

// ProvidersConfig locates the external services.
type ProvidersConfig struct {
	Payment  EndpointConfig `toml:"payment"`
	Vending  EndpointConfig `toml:"vending"`
	Verifier EndpointConfig `toml:"verifier"`
}

// EndpointConfig is one external API's address and credential.
type EndpointConfig struct {
	BaseURL string `toml:"base_url"`
	Secret  string `toml:"secret"`
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// WebhookConfig holds the shared secret used to verify inbound
// provider events. An empty secret disables the webhook endpoint.
type WebhookConfig struct {
	Secret string `toml:"secret"`
}

// SettlementConfig mirrors the settlement policy knobs.
type SettlementConfig struct {
	RewardAttemptInterval string `toml:"reward_attempt_interval"`
	ReverifyWindow        string `toml:"reverify_window"`
	WithdrawalTTL         string `toml:"withdrawal_ttl"`
	VendingTTL            string `toml:"vending_ttl"`
	MinWithdrawal         int64  `toml:"min_withdrawal"`
	MaxWithdrawal         int64  `toml:"max_withdrawal"`
	DailyWithdrawalLimit  int64  `toml:"daily_withdrawal_limit"`
	ProviderTimeout       string `toml:"provider_timeout"`
	TransferConcurrency   int    `toml:"transfer_concurrency"`
}

// JobsConfig schedules the background reconciliation loops.
type JobsConfig struct {
	SweepInterval  string `toml:"sweep_interval"`
	ReverifyEvery  string `toml:"reverify_every"`
	PollInterval   string `toml:"poll_interval"`
	PollStuckAfter string `toml:"poll_stuck_after"`
	BatchLimit     int    `toml:"batch_limit"`
}

// NotifyConfig sizes the in-process notification queue.
type NotifyConfig struct {
	Buffer int `toml:"buffer"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    8090,
			Metrics: true,
		},
		Store: StoreConfig{
			Path: filepath.Join(home, ".stipend", "stipend.db"),
		},
		Settlement: SettlementConfig{
			RewardAttemptInterval: "1m",
			ReverifyWindow:        "168h",
			WithdrawalTTL:         "48h",
			VendingTTL:            "15m",
			MinWithdrawal:         100,
			MaxWithdrawal:         500_000,
			DailyWithdrawalLimit:  1_000_000,
			ProviderTimeout:       "30s",
			TransferConcurrency:   4,
		},
		Jobs: JobsConfig{
			SweepInterval:  "1m",
			ReverifyEvery:  "12h",
			PollInterval:   "5m",
			PollStuckAfter: "10m",
			BatchLimit:     200,
		},
		Notify: NotifyConfig{
			Buffer: 256,
		},
	}
}

// DefaultConfigPath returns where the daemon looks for its file.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stipend", "config.toml")
}

// Load reads the TOML file at path over the defaults. A missing file
// yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("daemon: parse %s: %w", path, err)
	}
	return cfg, nil
}

// SettlementConfig converts the string-typed policy into the
// settlement package's native form, falling back per field.
func (c Config) SettlementConfig() settlement.Config {
	def := settlement.DefaultConfig()
	out := settlement.Config{
		RewardAttemptInterval: parseDuration(c.Settlement.RewardAttemptInterval, def.RewardAttemptInterval),
		ReverifyWindow:        parseDuration(c.Settlement.ReverifyWindow, def.ReverifyWindow),
		WithdrawalTTL:         parseDuration(c.Settlement.WithdrawalTTL, def.WithdrawalTTL),
		VendingTTL:            parseDuration(c.Settlement.VendingTTL, def.VendingTTL),
		MinWithdrawal:         c.Settlement.MinWithdrawal,
		MaxWithdrawal:         c.Settlement.MaxWithdrawal,
		DailyWithdrawalLimit:  c.Settlement.DailyWithdrawalLimit,
		ProviderTimeout:       parseDuration(c.Settlement.ProviderTimeout, def.ProviderTimeout),
		TransferConcurrency:   c.Settlement.TransferConcurrency,
	}
	if out.MinWithdrawal <= 0 {
		out.MinWithdrawal = def.MinWithdrawal
	}
	if out.MaxWithdrawal <= 0 {
		out.MaxWithdrawal = def.MaxWithdrawal
	}
	if out.DailyWithdrawalLimit <= 0 {
		out.DailyWithdrawalLimit = def.DailyWithdrawalLimit
	}
	if out.TransferConcurrency <= 0 {
		out.TransferConcurrency = def.TransferConcurrency
	}
	return out
}

// JobsConfig converts the string-typed schedule into the reconcile
// package's native form.
func (c Config) JobsConfig() reconcile.Config {
	def := reconcile.DefaultConfig()
	out := reconcile.Config{
		SweepInterval:  parseDuration(c.Jobs.SweepInterval, def.SweepInterval),
		ReverifyEvery:  parseDuration(c.Jobs.ReverifyEvery, def.ReverifyEvery),
		PollInterval:   parseDuration(c.Jobs.PollInterval, def.PollInterval),
		PollStuckAfter: parseDuration(c.Jobs.PollStuckAfter, def.PollStuckAfter),
		BatchLimit:     c.Jobs.BatchLimit,
	}
	if out.BatchLimit <= 0 {
		out.BatchLimit = def.BatchLimit
	}
	return out
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// parseDuration parses s, falling back when s is empty or malformed.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
