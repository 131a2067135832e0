package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8090 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8090)
	}
	if !cfg.API.Metrics {
		t.Error("API.Metrics should be true by default")
	}
	if cfg.Webhook.Secret != "" {
		t.Error("Webhook.Secret should be empty by default (endpoint disabled)")
	}
	if cfg.Settlement.MinWithdrawal != 100 {
		t.Errorf("Settlement.MinWithdrawal = %d, want 100", cfg.Settlement.MinWithdrawal)
	}
	if cfg.Settlement.ReverifyWindow != "168h" {
		t.Errorf("Settlement.ReverifyWindow = %q, want %q", cfg.Settlement.ReverifyWindow, "168h")
	}
	if cfg.Jobs.SweepInterval != "1m" {
		t.Errorf("Jobs.SweepInterval = %q, want %q", cfg.Jobs.SweepInterval, "1m")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("missing file should yield defaults, got port %d", cfg.API.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[api]
host = "0.0.0.0"
port = 9000

[webhook]
secret = "s3cret"

[settlement]
min_withdrawal = 250
provider_timeout = "10s"

[jobs]
sweep_interval = "30s"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Host != "0.0.0.0" || cfg.API.Port != 9000 {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Webhook.Secret != "s3cret" {
		t.Errorf("Webhook.Secret = %q", cfg.Webhook.Secret)
	}
	if cfg.Settlement.MinWithdrawal != 250 {
		t.Errorf("MinWithdrawal = %d", cfg.Settlement.MinWithdrawal)
	}
	// Untouched sections keep their defaults.
	if cfg.Store.Path == "" {
		t.Error("Store.Path lost its default")
	}
	if cfg.Settlement.MaxWithdrawal != 500_000 {
		t.Errorf("MaxWithdrawal = %d, want default", cfg.Settlement.MaxWithdrawal)
	}

	sc := cfg.SettlementConfig()
	if sc.ProviderTimeout != 10*time.Second {
		t.Errorf("ProviderTimeout = %v, want 10s", sc.ProviderTimeout)
	}
	jc := cfg.JobsConfig()
	if jc.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", jc.SweepInterval)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[api\nport ="), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed TOML should fail to load")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"15m", 15 * time.Minute},
		{"168h", 168 * time.Hour},
		{"", time.Minute},       // fallback
		{"banana", time.Minute}, // fallback
		{"-5s", time.Minute},    // non-positive falls back
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, time.Minute)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Addr(); got != "127.0.0.1:8090" {
		t.Errorf("Addr() = %q", got)
	}
}
