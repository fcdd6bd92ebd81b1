package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Gateway.Network != NetworkTestnet {
		t.Errorf("expected default network testnet, got %s", cfg.Gateway.Network)
	}
	if !cfg.Gateway.Testnet() {
		t.Error("expected Testnet() to be true by default")
	}
	if cfg.Escrow.DefaultFee != 37500 {
		t.Errorf("expected default fee 37500, got %d", cfg.Escrow.DefaultFee)
	}
	if cfg.Escrow.FeeAsset != "BNB" {
		t.Errorf("expected fee asset BNB, got %s", cfg.Escrow.FeeAsset)
	}
	if !cfg.SmartChain.Mock {
		t.Error("expected smart chain mock mode by default")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite store by default, got %s", cfg.Store.Driver)
	}
	if cfg.Gateway.RequestTimeoutDuration() != 10*time.Second {
		t.Errorf("unexpected request timeout %v", cfg.Gateway.RequestTimeoutDuration())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name:    "invalid network",
			modify:  func(c *Config) { c.Gateway.Network = "devnet" },
			wantErr: true,
		},
		{
			name: "no gateway urls",
			modify: func(c *Config) {
				c.Gateway.URL = ""
				c.Gateway.URLs = nil
			},
			wantErr: true,
		},
		{
			name: "failover url only is valid",
			modify: func(c *Config) {
				c.Gateway.URL = ""
				c.Gateway.URLs = []string{"https://gw.example"}
			},
			wantErr: false,
		},
		{
			name:    "zero request timeout",
			modify:  func(c *Config) { c.Gateway.RequestTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "escrow address with wrong prefix",
			modify:  func(c *Config) { c.Escrow.Address = "bnb1qqqqqq" },
			wantErr: true,
		},
		{
			name:    "escrow address with testnet prefix",
			modify:  func(c *Config) { c.Escrow.Address = "tbnb1qqqqqq" },
			wantErr: false,
		},
		{
			name:    "non positive default fee",
			modify:  func(c *Config) { c.Escrow.DefaultFee = 0 },
			wantErr: true,
		},
		{
			name:    "real smart chain without contract",
			modify:  func(c *Config) { c.SmartChain.Mock = false },
			wantErr: true,
		},
		{
			name: "real smart chain with zero contract",
			modify: func(c *Config) {
				c.SmartChain.Mock = false
				c.SmartChain.EscrowContract = "0x0000000000000000000000000000000000000000"
			},
			wantErr: true,
		},
		{
			name: "real smart chain with contract",
			modify: func(c *Config) {
				c.SmartChain.Mock = false
				c.SmartChain.EscrowContract = "0x1234567890abcdef1234567890abcdef12345678"
			},
			wantErr: false,
		},
		{
			name:    "token decimals out of range",
			modify:  func(c *Config) { c.SmartChain.TokenDecimals = 77 },
			wantErr: true,
		},
		{
			name:    "unknown store driver",
			modify:  func(c *Config) { c.Store.Driver = "mongodb" },
			wantErr: true,
		},
		{
			name:    "mysql without dsn",
			modify:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: true,
		},
		{
			name: "mysql with dsn",
			modify: func(c *Config) {
				c.Store.Driver = "mysql"
				c.Store.MySQLDSN = "escrow:secret@tcp(localhost:3306)/jobescrow"
			},
			wantErr: false,
		},
		{
			name: "postgres without dsn",
			modify: func(c *Config) {
				c.Store.Driver = "postgres"
			},
			wantErr: true,
		},
		{
			name:    "memory store is valid",
			modify:  func(c *Config) { c.Store.Driver = "memory" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolvedURLs(t *testing.T) {
	g := GatewayConfig{
		URL:  "https://a",
		URLs: []string{"https://b", "https://a", "", "https://c"},
	}
	got := g.ResolvedURLs()
	want := []string{"https://a", "https://b", "https://c"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ResolvedURLs() = %v, want %v", got, want)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Gateway.Network = NetworkMainnet
	cfg.Gateway.AddressPrefix = "bnb"
	cfg.Escrow.Address = "bnb1escrow"
	cfg.Store.Driver = "memory"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config file mode = %o, want 600", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Gateway.Network != NetworkMainnet {
		t.Errorf("network = %s, want mainnet", loaded.Gateway.Network)
	}
	if loaded.Escrow.Address != "bnb1escrow" {
		t.Errorf("escrow address = %s", loaded.Escrow.Address)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Escrow.DefaultFee != 37500 {
		t.Error("expected defaults for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("log: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("store:\n  driver: cassandra\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("expected invalid configuration error, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("expandPath(~/x/y) = %s", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expandPath(/abs/path) = %s", got)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Wallet.ConnectionFile = filepath.Join(dir, "wallet", "connection.json")
	cfg.Store.SQLitePath = filepath.Join(dir, "db", "jobs.db")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, sub := range []string{"wallet", "db"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("expected %s to exist: %v", sub, err)
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := DefaultConfig().Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	// A save may surface as several writes; wait for the final content.
	deadline := time.After(3 * time.Second)
	for seen := false; !seen; {
		select {
		case c := <-reloaded:
			seen = c.Log.Level == "debug"
		case <-deadline:
			t.Fatal("watcher did not report the change")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
