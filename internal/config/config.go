package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Network names accepted by gateway.network
const (
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"
)

// Config represents the complete jobescrow configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	SmartChain SmartChainConfig `yaml:"smart_chain"`
	Wallet     WalletConfig     `yaml:"wallet"`
	Store      StoreConfig      `yaml:"store"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// GatewayConfig contains chain gateway (REST) settings
type GatewayConfig struct {
	Network        string   `yaml:"network"`        // testnet or mainnet
	URL            string   `yaml:"url"`            // Primary gateway base URL
	URLs           []string `yaml:"urls"`           // Additional gateway URLs for failover
	ChainID        string   `yaml:"chain_id"`       // Chain ID embedded in signed transactions
	AddressPrefix  string   `yaml:"address_prefix"` // bech32 human readable part (tbnb / bnb)
	RequestTimeout int      `yaml:"request_timeout_secs"`
	MaxRetries     int      `yaml:"max_retries"`
	RateLimit      float64  `yaml:"rate_limit_per_sec"`
	RateBurst      int      `yaml:"rate_burst"`
}

// ResolvedURLs merges the single URL with the URLs list, deduplicating.
// The single URL is placed first as the primary.
func (g *GatewayConfig) ResolvedURLs() []string {
	return mergeURLs(g.URL, g.URLs)
}

// Testnet reports whether the gateway points at the test network
func (g *GatewayConfig) Testnet() bool {
	return g.Network == NetworkTestnet
}

// RequestTimeoutDuration returns the per-request timeout
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// EscrowConfig contains escrow transaction settings
type EscrowConfig struct {
	Address     string `yaml:"address"`     // Escrow account receiving ESCROW / RELEASE transfers
	Token       string `yaml:"token"`       // Default payment asset symbol
	FeeAsset    string `yaml:"fee_asset"`   // Native asset fees are paid in
	DefaultFee  int64  `yaml:"default_fee"` // Atomic fee used when the fee schedule is unreachable
	FeeTimeout  int    `yaml:"fee_timeout_secs"`
	SignTimeout int    `yaml:"sign_timeout_secs"`
}

// FeeTimeoutDuration returns the fee lookup timeout
func (e *EscrowConfig) FeeTimeoutDuration() time.Duration {
	return time.Duration(e.FeeTimeout) * time.Second
}

// SignTimeoutDuration returns how long a signature request may wait on the user
func (e *EscrowConfig) SignTimeoutDuration() time.Duration {
	return time.Duration(e.SignTimeout) * time.Second
}

// SmartChainConfig contains settings for the EVM escrow contract used by
// jobs funded on the smart chain
type SmartChainConfig struct {
	Mock           bool   `yaml:"mock"`            // Use in-memory contract (default: true for dev)
	RPCURL         string `yaml:"rpc_url"`         // JSON-RPC endpoint
	ChainID        int64  `yaml:"chain_id"`        // EVM chain ID
	EscrowContract string `yaml:"escrow_contract"` // Escrow contract address
	KeyFile        string `yaml:"key_file"`        // Encrypted keystore used to send release calls
	PasswordFile   string `yaml:"password_file"`   // File containing the keystore password
	TokenDecimals  int    `yaml:"token_decimals"`  // Decimals of the escrowed BEP-20 token
}

// WalletConfig contains wallet connection settings
type WalletConfig struct {
	ConnectionFile string `yaml:"connection_file"` // Persisted connection record
	SealConnection bool   `yaml:"seal_connection"` // Encrypt the record at rest
	KeyringService string `yaml:"keyring_service"` // OS keyring service name for keystore passwords
	BridgeURL      string `yaml:"bridge_url"`      // WebSocket relay for mobile bridge sessions
	LedgerAccount  int    `yaml:"ledger_account"`  // Default HD account index
}

// StoreConfig selects the job store / user directory backend
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, sqlite, postgres or mysql
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MySQLDSN    string `yaml:"mysql_dsn"`
}

// NotifyConfig contains counterparty notification settings
type NotifyConfig struct {
	Log            bool   `yaml:"log"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookTimeout int    `yaml:"webhook_timeout_secs"`
}

// WebhookTimeoutDuration returns the per-delivery webhook timeout
func (n *NotifyConfig) WebhookTimeoutDuration() time.Duration {
	return time.Duration(n.WebhookTimeout) * time.Second
}

// MetricsConfig contains Prometheus exporter settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// mergeURLs combines a primary URL with a list, deduplicating and preserving order.
func mergeURLs(primary string, extras []string) []string {
	seen := make(map[string]bool)
	var result []string

	if primary != "" {
		result = append(result, primary)
		seen[primary] = true
	}
	for _, u := range extras {
		if u != "" && !seen[u] {
			result = append(result, u)
			seen[u] = true
		}
	}
	return result
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Gateway: GatewayConfig{
			Network:        NetworkTestnet,
			URL:            "https://testnet-dex.binance.org/",
			ChainID:        "Binance-Chain-Ganges",
			AddressPrefix:  "tbnb",
			RequestTimeout: 10,
			MaxRetries:     2,
			RateLimit:      5,
			RateBurst:      10,
		},
		Escrow: EscrowConfig{
			Token:       "TCAN-014",
			FeeAsset:    "BNB",
			DefaultFee:  37500,
			FeeTimeout:  10,
			SignTimeout: 300,
		},
		SmartChain: SmartChainConfig{
			Mock:          true,
			RPCURL:        "https://data-seed-prebsc-1-s1.binance.org:8545/",
			ChainID:       97,
			TokenDecimals: 18,
		},
		Wallet: WalletConfig{
			ConnectionFile: filepath.Join(dataDir, "connection.json"),
			KeyringService: "jobescrow",
			BridgeURL:      "wss://wallet-bridge.binance.org",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(dataDir, "jobs.db"),
		},
		Notify: NotifyConfig{
			Log:            true,
			WebhookTimeout: 5,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	if c.Gateway.Network != NetworkTestnet && c.Gateway.Network != NetworkMainnet {
		return fmt.Errorf("invalid network: %s", c.Gateway.Network)
	}
	if len(c.Gateway.ResolvedURLs()) == 0 {
		return fmt.Errorf("at least one gateway url is required")
	}
	if c.Gateway.ChainID == "" {
		return fmt.Errorf("gateway chain_id is required")
	}
	if c.Gateway.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout_secs must be at least 1")
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.Gateway.RateLimit < 0 {
		return fmt.Errorf("rate_limit_per_sec must not be negative")
	}

	if c.Escrow.Address != "" && !strings.HasPrefix(c.Escrow.Address, c.Gateway.AddressPrefix+"1") {
		return fmt.Errorf("escrow address %q does not match prefix %q", c.Escrow.Address, c.Gateway.AddressPrefix)
	}
	if c.Escrow.FeeAsset == "" {
		return fmt.Errorf("fee_asset is required")
	}
	if c.Escrow.DefaultFee <= 0 {
		return fmt.Errorf("default_fee must be positive")
	}
	if c.Escrow.FeeTimeout < 1 || c.Escrow.SignTimeout < 1 {
		return fmt.Errorf("escrow timeouts must be at least 1 second")
	}

	if c.SmartChain.TokenDecimals < 0 || c.SmartChain.TokenDecimals > 36 {
		return fmt.Errorf("smart_chain.token_decimals must be between 0 and 36")
	}
	if !c.SmartChain.Mock {
		if err := validateEthAddress("smart_chain.escrow_contract", c.SmartChain.EscrowContract); err != nil {
			return err
		}
		if c.SmartChain.RPCURL == "" {
			return fmt.Errorf("smart_chain.rpc_url is required when mock is false")
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("store.mysql_dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.Store.Driver)
	}

	if c.Wallet.LedgerAccount < 0 {
		return fmt.Errorf("wallet.ledger_account must not be negative")
	}

	return nil
}

func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.ConnectionFile = expandPath(c.Wallet.ConnectionFile)
	c.Store.SQLitePath = expandPath(c.Store.SQLitePath)
	c.SmartChain.KeyFile = expandPath(c.SmartChain.KeyFile)
	c.SmartChain.PasswordFile = expandPath(c.SmartChain.PasswordFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultDataDir returns the directory holding local state
func DefaultDataDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".jobescrow")
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// EnsureDirectories creates the directories local state is written to
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Wallet.ConnectionFile)}
	if c.Store.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
