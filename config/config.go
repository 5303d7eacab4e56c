// Package config defines the tower's configuration: the top level Config
// struct, per-component sections, their defaults and validation, and the
// config.toml template rendered by `towerd init`.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
var (
	DefaultTowerDir  = ".towerd"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
	defaultTowerKeyName   = "tower_key.hex"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultTowerKeyPath   = filepath.Join(defaultConfigDir, defaultTowerKeyName)
)

// Config defines the top level configuration for a tower node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Tower           *TowerConfig           `mapstructure:"tower"`
	Responder       *ResponderConfig       `mapstructure:"responder"`
	ChainMonitor    *ChainMonitorConfig    `mapstructure:"chainmon"`
	Bitcoind        *BitcoindConfig        `mapstructure:"bitcoind"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a tower node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Tower:           DefaultTowerConfig(),
		Responder:       DefaultResponderConfig(),
		ChainMonitor:    DefaultChainMonitorConfig(),
		Bitcoind:        DefaultBitcoindConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.ChainMonitor.PollingDelta = 100 * time.Millisecond
	cfg.ChainMonitor.BootstrapBlocks = 2
	cfg.Tower.SubscriptionSlots = 100
	cfg.Instrumentation.Prometheus = false
	return cfg
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Tower.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [tower] section: %w", err)
	}
	if err := cfg.Responder.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [responder] section: %w", err)
	}
	if err := cfg.ChainMonitor.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [chainmon] section: %w", err)
	}
	if err := cfg.Bitcoind.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [bitcoind] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a tower node.
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log_format"`
}

// DefaultBaseConfig returns a default base configuration for a tower node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		LogLevel:  "info",
		LogFormat: LogFormatPlain,
	}
}

// ConfigFilePath returns the full path to the config.toml file.
func (cfg BaseConfig) ConfigFilePath() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// TowerKeyFile returns the full path to the tower's secret key file.
func (cfg BaseConfig) TowerKeyFile() string {
	return rootify(defaultTowerKeyPath, cfg.RootDir)
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(defaultDataDir, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format (must be 'plain' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// TowerConfig

// TowerConfig defines the subscription policy handed to the gatekeeper and
// the watcher.
type TowerConfig struct {
	// Number of appointment slots granted per subscription period.
	SubscriptionSlots uint32 `mapstructure:"subscription_slots"`

	// Length of a subscription period, in blocks.
	SubscriptionDuration uint32 `mapstructure:"subscription_duration"`

	// Blocks past expiry before a subscription is purged.
	ExpiryDelta uint32 `mapstructure:"expiry_delta"`

	// Size of one appointment slot, in bytes of encrypted blob.
	SlotSize uint32 `mapstructure:"slot_size"`
}

// DefaultTowerConfig returns a default tower policy.
func DefaultTowerConfig() *TowerConfig {
	return &TowerConfig{
		SubscriptionSlots:    10000,
		SubscriptionDuration: 4320,
		ExpiryDelta:          6,
		SlotSize:             4096,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *TowerConfig) ValidateBasic() error {
	if cfg.SubscriptionSlots == 0 {
		return fmt.Errorf("subscription_slots must be positive")
	}
	if cfg.SubscriptionDuration == 0 {
		return fmt.Errorf("subscription_duration must be positive")
	}
	if cfg.SlotSize == 0 {
		return fmt.Errorf("slot_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ResponderConfig

// ResponderConfig defines the penalty-settlement policy.
type ResponderConfig struct {
	// Confirmations before a penalty is considered settled.
	ConfirmationThreshold uint32 `mapstructure:"confirmation_threshold"`

	// Confirmations past settlement before a tracker is dropped for good.
	IrrevocablyResolved uint32 `mapstructure:"irrevocably_resolved"`
}

// DefaultResponderConfig returns a default responder configuration.
func DefaultResponderConfig() *ResponderConfig {
	return &ResponderConfig{
		ConfirmationThreshold: 6,
		IrrevocablyResolved:   100,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ResponderConfig) ValidateBasic() error {
	if cfg.ConfirmationThreshold == 0 {
		return fmt.Errorf("confirmation_threshold must be positive")
	}
	if cfg.IrrevocablyResolved < cfg.ConfirmationThreshold {
		return fmt.Errorf("irrevocably_resolved cannot be below confirmation_threshold")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ChainMonitorConfig

// ChainMonitorConfig defines how the chain is polled.
type ChainMonitorConfig struct {
	// Wait between chain polls.
	PollingDelta time.Duration `mapstructure:"polling_delta"`

	// Timeout for a single chain-source call.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`

	// Recent blocks retained to serve reorg disconnections.
	CacheDepth uint32 `mapstructure:"cache_depth"`

	// Blocks replayed into the cache at startup.
	BootstrapBlocks uint32 `mapstructure:"bootstrap_blocks"`
}

// DefaultChainMonitorConfig returns a default chain monitor configuration.
func DefaultChainMonitorConfig() *ChainMonitorConfig {
	return &ChainMonitorConfig{
		PollingDelta:    60 * time.Second,
		PollTimeout:     30 * time.Second,
		CacheDepth:      144,
		BootstrapBlocks: 6,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ChainMonitorConfig) ValidateBasic() error {
	if cfg.PollingDelta <= 0 {
		return fmt.Errorf("polling_delta must be positive")
	}
	if cfg.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be positive")
	}
	if cfg.CacheDepth == 0 {
		return fmt.Errorf("cache_depth must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BitcoindConfig

// BitcoindConfig defines the connection to the backing bitcoind node.
type BitcoindConfig struct {
	// RPC endpoint, host:port.
	RPCAddr string `mapstructure:"rpc_addr"`

	// RPC credentials.
	RPCUser     string `mapstructure:"rpc_user"`
	RPCPassword string `mapstructure:"rpc_password"`

	// One of: mainnet, testnet, signet, regtest.
	Network string `mapstructure:"network"`
}

// DefaultBitcoindConfig returns a default bitcoind connection configuration.
func DefaultBitcoindConfig() *BitcoindConfig {
	return &BitcoindConfig{
		RPCAddr: "localhost:8332",
		Network: "mainnet",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *BitcoindConfig) ValidateBasic() error {
	if cfg.RPCAddr == "" {
		return fmt.Errorf("rpc_addr cannot be empty")
	}
	switch cfg.Network {
	case "mainnet", "testnet", "signet", "regtest":
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Maximum number of simultaneous connections.
	MaxOpenConnections int `mapstructure:"max_open_connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "towerd",
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return fmt.Errorf("max_open_connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
