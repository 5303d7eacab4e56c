package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. This function is called by cmd/towerd/commands/init.go.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by the path,
// in the default toml template.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/towerd/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.towerd" by default, but could be changed via $TOWERD_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Output level for logging, one of: debug, info, error
log_level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log_format = "{{ .BaseConfig.LogFormat }}"

#######################################################
###       Tower Policy Configuration Options        ###
#######################################################
[tower]

# Number of appointment slots granted per subscription period
subscription_slots = {{ .Tower.SubscriptionSlots }}

# Length of a subscription period, in blocks
subscription_duration = {{ .Tower.SubscriptionDuration }}

# Blocks past expiry before a subscription is purged
expiry_delta = {{ .Tower.ExpiryDelta }}

# Size of one appointment slot, in bytes of encrypted blob
slot_size = {{ .Tower.SlotSize }}

#######################################################
###         Responder Configuration Options         ###
#######################################################
[responder]

# Confirmations before a penalty is considered settled
confirmation_threshold = {{ .Responder.ConfirmationThreshold }}

# Confirmations past settlement before a tracker is dropped for good
irrevocably_resolved = {{ .Responder.IrrevocablyResolved }}

#######################################################
###       Chain Monitor Configuration Options       ###
#######################################################
[chainmon]

# Wait between chain polls
polling_delta = "{{ .ChainMonitor.PollingDelta }}"

# Timeout for a single chain-source call
poll_timeout = "{{ .ChainMonitor.PollTimeout }}"

# Recent blocks retained to serve reorg disconnections
cache_depth = {{ .ChainMonitor.CacheDepth }}

# Blocks replayed into the cache at startup
bootstrap_blocks = {{ .ChainMonitor.BootstrapBlocks }}

#######################################################
###          Bitcoind Configuration Options         ###
#######################################################
[bitcoind]

# RPC endpoint, host:port
rpc_addr = "{{ .Bitcoind.RPCAddr }}"

# RPC credentials
rpc_user = "{{ .Bitcoind.RPCUser }}"
rpc_password = "{{ .Bitcoind.RPCPassword }}"

# One of: mainnet, testnet, signet, regtest
network = "{{ .Bitcoind.Network }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus_listen_addr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
max_open_connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
