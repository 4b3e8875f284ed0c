package config

// Package config provides a reusable loader for antswarm node
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"antswarm/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for an antswarm node. It
// mirrors the structure of the YAML files under config/.
type Config struct {
	Routing struct {
		ListenAddr      string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers  []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		DiscoveryTag    string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		HomeNetwork     bool     `mapstructure:"home_network" json:"home_network"`
		EnableUPnP      bool     `mapstructure:"enable_upnp" json:"enable_upnp"`
		EnableWebsocket bool     `mapstructure:"enable_websocket" json:"enable_websocket"`
		WebsocketAddr   string   `mapstructure:"websocket_addr" json:"websocket_addr"`
	} `mapstructure:"routing" json:"routing"`

	Store struct {
		DataDir           string `mapstructure:"data_dir" json:"data_dir"`
		MaxRecords        uint64 `mapstructure:"max_records" json:"max_records"`
		NetworkKeyVersion string `mapstructure:"network_key_version" json:"network_key_version"`
	} `mapstructure:"store" json:"store"`

	Upload struct {
		BatchSize           int `mapstructure:"batch_size" json:"batch_size"`
		PaymentBatchSize     int `mapstructure:"payment_batch_size" json:"payment_batch_size"`
		MaxRepaymentsPerItem int `mapstructure:"max_repayments_per_item" json:"max_repayments_per_item"`
	} `mapstructure:"upload" json:"upload"`

	Registry struct {
		RegistryFile string `mapstructure:"registry_file" json:"registry_file"`
		DataDirRoot  string `mapstructure:"data_dir_root" json:"data_dir_root"`
		LogDirRoot   string `mapstructure:"log_dir_root" json:"log_dir_root"`
	} `mapstructure:"registry" json:"registry"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Node struct {
		StatusAddr      string `mapstructure:"status_addr" json:"status_addr"`
		Version         string `mapstructure:"version" json:"version"`
		WalletMnemonicEnv string `mapstructure:"wallet_mnemonic_env" json:"wallet_mnemonic_env"`
		JournalDir      string `mapstructure:"journal_dir" json:"journal_dir"`
	} `mapstructure:"node" json:"node"`

	Chain struct {
		RPCURL            string `mapstructure:"rpc_url" json:"rpc_url"`
		ChainID           int64  `mapstructure:"chain_id" json:"chain_id"`
		SettlementAddress string `mapstructure:"settlement_address" json:"settlement_address"`
		SignerKeyEnv      string `mapstructure:"signer_key_env" json:"signer_key_env"`
	} `mapstructure:"chain" json:"chain"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("ANTSWARM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up ANTSWARM_<SECTION>_<KEY> overrides, e.g. ANTSWARM_ROUTING_HOME_NETWORK

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ANTSWARM_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ANTSWARM_ENV", ""))
}

// ToRoutingConfig adapts the loaded configuration into RoutingConfig, the
// core.Config-shaped subset the routing/store packages consume.
func (c Config) ToRoutingConfig() RoutingConfig {
	return RoutingConfig{
		ListenAddr:        c.Routing.ListenAddr,
		BootstrapPeers:    c.Routing.BootstrapPeers,
		DiscoveryTag:      c.Routing.DiscoveryTag,
		HomeNetwork:       c.Routing.HomeNetwork,
		EnableUPnP:        c.Routing.EnableUPnP,
		EnableWebsocket:   c.Routing.EnableWebsocket,
		WebsocketAddr:     c.Routing.WebsocketAddr,
		DataDir:           c.Store.DataDir,
		NetworkKeyVersion: c.Store.NetworkKeyVersion,
	}
}

// RoutingConfig mirrors core.Config's field set without importing core,
// keeping this package's dependency graph shallow. cmd/antnode builds its
// core.Config straight from Config's fields rather than through this type.
type RoutingConfig struct {
	ListenAddr        string
	BootstrapPeers    []string
	DiscoveryTag      string
	HomeNetwork       bool
	EnableUPnP        bool
	EnableWebsocket   bool
	WebsocketAddr     string
	DataDir           string
	NetworkKeyVersion string
}
