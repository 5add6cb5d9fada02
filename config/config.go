// Package config loads the process-wide configuration: an embedded TOML
// base merged with an optional external file and environment overrides
// via viper, decoded through mapstructure.TextUnmarshallerHookFunc() so
// interval and address fields parse straight from their string TOML
// representation.
package config

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/offramp-labs/settlement-core/log"
	"github.com/spf13/viper"
)

// MatchingConfig controls the matching engine's two timers.
type MatchingConfig struct {
	DiscoveryInterval Duration `mapstructure:"DiscoveryInterval"`
	LockTimeout       Duration `mapstructure:"LockTimeout"`
}

// BatchConfig controls the batch builder.
type BatchConfig struct {
	MaxOrdersPerBatch int      `mapstructure:"MaxOrdersPerBatch"`
	BatchInterval     Duration `mapstructure:"BatchInterval"`
}

// ChainConfig controls the chain adapter.
type ChainConfig struct {
	RPCURL              string         `mapstructure:"RPCURL"`
	BridgeAddress       common.Address `mapstructure:"BridgeAddress"`
	VerifierAddress     common.Address `mapstructure:"VerifierAddress"`
	OperatorKeyPath     string         `mapstructure:"OperatorKeyPath"`
	OperatorKeyPassword string         `mapstructure:"OperatorKeyPassword"`
	Confirmations       uint64         `mapstructure:"Confirmations"`
	SubmitPollInterval  Duration       `mapstructure:"SubmitPollInterval"`
	SubmitMaxBackoff    Duration       `mapstructure:"SubmitMaxBackoff"`
}

// ProverConfig selects and configures the proof binding.
type ProverConfig struct {
	Mode     string `mapstructure:"Mode"` // "mvp" or "external"
	Endpoint string `mapstructure:"Endpoint"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	URL string `mapstructure:"URL"`
}

// EventsConfig controls the best-effort NATS event fan-out.
type EventsConfig struct {
	NATSURL string `mapstructure:"NATSURL"`
}

// MetricsConfig controls the standalone Prometheus HTTP server.
type MetricsConfig struct {
	Addr string `mapstructure:"Addr"`
}

// ServerConfig controls the RPC surface's HTTP transport.
type ServerConfig struct {
	HTTPAddr         string `mapstructure:"HTTPAddr"`
	DefaultPageLimit int    `mapstructure:"DefaultPageLimit"`
	MaxPageLimit     int    `mapstructure:"MaxPageLimit"`
}

// Config is the full process configuration, grouped by owning component.
type Config struct {
	Log      log.Config
	Matching MatchingConfig
	Batch    BatchConfig
	Chain    ChainConfig
	Prover   ProverConfig
	Database DatabaseConfig
	Events   EventsConfig
	Metrics  MetricsConfig
	Server   ServerConfig
}

// Load reads DefaultValues, then overlays configFilePath (if non-empty)
// and environment variables prefixed OFFRAMP_, and unmarshals the result.
func Load(configFilePath string) (*Config, error) {
	var cfg Config
	viper.SetConfigType("toml")

	if err := viper.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return nil, err
	}
	if err := decode(&cfg); err != nil {
		return nil, err
	}

	if configFilePath != "" {
		dir, file := filepath.Split(configFilePath)
		ext := strings.TrimPrefix(filepath.Ext(file), ".")
		name := strings.TrimSuffix(file, "."+ext)
		viper.AddConfigPath(dir)
		viper.SetConfigName(name)
		viper.SetConfigType(ext)
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("OFFRAMP")

	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Infof("config: no external config file at %q, using defaults and environment", configFilePath)
	}

	if err := decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(cfg *Config) error {
	return viper.Unmarshal(cfg, viper.DecodeHook(mapstructure.TextUnmarshallerHookFunc()))
}
