package config

// Package config provides a reusable loader for node configuration files
// and environment variables. Values are carried through service
// constructors; nothing here is read again after startup.

import (
	"fmt"

	"github.com/spf13/viper"

	"pyrsia-network/pkg/utils"
)

// Config mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Registry struct {
		Host string `mapstructure:"host" json:"host"`
		Port int    `mapstructure:"port" json:"port"`
	} `mapstructure:"registry" json:"registry"`

	API struct {
		Port int `mapstructure:"port" json:"port"`
	} `mapstructure:"api" json:"api"`

	Blockchain struct {
		BlockTimeMS int      `mapstructure:"block_time_ms" json:"block_time_ms"`
		InitDelayMS int      `mapstructure:"init_delay_ms" json:"init_delay_ms"`
		Authorities []string `mapstructure:"authorities" json:"authorities"`
	} `mapstructure:"blockchain" json:"blockchain"`

	Storage struct {
		ArtifactPath string `mapstructure:"artifact_path" json:"artifact_path"`
		KeypairPath  string `mapstructure:"keypair_path" json:"keypair_path"`
	} `mapstructure:"storage" json:"storage"`

	Build struct {
		MappingServiceURL  string `mapstructure:"mapping_service_url" json:"mapping_service_url"`
		PipelineServiceURL string `mapstructure:"pipeline_service_url" json:"pipeline_service_url"`
	} `mapstructure:"build" json:"build"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads configuration files and merges any environment specific
// overrides. If env is empty, only the default configuration is loaded.
// Missing config files are not an error; every field has an environment or
// flag fallback at the CLI layer.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}
