package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string          `mapstructure:"port"`
	ExternalURL string          `mapstructure:"external_url"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Bus         BusConfig       `mapstructure:"bus"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

type GatewayConfig struct {
	URL        string `mapstructure:"url"`
	Token      string `mapstructure:"token"`
	Intents    int64  `mapstructure:"intents"`
	ShardCount int    `mapstructure:"shard_count"`
}

type CacheConfig struct {
	Mode string `mapstructure:"mode"` // "noop" or "memory"
}

type BusConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type TelemetryConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("port", "7878")
	v.SetDefault("gateway.url", "wss://gateway.discord.gg")
	v.SetDefault("gateway.intents", 0)
	v.SetDefault("gateway.shard_count", 1)
	v.SetDefault("cache.mode", "noop")
	v.SetDefault("bus.buffer", 64)
	v.SetDefault("telemetry.sample_interval", 500*time.Millisecond)

	// Environment variable support
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys to env vars
	_ = v.BindEnv("gateway.token", "RELAY_TOKEN")
	_ = v.BindEnv("external_url", "RELAY_EXTERNAL_URL")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway token is required (set RELAY_TOKEN env var)")
	}
	if c.ExternalURL == "" {
		return fmt.Errorf("external_url is required (set RELAY_EXTERNAL_URL env var)")
	}
	if c.Gateway.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1")
	}
	if c.Cache.Mode != "noop" && c.Cache.Mode != "memory" {
		return fmt.Errorf("invalid cache mode: %s (must be 'noop' or 'memory')", c.Cache.Mode)
	}
	if c.Bus.Buffer < 1 {
		return fmt.Errorf("bus buffer must be >= 1")
	}
	if c.Telemetry.SampleInterval < 500*time.Millisecond {
		return fmt.Errorf("telemetry sample_interval must be at least 500ms")
	}
	return nil
}
