package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix of environment overrides, ERPC_CHANNEL_HEARTBEAT overrides channel.heartbeat.
const EnvPrefix = "ERPC"

// Load reads path (yaml, json or toml by extension) on top of DefaultConfig,
// applies environment overrides and validates the result. An empty path
// loads defaults and environment only.
func Load(path string) (ClientConfig, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ClientConfig{}, errors.Wrapf(err, "config: read %s", path)
		}
	}
	return FromViper(v)
}

// NewViper returns a viper instance that knows every client key, so that
// environment variables are picked up even when no file sets them.
func NewViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("loadbalance", def.LoadBalance)
	v.SetDefault("serialization", def.Serialization)
	v.SetDefault("compressor", def.Compressor)
	v.SetDefault("transport", def.Transport)
	v.SetDefault("registry", def.Registry)
	v.SetDefault("registryAddr", def.RegistryAddr)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("directory.staleAfter", def.Directory.StaleAfter)
	v.SetDefault("directory.backoff.initialDelay", def.Directory.Backoff.InitialDelay)
	v.SetDefault("directory.backoff.maxDelay", def.Directory.Backoff.MaxDelay)
	v.SetDefault("directory.backoff.multiplier", def.Directory.Backoff.Multiplier)
	v.SetDefault("channel.connsPerEndpoint", def.Channel.ConnsPerEndpoint)
	v.SetDefault("channel.heartbeat", def.Channel.Heartbeat)
	v.SetDefault("channel.dialTimeout", def.Channel.DialTimeout)
	v.SetDefault("channel.maxBodyLength", def.Channel.MaxBodyLength)
	v.SetDefault("pool.initialCap", def.Pool.InitialCap)
	v.SetDefault("pool.maxIdle", def.Pool.MaxIdle)
	v.SetDefault("pool.maxCap", def.Pool.MaxCap)
	v.SetDefault("pool.idleTimeout", def.Pool.IdleTimeout)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper decodes a prepared viper instance, for callers that embed the
// client keys in a larger config file via v.Sub.
func FromViper(v *viper.Viper) (ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, errors.Wrap(err, "config: unmarshal client config")
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}
