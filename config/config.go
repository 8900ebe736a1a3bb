package config

import (
	"time"

	"github.com/cockroachdb/errors"

	"erpc/directory"
	"erpc/transport"
	"erpc/transport/percall"
)

// registry backends
const (
	RegistryCoordinationService = "coordinationService"
	RegistryCloud               = "cloudRegistry"
)

var ErrInvalidConfig = errors.New("config: invalid client config")

// ClientConfig selects one variant per extension point and tunes them.
// Strategy names are resolved by the client, not here, so an unknown
// name passes Validate.
type ClientConfig struct {
	LoadBalance   string `mapstructure:"loadbalance"`
	Serialization string `mapstructure:"serialization"`
	Compressor    string `mapstructure:"compressor"`
	Transport     string `mapstructure:"transport"`
	Registry      string `mapstructure:"registry"`
	RegistryAddr  string `mapstructure:"registryAddr"`
	// Timeout of a single call in milliseconds.
	Timeout int64 `mapstructure:"timeout"`

	Directory DirectoryConfig    `mapstructure:"directory"`
	Channel   ChannelConfig      `mapstructure:"channel"`
	Pool      percall.PoolConfig `mapstructure:"pool"`
}

type DirectoryConfig struct {
	// StaleAfter of 0 keeps serving the last known endpoints forever.
	StaleAfter time.Duration     `mapstructure:"staleAfter"`
	Backoff    directory.Backoff `mapstructure:"backoff"`
}

type ChannelConfig struct {
	ConnsPerEndpoint int           `mapstructure:"connsPerEndpoint"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	DialTimeout      time.Duration `mapstructure:"dialTimeout"`
	MaxBodyLength    uint32        `mapstructure:"maxBodyLength"`
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		LoadBalance:   "random",
		Serialization: "msgpack",
		Compressor:    "none",
		Transport:     "multiplexed",
		Registry:      RegistryCoordinationService,
		RegistryAddr:  "127.0.0.1:2379",
		Timeout:       5000,
		Directory: DirectoryConfig{
			Backoff: directory.DefaultBackoff(),
		},
		Channel: ChannelConfig{
			ConnsPerEndpoint: 2,
			Heartbeat:        30 * time.Second,
			DialTimeout:      3 * time.Second,
			MaxBodyLength:    transport.DefaultMaxBodyLength,
		},
		Pool: percall.DefaultPoolConfig(),
	}
}

func (c ClientConfig) CallTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c ClientConfig) Validate() error {
	switch {
	case c.Timeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "timeout must be positive, got %d", c.Timeout)
	case c.Directory.StaleAfter < 0:
		return errors.Wrapf(ErrInvalidConfig, "directory.staleAfter must not be negative, got %s", c.Directory.StaleAfter)
	case c.Directory.Backoff.Multiplier != 0 && c.Directory.Backoff.Multiplier < 1:
		return errors.Wrapf(ErrInvalidConfig, "directory.backoff.multiplier must be at least 1, got %v", c.Directory.Backoff.Multiplier)
	case c.Channel.ConnsPerEndpoint <= 0:
		return errors.Wrapf(ErrInvalidConfig, "channel.connsPerEndpoint must be positive, got %d", c.Channel.ConnsPerEndpoint)
	case c.Pool.InitialCap < 0 || c.Pool.InitialCap > c.Pool.MaxIdle || c.Pool.MaxIdle > c.Pool.MaxCap:
		return errors.Wrapf(ErrInvalidConfig, "pool needs 0 <= initialCap <= maxIdle <= maxCap, got %d/%d/%d",
			c.Pool.InitialCap, c.Pool.MaxIdle, c.Pool.MaxCap)
	}
	return nil
}
