package erpc

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"erpc/codec"
	"erpc/compress"
	"erpc/compress/gzip"
	"erpc/compress/lz4"
	"erpc/compress/snappy"
	"erpc/config"
	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/loadbalance/hash"
	"erpc/loadbalance/random"
	"erpc/loadbalance/roundrobin"
	"erpc/registry"
	"erpc/registry/etcd"
	redisreg "erpc/registry/redis"
	"erpc/serialize"
	"erpc/serialize/json"
	"erpc/serialize/msgpack"
	"erpc/serialize/proto"
	"erpc/transport"
	"erpc/transport/mux"
	"erpc/transport/percall"
)

func (c *Client) resolvePicker(cfg config.ClientConfig) (loadbalance.Picker, error) {
	chosen, err := c.chosen(pointLoadBalance)
	if err != nil || chosen != nil {
		p, _ := chosen.(loadbalance.Picker)
		return p, err
	}
	switch cfg.LoadBalance {
	case random.Random:
		return random.NewPicker(), nil
	case roundrobin.RoundRobin:
		return roundrobin.NewPicker(), nil
	case roundrobin.WeightRoundRobin:
		return roundrobin.NewWeightPicker(), nil
	case hash.ConsistentHash:
		return hash.NewConsistentPicker(), nil
	default:
		return nil, errs.NoStrategySelected(pointLoadBalance, cfg.LoadBalance)
	}
}

func (c *Client) resolveCodec(cfg config.ClientConfig) (codec.Codec, error) {
	chosen, err := c.chosen(pointCodec)
	if err != nil {
		return nil, err
	}
	if chosen != nil {
		if len(c.explicit[pointSerialization]) > 0 || len(c.explicit[pointCompressor]) > 0 {
			return nil, errs.AmbiguousStrategy(pointCodec)
		}
		return chosen.(codec.Codec), nil
	}

	s, err := c.resolveSerializer(cfg)
	if err != nil {
		return nil, err
	}
	cp, err := c.resolveCompressor(cfg)
	if err != nil {
		return nil, err
	}
	return codec.New(s, cp), nil
}

var serializers = []serialize.Serializer{msgpack.Serializer{}, json.Serializer{}, proto.Serializer{}}

func (c *Client) resolveSerializer(cfg config.ClientConfig) (serialize.Serializer, error) {
	chosen, err := c.chosen(pointSerialization)
	if err != nil || chosen != nil {
		s, _ := chosen.(serialize.Serializer)
		return s, err
	}
	for _, s := range serializers {
		if s.Name() == cfg.Serialization {
			return s, nil
		}
	}
	return nil, errs.NoStrategySelected(pointSerialization, cfg.Serialization)
}

var compressors = []compress.Compressor{compress.DoNothingCompressor{}, gzip.Compressor{}, snappy.Compressor{}, lz4.Compressor{}}

func (c *Client) resolveCompressor(cfg config.ClientConfig) (compress.Compressor, error) {
	chosen, err := c.chosen(pointCompressor)
	if err != nil || chosen != nil {
		cp, _ := chosen.(compress.Compressor)
		return cp, err
	}
	for _, cp := range compressors {
		if cp.Name() == cfg.Compressor {
			return cp, nil
		}
	}
	return nil, errs.NoStrategySelected(pointCompressor, cfg.Compressor)
}

func (c *Client) resolveChannel(cfg config.ClientConfig) (transport.Channel, error) {
	chosen, err := c.chosen(pointTransport)
	if err != nil || chosen != nil {
		ch, _ := chosen.(transport.Channel)
		return ch, err
	}
	var ch transport.Channel
	switch cfg.Transport {
	case mux.Multiplexed:
		opts := []option.Option[mux.Transport]{
			mux.WithConnsPerEndpoint(cfg.Channel.ConnsPerEndpoint),
			mux.WithDialTimeout(cfg.Channel.DialTimeout),
			mux.WithHeartbeat(cfg.Channel.Heartbeat),
			mux.WithLogger(c.logger.Named("mux")),
		}
		if cfg.Channel.MaxBodyLength > 0 {
			opts = append(opts, mux.WithMaxBodyLength(cfg.Channel.MaxBodyLength))
		}
		ch = mux.NewTransport(opts...)
	case percall.PerCall:
		opts := []option.Option[percall.Transport]{
			percall.WithPoolConfig(cfg.Pool),
			percall.WithDialTimeout(cfg.Channel.DialTimeout),
			percall.WithLogger(c.logger.Named("percall")),
		}
		if cfg.Channel.MaxBodyLength > 0 {
			opts = append(opts, percall.WithMaxBodyLength(cfg.Channel.MaxBodyLength))
		}
		ch = percall.NewTransport(opts...)
	default:
		return nil, errs.NoStrategySelected(pointTransport, cfg.Transport)
	}
	c.built = append(c.built, ch)
	return ch, nil
}

func (c *Client) resolveDirectory(cfg config.ClientConfig) (*directory.Directory, error) {
	chosen, err := c.chosen(pointRegistry)
	if err != nil {
		return nil, err
	}
	switch v := chosen.(type) {
	case *directory.Directory:
		return v, nil
	case registry.Registry:
		return c.newDirectory(cfg, v), nil
	}

	var backend registry.Registry
	switch cfg.Registry {
	case config.RegistryCoordinationService:
		if cfg.RegistryAddr == "" {
			return nil, errs.UnresolvedDependency("registry address")
		}
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(cfg.RegistryAddr, ","),
			DialTimeout: cfg.Channel.DialTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(errs.UnresolvedDependency("registry"), "etcd %s: %v", cfg.RegistryAddr, err)
		}
		backend = &ownedBackend{
			Registry: etcd.NewRegistry(cli, etcd.WithLogger(c.logger.Named("etcd"))),
			conn:     cli,
		}
	case config.RegistryCloud:
		if cfg.RegistryAddr == "" {
			return nil, errs.UnresolvedDependency("registry address")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:        cfg.RegistryAddr,
			DialTimeout: cfg.Channel.DialTimeout,
		})
		backend = &ownedBackend{
			Registry: redisreg.NewRegistry(rdb, redisreg.WithLogger(c.logger.Named("redis"))),
			conn:     rdb,
		}
	default:
		return nil, errs.NoStrategySelected(pointRegistry, cfg.Registry)
	}
	d := c.newDirectory(cfg, backend)
	c.built = append(c.built, d)
	return d, nil
}

func (c *Client) newDirectory(cfg config.ClientConfig, backend registry.Registry) *directory.Directory {
	return directory.New(backend,
		directory.WithBackoff(cfg.Directory.Backoff),
		directory.WithStaleAfter(cfg.Directory.StaleAfter),
		directory.WithLogger(c.logger.Named("directory")))
}

// ownedBackend closes the connection it was built on together with the registry.
type ownedBackend struct {
	registry.Registry
	conn interface{ Close() error }
}

func (b *ownedBackend) Close() error {
	return errors.CombineErrors(b.Registry.Close(), b.conn.Close())
}
