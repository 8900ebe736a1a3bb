package erpc

import (
	"io"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"

	"erpc/codec"
	"erpc/compress"
	"erpc/config"
	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
	"erpc/middleware"
	"erpc/registry"
	"erpc/serialize"
	"erpc/transport"
)

// extension points, named after the config keys selecting them
const (
	pointRegistry      = "registry"
	pointLoadBalance   = "loadbalance"
	pointCodec         = "codec"
	pointSerialization = "serialization"
	pointCompressor    = "compressor"
	pointTransport     = "transport"
)

// Client is one assembled invocation pipeline. The directory, picker, codec and
// channel are shared by every stub created from it.
type Client struct {
	logger      *zap.Logger
	timeout     time.Duration
	dir         *directory.Directory
	picker      loadbalance.Picker
	codec       codec.Codec
	channel     transport.Channel
	middlewares []middleware.Middleware
	invoker     middleware.Invoker
	closed      atomic.Bool

	// instances given through options, consumed by NewClient
	explicit map[string][]any
	// resources built by NewClient, released when assembly fails
	built []io.Closer

	onState func(call *message.Call, state CallState)
}

// ClientWithRegistry replaces the registry backend selected by config.
func ClientWithRegistry(r registry.Registry) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointRegistry, r)
	}
}

// ClientWithDirectory shares an existing directory. It occupies the same
// extension point as ClientWithRegistry.
func ClientWithDirectory(d *directory.Directory) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointRegistry, d)
	}
}

func ClientWithPicker(p loadbalance.Picker) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointLoadBalance, p)
	}
}

// ClientWithCodec replaces the whole codec, it conflicts with
// ClientWithSerializer and ClientWithCompressor.
func ClientWithCodec(cd codec.Codec) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointCodec, cd)
	}
}

func ClientWithSerializer(s serialize.Serializer) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointSerialization, s)
	}
}

func ClientWithCompressor(cp compress.Compressor) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointCompressor, cp)
	}
}

func ClientWithChannel(ch transport.Channel) option.Option[Client] {
	return func(c *Client) {
		c.choose(pointTransport, ch)
	}
}

// ClientWithMiddlewares wraps the pipeline, the first middleware is the outermost.
func ClientWithMiddlewares(ms ...middleware.Middleware) option.Option[Client] {
	return func(c *Client) {
		c.middlewares = append(c.middlewares, ms...)
	}
}

func ClientWithLogger(l *zap.Logger) option.Option[Client] {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient resolves every extension point once: an instance given through an
// option wins over the config value. Two different instances for one point fail
// with errs.ErrAmbiguousStrategy, an empty or unknown config value with no
// instance fails with errs.ErrNoStrategySelected. On failure everything built so
// far is released and no client is returned. On success the client owns the
// given instances and closes them in Close.
func NewClient(cfg config.ClientConfig, opts ...option.Option[Client]) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		logger:   zap.L().Named("erpc.client"),
		timeout:  cfg.CallTimeout(),
		explicit: make(map[string][]any, 6),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.assemble(cfg); err != nil {
		if rerr := c.release(); rerr != nil {
			c.logger.Warn("release after failed assembly", zap.Error(rerr))
		}
		return nil, err
	}
	c.explicit = nil
	c.built = nil
	c.invoker = middleware.Chain(c.middlewares...)(c.invoke)
	c.logger.Info("client assembled",
		zap.String(pointLoadBalance, c.picker.Name()),
		zap.String(pointCodec, c.codec.Name()),
		zap.String(pointTransport, c.channel.Name()),
		zap.Duration("timeout", c.timeout))
	return c, nil
}

// assemble builds the directory last, it is the only point that may connect
// to a remote backend.
func (c *Client) assemble(cfg config.ClientConfig) error {
	var err error
	if c.picker, err = c.resolvePicker(cfg); err != nil {
		return err
	}
	if c.codec, err = c.resolveCodec(cfg); err != nil {
		return err
	}
	if c.channel, err = c.resolveChannel(cfg); err != nil {
		return err
	}
	c.dir, err = c.resolveDirectory(cfg)
	return err
}

func (c *Client) release() error {
	var err error
	for i := len(c.built) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, c.built[i].Close())
	}
	c.built = nil
	return err
}

func (c *Client) choose(point string, instance any) {
	if instance == nil {
		return
	}
	c.explicit[point] = append(c.explicit[point], instance)
}

// chosen returns the single instance given for point, nil when none was given.
func (c *Client) chosen(point string) (any, error) {
	candidates := c.explicit[point]
	if len(candidates) == 0 {
		return nil, nil
	}
	for _, other := range candidates[1:] {
		if !sameInstance(candidates[0], other) {
			return nil, errs.AmbiguousStrategy(point)
		}
	}
	return candidates[0], nil
}

func sameInstance(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() || !va.Comparable() {
		return false
	}
	return a == b
}

// Close stops every watch and releases all connections. Calls made afterwards
// fail with errs.ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.channel != nil {
		err = errors.CombineErrors(err, c.channel.Close())
	}
	if c.dir != nil {
		err = errors.CombineErrors(err, c.dir.Close())
	}
	return err
}
