package percall

import (
	"context"
	"net"
	"sync"
	"time"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/transport"

	"github.com/cockroachdb/errors"
	"github.com/gotomicro/ekit/bean/option"
	"github.com/silenceper/pool"
	"go.uber.org/zap"
)

const PerCall = "perCall"

var _ transport.Channel = (*Transport)(nil)

// PoolConfig bounds the short lived connection pool kept per endpoint.
type PoolConfig struct {
	InitialCap  int           `mapstructure:"initialCap"`
	MaxIdle     int           `mapstructure:"maxIdle"`
	MaxCap      int           `mapstructure:"maxCap"`
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		InitialCap:  0,
		MaxIdle:     8,
		MaxCap:      32,
		IdleTimeout: time.Minute,
	}
}

// Transport runs one call per connection at a time: borrow, write, read,
// return. A connection that saw any error is closed instead of returned.
type Transport struct {
	poolConfig    PoolConfig
	dialTimeout   time.Duration
	maxBodyLength uint32
	logger        *zap.Logger

	mutex  sync.Mutex
	pools  map[string]pool.Pool
	closed bool
}

func WithPoolConfig(cfg PoolConfig) option.Option[Transport] {
	return func(t *Transport) {
		t.poolConfig = cfg
	}
}

func WithDialTimeout(timeout time.Duration) option.Option[Transport] {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

func WithMaxBodyLength(n uint32) option.Option[Transport] {
	return func(t *Transport) {
		t.maxBodyLength = n
	}
}

func WithLogger(l *zap.Logger) option.Option[Transport] {
	return func(t *Transport) {
		t.logger = l
	}
}

func NewTransport(opts ...option.Option[Transport]) *Transport {
	t := &Transport{
		poolConfig:    DefaultPoolConfig(),
		dialTimeout:   3 * time.Second,
		maxBodyLength: transport.DefaultMaxBodyLength,
		logger:        zap.L().Named("erpc.transport.percall"),
		pools:         make(map[string]pool.Pool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string {
	return PerCall
}

type result struct {
	body []byte
	err  error
}

// Send blocks until the response, the deadline or cancellation. The round trip
// runs in its own goroutine because borrowing from an exhausted pool does not
// observe ctx; the connection deadline makes that goroutine finish as well.
func (t *Transport) Send(ctx context.Context, ep directory.Endpoint, callID uint64, payload []byte) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, transport.ContextErr(ctx)
	}
	p, err := t.pool(ep.Addr())
	if err != nil {
		return nil, err
	}
	ch := make(chan result, 1)
	go func() {
		body, err := t.roundTrip(ctx, p, ep.Addr(), callID, payload)
		ch <- result{body: body, err: err}
	}()
	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		return nil, transport.ContextErr(ctx)
	}
}

func (t *Transport) roundTrip(ctx context.Context, p pool.Pool, addr string,
	callID uint64, payload []byte) ([]byte, error) {
	val, err := p.Get()
	if err != nil {
		return nil, errs.Connect(err, addr)
	}
	c := val.(net.Conn)
	deadline, _ := ctx.Deadline()
	if err = c.SetDeadline(deadline); err != nil {
		_ = p.Close(val)
		return nil, errs.ConnectionLost(err, addr)
	}
	if err = transport.WriteFrame(c, transport.Frame{Kind: transport.KindRequest, CallID: callID, Body: payload}); err != nil {
		_ = p.Close(val)
		return nil, t.ioErr(ctx, err, addr)
	}
	for {
		f, err := transport.ReadFrame(c, t.maxBodyLength)
		if err != nil {
			_ = p.Close(val)
			return nil, t.ioErr(ctx, err, addr)
		}
		if f.Kind == transport.KindPing {
			continue
		}
		if f.Kind != transport.KindResponse || f.CallID != callID {
			_ = p.Close(val)
			return nil, errs.ConnectionLost(
				errors.Newf("unexpected frame kind %d call id %d", f.Kind, f.CallID), addr)
		}
		_ = c.SetDeadline(time.Time{})
		if err = p.Put(val); err != nil {
			t.logger.Debug("return connection failed", zap.String("address", addr), zap.Error(err))
		}
		return f.Body, nil
	}
}

func (t *Transport) ioErr(ctx context.Context, err error, addr string) error {
	var ne net.Error
	if ctx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		return errors.Wrap(errs.ErrTimeout, err.Error())
	}
	return errs.ConnectionLost(err, addr)
}

func (t *Transport) pool(addr string) (pool.Pool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil, errs.ErrTransportClosed
	}
	if p, ok := t.pools[addr]; ok {
		return p, nil
	}
	p, err := pool.NewChannelPool(&pool.Config{
		InitialCap: t.poolConfig.InitialCap,
		MaxIdle:    t.poolConfig.MaxIdle,
		MaxCap:     t.poolConfig.MaxCap,
		Factory: func() (interface{}, error) {
			return net.DialTimeout("tcp", addr, t.dialTimeout)
		},
		Close: func(v interface{}) error {
			return v.(net.Conn).Close()
		},
		IdleTimeout: t.poolConfig.IdleTimeout,
	})
	if err != nil {
		return nil, errs.Connect(err, addr)
	}
	t.pools[addr] = p
	return p, nil
}

func (t *Transport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, p := range t.pools {
		p.Release()
	}
	t.pools = nil
	return nil
}
