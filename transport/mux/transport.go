package mux

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/transport"

	"github.com/gotomicro/ekit/bean/option"
	"go.uber.org/zap"
)

const Multiplexed = "multiplexed"

var _ transport.Channel = (*Transport)(nil)

// Transport multiplexes concurrent calls over a few long lived connections per
// endpoint. Each in-flight call owns a slot keyed by its call id, fulfilled at
// most once by the connection's receive loop and removed when the call returns,
// whatever the outcome. Dead connections are replaced on next use.
type Transport struct {
	connsPerEndpoint int
	dialTimeout      time.Duration
	heartbeat        time.Duration
	maxBodyLength    uint32
	logger           *zap.Logger
	dial             func(ctx context.Context, network, addr string) (net.Conn, error)

	mutex  sync.Mutex
	pools  map[string]*endpointPool
	closed bool
}

func WithConnsPerEndpoint(n int) option.Option[Transport] {
	return func(t *Transport) {
		if n > 0 {
			t.connsPerEndpoint = n
		}
	}
}

func WithDialTimeout(timeout time.Duration) option.Option[Transport] {
	return func(t *Transport) {
		t.dialTimeout = timeout
	}
}

// WithHeartbeat sets the ping interval, zero disables heartbeats. A connection
// that stays silent for three intervals is dropped.
func WithHeartbeat(interval time.Duration) option.Option[Transport] {
	return func(t *Transport) {
		t.heartbeat = interval
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
		connsPerEndpoint: 2,
		dialTimeout:      3 * time.Second,
		heartbeat:        30 * time.Second,
		maxBodyLength:    transport.DefaultMaxBodyLength,
		logger:           zap.L().Named("erpc.transport.mux"),
		pools:            make(map[string]*endpointPool),
	}
	var d net.Dialer
	t.dial = d.DialContext
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string {
	return Multiplexed
}

func (t *Transport) Send(ctx context.Context, ep directory.Endpoint, callID uint64, payload []byte) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, transport.ContextErr(ctx)
	}
	p, err := t.pool(ep.Addr())
	if err != nil {
		return nil, err
	}
	cn, err := p.get(ctx)
	if err != nil {
		return nil, err
	}

	slot := make(chan []byte, 1)
	cn.pending.Store(callID, slot)
	defer cn.pending.Delete(callID)

	if err = cn.write(ctx, transport.Frame{Kind: transport.KindRequest, CallID: callID, Body: payload}); err != nil {
		cn.fail(err)
		if ctx.Err() != nil {
			return nil, transport.ContextErr(ctx)
		}
		return nil, errs.ConnectionLost(err, cn.addr)
	}

	select {
	case body := <-slot:
		return body, nil
	case <-cn.closed:
		// the response may have landed right before the connection died
		select {
		case body := <-slot:
			return body, nil
		default:
		}
		return nil, errs.ConnectionLost(cn.err, cn.addr)
	case <-ctx.Done():
		return nil, transport.ContextErr(ctx)
	}
}

func (t *Transport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	pools := t.pools
	t.pools = nil
	t.mutex.Unlock()
	for _, p := range pools {
		p.close()
	}
	return nil
}

func (t *Transport) pool(addr string) (*endpointPool, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return nil, errs.ErrTransportClosed
	}
	p, ok := t.pools[addr]
	if !ok {
		p = &endpointPool{
			t:     t,
			addr:  addr,
			conns: make([]*conn, t.connsPerEndpoint),
		}
		t.pools[addr] = p
	}
	return p, nil
}

type endpointPool struct {
	t     *Transport
	addr  string
	next  atomic.Uint64
	mutex sync.Mutex
	conns []*conn
	done  bool
}

// get picks slots round robin and dials lazily.
func (p *endpointPool) get(ctx context.Context) (*conn, error) {
	idx := (p.next.Add(1) - 1) % uint64(len(p.conns))
	p.mutex.Lock()
	if p.done {
		p.mutex.Unlock()
		return nil, errs.ErrTransportClosed
	}
	if cn := p.conns[idx]; cn != nil && !cn.isClosed() {
		p.mutex.Unlock()
		return cn, nil
	}
	p.mutex.Unlock()

	// dial without the lock, a slow endpoint must not stall the live slots
	dialCtx, cancel := context.WithTimeout(ctx, p.t.dialTimeout)
	defer cancel()
	c, err := p.t.dial(dialCtx, "tcp", p.addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.ContextErr(ctx)
		}
		return nil, errs.Connect(err, p.addr)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.done {
		_ = c.Close()
		return nil, errs.ErrTransportClosed
	}
	if cn := p.conns[idx]; cn != nil && !cn.isClosed() {
		// lost the race for this slot
		_ = c.Close()
		return cn, nil
	}
	cn := newConn(p.addr, c, p.t)
	p.conns[idx] = cn
	p.t.logger.Debug("connected", zap.String("address", p.addr), zap.Uint64("slot", idx))
	return cn, nil
}

func (p *endpointPool) close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.done = true
	for _, cn := range p.conns {
		if cn != nil {
			cn.fail(errs.ErrTransportClosed)
		}
	}
}
