package mux

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"erpc/transport"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var errHeartbeatTimeout = errors.New("mux: heartbeat timeout")

type conn struct {
	addr          string
	c             net.Conn
	maxBodyLength uint32
	logger        *zap.Logger

	writeMutex sync.Mutex
	// call id -> chan []byte with capacity 1
	pending  sync.Map
	lastRecv atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	// set before closed is closed
	err error
}

func newConn(addr string, c net.Conn, t *Transport) *conn {
	cn := &conn{
		addr:          addr,
		c:             c,
		maxBodyLength: t.maxBodyLength,
		logger:        t.logger.With(zap.String("address", addr)),
		closed:        make(chan struct{}),
	}
	cn.lastRecv.Store(time.Now().UnixNano())
	go cn.recvLoop()
	if t.heartbeat > 0 {
		go cn.heartbeatLoop(t.heartbeat)
	}
	return cn
}

func (cn *conn) isClosed() bool {
	select {
	case <-cn.closed:
		return true
	default:
		return false
	}
}

// write bounds the write by the deadline of ctx. A timed out write may leave a
// partial frame behind, the caller then has to fail the connection.
func (cn *conn) write(ctx context.Context, f transport.Frame) error {
	cn.writeMutex.Lock()
	defer cn.writeMutex.Unlock()
	deadline, _ := ctx.Deadline()
	if err := cn.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return transport.WriteFrame(cn.c, f)
}

func (cn *conn) recvLoop() {
	for {
		f, err := transport.ReadFrame(cn.c, cn.maxBodyLength)
		if err != nil {
			cn.fail(err)
			return
		}
		cn.lastRecv.Store(time.Now().UnixNano())
		switch f.Kind {
		case transport.KindResponse:
			slot, ok := cn.pending.LoadAndDelete(f.CallID)
			if !ok {
				// the caller gave up already
				cn.logger.Debug("drop late response", zap.Uint64("call_id", f.CallID))
				continue
			}
			slot.(chan []byte) <- f.Body
		case transport.KindPing:
			_ = cn.write(context.Background(), transport.Frame{Kind: transport.KindPong})
		case transport.KindPong:
		default:
			cn.logger.Warn("unexpected frame kind", zap.Uint8("kind", f.Kind))
		}
	}
}

func (cn *conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cn.closed:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, cn.lastRecv.Load())) > 3*interval {
				cn.fail(errHeartbeatTimeout)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := cn.write(ctx, transport.Frame{Kind: transport.KindPing})
			cancel()
			if err != nil {
				cn.fail(err)
				return
			}
		}
	}
}

// fail closes the connection once. Every waiter observes closed and reports
// the connection as lost.
func (cn *conn) fail(err error) {
	cn.closeOnce.Do(func() {
		cn.err = err
		close(cn.closed)
		_ = cn.c.Close()
		cn.logger.Debug("connection closed", zap.Error(err))
	})
}
