package testserver

import (
	"context"
	"net"
	"sync"

	"erpc/transport"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	// ErrDrop makes the server close the connection instead of replying.
	ErrDrop = errors.New("testserver: drop connection")
	// ErrNoReply makes the server swallow the request.
	ErrNoReply = errors.New("testserver: no reply")
)

// Handler answers one request frame. Requests of one connection are handled
// concurrently, so replies may leave in any order.
type Handler func(ctx context.Context, f transport.Frame) ([]byte, error)

// FrameServer is a provider side endpoint speaking the transport frame protocol.
type FrameServer struct {
	listener net.Listener
	handler  Handler
	logger   *zap.Logger

	mutex sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewFrameServer listens on a random local port.
func NewFrameServer(handler Handler) (*FrameServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &FrameServer{
		listener: listener,
		handler:  handler,
		logger:   zap.L().Named("erpc.testserver"),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *FrameServer) Addr() string {
	return s.listener.Addr().String()
}

// Port of the listener, handy for building endpoints.
func (s *FrameServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *FrameServer) serve() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.mutex.Lock()
		s.conns[c] = struct{}{}
		s.mutex.Unlock()
		s.wg.Add(1)
		go s.handleConn(c)
	}
}

func (s *FrameServer) handleConn(c net.Conn) {
	defer s.wg.Done()
	defer s.forget(c)
	var writeMutex sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for {
		f, err := transport.ReadFrame(c, transport.DefaultMaxBodyLength)
		if err != nil {
			return
		}
		switch f.Kind {
		case transport.KindPing:
			writeMutex.Lock()
			_ = transport.WriteFrame(c, transport.Frame{Kind: transport.KindPong})
			writeMutex.Unlock()
			continue
		case transport.KindRequest:
		default:
			continue
		}
		go func(f transport.Frame) {
			body, err := s.handler(ctx, f)
			switch {
			case errors.Is(err, ErrDrop):
				_ = c.Close()
				return
			case errors.Is(err, ErrNoReply):
				return
			case err != nil:
				s.logger.Warn("handler failed", zap.Uint64("call_id", f.CallID), zap.Error(err))
				_ = c.Close()
				return
			}
			writeMutex.Lock()
			defer writeMutex.Unlock()
			_ = transport.WriteFrame(c, transport.Frame{Kind: transport.KindResponse, CallID: f.CallID, Body: body})
		}(f)
	}
}

func (s *FrameServer) forget(c net.Conn) {
	s.mutex.Lock()
	delete(s.conns, c)
	s.mutex.Unlock()
	_ = c.Close()
}

// DropConnections closes every open connection but keeps listening.
func (s *FrameServer) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *FrameServer) Close() error {
	err := s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}
