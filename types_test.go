package erpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/mock/gomock"

	"erpc/codec"
	"erpc/config"
	"erpc/directory"
	"erpc/internal/errs"
	"erpc/message"
	"erpc/registry"
	"erpc/registry/mocks"
)

type UserService struct {
	GetById func(ctx context.Context, req *GetByIdReq) (*GetByIdResp, error)
}

func (s *UserService) Name() string {
	return "user-service"
}

type GetByIdReq struct {
	Id int
}

type GetByIdResp struct {
	Msg string
}

type UserServiceServer struct {
	Msg   string
	Err   error
	Sleep time.Duration
}

func (u *UserServiceServer) Name() string {
	return "user-service"
}

func (u *UserServiceServer) GetById(ctx context.Context, req *GetByIdReq) (*GetByIdResp, error) {
	if u.Sleep > 0 {
		select {
		case <-time.After(u.Sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if u.Err != nil {
		return nil, u.Err
	}
	return &GetByIdResp{Msg: u.Msg}, nil
}

// staticRegistry serves fixed providers per service and never pushes events.
func staticRegistry(ctrl *gomock.Controller, providers map[string][]string) registry.Registry {
	r := mocks.NewMockRegistry(ctrl)
	r.EXPECT().ListServices(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
			res := make([]registry.ServiceInstance, 0, len(providers[service]))
			for _, addr := range providers[service] {
				res = append(res, registry.ServiceInstance{Name: service, Address: addr})
			}
			return res, nil
		}).AnyTimes()
	r.EXPECT().Subscribe(gomock.Any()).
		Return((<-chan registry.Event)(make(chan registry.Event)), nil).AnyTimes()
	r.EXPECT().Close().Return(nil).AnyTimes()
	return r
}

// fakeChannel answers calls in process through handle and records the
// endpoints it was asked to reach.
type fakeChannel struct {
	mutex  sync.Mutex
	sent   []string
	closed bool
	// calls to down fail to connect
	down string
	handle func(ctx context.Context, callID uint64, payload []byte) ([]byte, error)
}

func (f *fakeChannel) Name() string {
	return "fake"
}

func (f *fakeChannel) Send(ctx context.Context, ep directory.Endpoint, callID uint64, payload []byte) ([]byte, error) {
	f.mutex.Lock()
	f.sent = append(f.sent, ep.Addr())
	f.mutex.Unlock()
	if ep.Addr() == f.down {
		return nil, errs.Connect(errors.New("connection refused"), ep.Addr())
	}
	return f.handle(ctx, callID, payload)
}

func (f *fakeChannel) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sentTo() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.sent...)
}

// replyWith decodes the request like a provider would and answers with fn.
func replyWith(c *codec.Binary, fn func(req *message.Request) (any, error)) func(context.Context, uint64, []byte) ([]byte, error) {
	return func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
		req, err := c.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		if req.CallID != callID {
			return nil, errors.Newf("frame call id %d, request call id %d", callID, req.CallID)
		}
		reply, appErr := fn(req)
		return c.EncodeResult(req.CallID, reply, appErr)
	}
}

func testConfig() config.ClientConfig {
	cfg := config.DefaultConfig()
	cfg.Timeout = 1000
	return cfg
}

func newTestClient(t *testing.T, cfg config.ClientConfig, r registry.Registry, ch *fakeChannel) *Client {
	c, err := NewClient(cfg, ClientWithRegistry(r), ClientWithChannel(ch))
	if err != nil {
		t.Fatalf("assemble client: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}
