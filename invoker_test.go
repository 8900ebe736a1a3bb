package erpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"erpc/codec"
	"erpc/compress"
	"erpc/config"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
	"erpc/middleware"
	"erpc/serialize/msgpack"
	"erpc/transport"
)

func TestClient_Invoke(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	echo := replyWith(provider, func(req *message.Request) (any, error) {
		in := &GetByIdReq{}
		if err := (msgpack.Serializer{}).Decode(req.Data, in); err != nil {
			return nil, err
		}
		return &GetByIdResp{Msg: "user " + req.ServiceName}, nil
	})

	testCases := []struct {
		name      string
		service   string
		method    string
		args      any
		handle    func(ctx context.Context, callID uint64, payload []byte) ([]byte, error)
		wantResp  *GetByIdResp
		wantErr   error
		wantSent  int
		wantState []CallState
	}{
		{
			name:      "completed",
			service:   "user-service",
			args:      &GetByIdReq{Id: 12},
			handle:    echo,
			wantResp:  &GetByIdResp{Msg: "user user-service"},
			wantSent:  1,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallSent, CallCompleted},
		},
		{
			name:      "no endpoint",
			service:   "order-service",
			args:      &GetByIdReq{Id: 12},
			handle:    echo,
			wantErr:   errs.ErrNoEndpointAvailable,
			wantSent:  0,
			wantState: []CallState{CallCreated, CallFailed},
		},
		{
			name:    "transport timeout",
			service: "user-service",
			args:    &GetByIdReq{Id: 12},
			handle: func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
				<-ctx.Done()
				return nil, transport.ContextErr(ctx)
			},
			wantErr:   errs.ErrTimeout,
			wantSent:  1,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallSent, CallFailed},
		},
		{
			name:    "connect error",
			service: "user-service",
			args:    &GetByIdReq{Id: 12},
			handle: func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
				return nil, errs.Connect(errors.New("connection refused"), "127.0.0.1:8081")
			},
			wantErr:   errs.ErrConnect,
			wantSent:  1,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallSent, CallFailed},
		},
		{
			name:    "malformed response",
			service: "user-service",
			args:    &GetByIdReq{Id: 12},
			handle: func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
				return []byte{0, 0, 0, 1}, nil
			},
			wantErr:   errs.ErrDecode,
			wantSent:  1,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallSent, CallFailed},
		},
		{
			name:    "response for another call",
			service: "user-service",
			args:    &GetByIdReq{Id: 12},
			handle: func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
				return provider.EncodeResult(callID+1, &GetByIdResp{}, nil)
			},
			wantErr:   errs.ErrDecode,
			wantSent:  1,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallSent, CallFailed},
		},
		{
			name:      "line break in method name",
			service:   "user-service",
			method:    "Get\nById",
			args:      &GetByIdReq{},
			handle:    echo,
			wantErr:   errs.ErrEncode,
			wantSent:  0,
			wantState: []CallState{CallCreated, CallEndpointResolved, CallFailed},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8081"}})
			ch := &fakeChannel{handle: tc.handle}
			cfg := testConfig()
			cfg.Timeout = 100
			c := newTestClient(t, cfg, r, ch)
			_, err := c.dir.Subscribe(context.Background(), tc.service)
			require.NoError(t, err)

			var states []CallState
			c.onState = func(call *message.Call, state CallState) {
				states = append(states, state)
			}
			method := tc.method
			if method == "" {
				method = "GetById"
			}
			res, err := c.Invoke(context.Background(), c.NewCall(context.Background(), tc.service, method, tc.args))
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Len(t, ch.sentTo(), tc.wantSent)
			assert.Equal(t, tc.wantState, states)
			if err != nil {
				assert.Nil(t, res)
				return
			}
			resp := &GetByIdResp{}
			require.NoError(t, res.Unmarshal(resp))
			assert.Equal(t, tc.wantResp, resp)
		})
	}
}

func TestClient_Invoke_RemoteError(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	ctrl := gomock.NewController(t)
	r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8081"}})
	ch := &fakeChannel{handle: replyWith(provider, func(req *message.Request) (any, error) {
		return nil, errors.New("user not found")
	})}
	c := newTestClient(t, testConfig(), r, ch)
	_, err := c.dir.Subscribe(context.Background(), "user-service")
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{}))
	var remote *message.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "user not found", remote.Message)
	require.NotNil(t, res)
	assert.Same(t, remote, res.Err)
	for _, sentinel := range []error{errs.ErrTimeout, errs.ErrConnect, errs.ErrConnectionLost, errs.ErrDecode} {
		assert.NotErrorIs(t, err, sentinel)
	}
}

func TestClient_Invoke_RoundRobin(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	ctrl := gomock.NewController(t)
	r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8082", "127.0.0.1:8081"}})
	ch := &fakeChannel{handle: replyWith(provider, func(req *message.Request) (any, error) {
		return &GetByIdResp{Msg: "ok"}, nil
	})}
	cfg := testConfig()
	cfg.LoadBalance = "roundRobin"
	c := newTestClient(t, cfg, r, ch)
	_, err := c.dir.Subscribe(context.Background(), "user-service")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{Id: i}))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8081"}, ch.sentTo())
}

func TestClient_Invoke_Concurrent(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	ctrl := gomock.NewController(t)
	r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8081", "127.0.0.1:8082"}})
	ch := &fakeChannel{handle: replyWith(provider, func(req *message.Request) (any, error) {
		in := &GetByIdReq{}
		if err := (msgpack.Serializer{}).Decode(req.Data, in); err != nil {
			return nil, err
		}
		return &GetByIdResp{Msg: string(rune('a' + in.Id%26))}, nil
	})}
	cfg := testConfig()
	cfg.LoadBalance = "roundRobin"
	c := newTestClient(t, cfg, r, ch)
	_, err := c.dir.Subscribe(context.Background(), "user-service")
	require.NoError(t, err)

	const calls = 100
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			res, err := c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{Id: id}))
			if !assert.NoError(t, err) {
				return
			}
			resp := &GetByIdResp{}
			assert.NoError(t, res.Unmarshal(resp))
			assert.Equal(t, string(rune('a'+id%26)), resp.Msg)
		}(i)
	}
	wg.Wait()
	counts := map[string]int{}
	for _, addr := range ch.sentTo() {
		counts[addr]++
	}
	assert.Equal(t, map[string]int{"127.0.0.1:8081": calls / 2, "127.0.0.1:8082": calls / 2}, counts)
}

func TestClient_NewCall(t *testing.T) {
	c := &Client{timeout: time.Second}
	testCases := []struct {
		name         string
		ctx          func() (context.Context, context.CancelFunc)
		wantDeadline func(start time.Time, ctx context.Context) (time.Time, time.Duration)
		wantKey      string
	}{
		{
			name: "client timeout",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(context.Background())
			},
			wantDeadline: func(start time.Time, ctx context.Context) (time.Time, time.Duration) {
				return start.Add(time.Second), 50 * time.Millisecond
			},
		},
		{
			name: "earlier ctx deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 100*time.Millisecond)
			},
			wantDeadline: func(start time.Time, ctx context.Context) (time.Time, time.Duration) {
				d, _ := ctx.Deadline()
				return d, 0
			},
		},
		{
			name: "later ctx deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), time.Minute)
			},
			wantDeadline: func(start time.Time, ctx context.Context) (time.Time, time.Duration) {
				return start.Add(time.Second), 50 * time.Millisecond
			},
		},
		{
			name: "routing key",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithCancel(loadbalance.WithRoutingKey(context.Background(), "user-42"))
			},
			wantDeadline: func(start time.Time, ctx context.Context) (time.Time, time.Duration) {
				return start.Add(time.Second), 50 * time.Millisecond
			},
			wantKey: "user-42",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := tc.ctx()
			defer cancel()
			start := time.Now()
			call := c.NewCall(ctx, "user-service", "GetById", &GetByIdReq{})
			want, delta := tc.wantDeadline(start, ctx)
			assert.WithinDuration(t, want, call.Deadline, delta)
			assert.Equal(t, tc.wantKey, call.RoutingKey)
			assert.NotZero(t, call.CallID)
		})
	}
	a := c.NewCall(context.Background(), "s", "m", nil)
	b := c.NewCall(context.Background(), "s", "m", nil)
	assert.NotEqual(t, a.CallID, b.CallID)
}

func TestClient_Invoke_Middlewares(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	ctrl := gomock.NewController(t)
	r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8081"}})
	attempts := 0
	ch := &fakeChannel{handle: func(ctx context.Context, callID uint64, payload []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errs.Connect(errors.New("connection refused"), "127.0.0.1:8081")
		}
		return replyWith(provider, func(req *message.Request) (any, error) {
			return &GetByIdResp{Msg: "third time"}, nil
		})(ctx, callID, payload)
	}}
	c, err := NewClient(testConfig(),
		ClientWithRegistry(r),
		ClientWithChannel(ch),
		ClientWithMiddlewares(middleware.Retry(3, time.Millisecond, middleware.DefaultRetryable)))
	require.NoError(t, err)
	defer func() {
		_ = c.Close()
	}()
	_, err = c.dir.Subscribe(context.Background(), "user-service")
	require.NoError(t, err)

	res, err := c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{}))
	require.NoError(t, err)
	resp := &GetByIdResp{}
	require.NoError(t, res.Unmarshal(resp))
	assert.Equal(t, "third time", resp.Msg)
	assert.Equal(t, 3, attempts)
}

func TestClient_Invoke_Closed(t *testing.T) {
	ctrl := gomock.NewController(t)
	c, err := NewClient(config.DefaultConfig(), ClientWithRegistry(staticRegistry(ctrl, nil)), ClientWithChannel(&fakeChannel{}))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", nil))
	assert.ErrorIs(t, err, errs.ErrClientClosed)

	_, err = (&Client{}).Invoke(context.Background(), &message.Call{})
	assert.ErrorIs(t, err, errs.ErrUnresolvedDependency)
}

func TestClient_Invoke_SubscribesOnFirstCall(t *testing.T) {
	provider := codec.New(msgpack.Serializer{}, compress.DoNothingCompressor{})
	ctrl := gomock.NewController(t)
	r := staticRegistry(ctrl, map[string][]string{"user-service": {"127.0.0.1:8081"}})
	ch := &fakeChannel{handle: replyWith(provider, func(req *message.Request) (any, error) {
		return &GetByIdResp{Msg: "ok"}, nil
	})}
	c := newTestClient(t, testConfig(), r, ch)
	require.False(t, c.dir.Watching("user-service"))

	_, err := c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{}))
	assert.ErrorIs(t, err, errs.ErrNoEndpointAvailable)

	assert.Eventually(t, func() bool {
		_, err := c.Invoke(context.Background(), c.NewCall(context.Background(), "user-service", "GetById", &GetByIdReq{}))
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.True(t, c.dir.Watching("user-service"))
}
