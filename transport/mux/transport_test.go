package mux

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/internal/testserver"
	"erpc/message"
	"erpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handler understands "echo:x", "sleep:<ms>:x", "hang" and "drop".
func handler(ctx context.Context, f transport.Frame) ([]byte, error) {
	body := string(f.Body)
	switch {
	case body == "hang":
		<-ctx.Done()
		return nil, testserver.ErrNoReply
	case body == "drop":
		return nil, testserver.ErrDrop
	case strings.HasPrefix(body, "sleep:"):
		var ms int
		var rest string
		_, _ = fmt.Sscanf(body, "sleep:%d:%s", &ms, &rest)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, testserver.ErrNoReply
		}
		return f.Body, nil
	default:
		return f.Body, nil
	}
}

func newServer(t *testing.T) (*testserver.FrameServer, directory.Endpoint) {
	s, err := testserver.NewFrameServer(handler)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, directory.Endpoint{Host: "127.0.0.1", Port: s.Port()}
}

func pendingCount(tr *Transport) int {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	cnt := 0
	for _, p := range tr.pools {
		p.mutex.Lock()
		for _, cn := range p.conns {
			if cn == nil {
				continue
			}
			cn.pending.Range(func(_, _ any) bool {
				cnt++
				return true
			})
		}
		p.mutex.Unlock()
	}
	return cnt
}

func TestTransport_Send(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport()
	defer tr.Close()

	testCases := []struct {
		name    string
		payload string
		timeout time.Duration
		wantErr error
	}{
		{name: "echo", payload: "echo:hello", timeout: time.Second},
		{name: "slow but in time", payload: "sleep:20:x", timeout: time.Second},
		{name: "timeout", payload: "hang", timeout: 50 * time.Millisecond, wantErr: errs.ErrTimeout},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tc.timeout)
			defer cancel()
			resp, err := tr.Send(ctx, ep, message.NewCallID(), []byte(tc.payload))
			assert.ErrorIs(t, err, tc.wantErr)
			if err != nil {
				return
			}
			assert.Equal(t, tc.payload, string(resp))
		})
	}
	assert.Equal(t, 0, pendingCount(tr))
}

func TestTransport_Demultiplex(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(1))
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// later calls often finish first
			payload := fmt.Sprintf("sleep:%d:call-%d", rand.IntN(30), i)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := tr.Send(ctx, ep, message.NewCallID(), []byte(payload))
			assert.NoError(t, err)
			assert.Equal(t, payload, string(resp))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, pendingCount(tr))
}

func TestTransport_TimeoutRemovesSlot(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(1))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("sleep:150:late"))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, pendingCount(tr))

	// the late response arrives while this call waits and must not be taken for it
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	resp, err := tr.Send(ctx2, ep, message.NewCallID(), []byte("sleep:200:fresh"))
	require.NoError(t, err)
	assert.Equal(t, "sleep:200:fresh", string(resp))
	assert.Equal(t, 0, pendingCount(tr))
}

func TestTransport_ConnectionLost(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(1))
	defer tr.Close()

	hangErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("hang"))
		hangErr <- err
	}()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("drop"))
	assert.ErrorIs(t, err, errs.ErrConnectionLost)
	assert.ErrorIs(t, <-hangErr, errs.ErrConnectionLost)
	assert.Equal(t, 0, pendingCount(tr))

	// lazily reconnects
	resp, err := tr.Send(ctx, ep, message.NewCallID(), []byte("echo:again"))
	require.NoError(t, err)
	assert.Equal(t, "echo:again", string(resp))
}

func TestTransport_ServerRestartsConnections(t *testing.T) {
	s, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(1))
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("echo:1"))
	require.NoError(t, err)
	s.DropConnections()
	require.Eventually(t, func() bool {
		_, err = tr.Send(ctx, ep, message.NewCallID(), []byte("echo:2"))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTransport_ConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	tr := NewTransport(WithDialTimeout(200 * time.Millisecond))
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tr.Send(ctx, directory.Endpoint{Host: "127.0.0.1", Port: port}, message.NewCallID(), []byte("echo:x"))
	assert.ErrorIs(t, err, errs.ErrConnect)
}

func TestTransport_Closed(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("echo:x"))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.Send(ctx, ep, message.NewCallID(), []byte("echo:x"))
	assert.ErrorIs(t, err, errs.ErrTransportClosed)
	require.NoError(t, tr.Close())
}

func TestTransport_Heartbeat(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(1), WithHeartbeat(10*time.Millisecond))
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Send(ctx, ep, message.NewCallID(), []byte("echo:x"))
	require.NoError(t, err)

	tr.mutex.Lock()
	first := tr.pools[ep.Addr()].conns[0]
	tr.mutex.Unlock()
	// idle well past three intervals, pongs keep it alive
	time.Sleep(80 * time.Millisecond)
	assert.False(t, first.isClosed())
}

func TestTransport_SlowDialKeepsLiveSlots(t *testing.T) {
	_, ep := newServer(t)
	tr := NewTransport(WithConnsPerEndpoint(2))
	defer tr.Close()

	var d net.Dialer
	var dials int
	var dialMutex sync.Mutex
	dialing := make(chan struct{})
	release := make(chan struct{})
	tr.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialMutex.Lock()
		dials++
		n := dials
		dialMutex.Unlock()
		if n == 2 {
			close(dialing)
			<-release
		}
		return d.DialContext(ctx, network, addr)
	}

	send := func(payload string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return tr.Send(ctx, ep, message.NewCallID(), []byte(payload))
	}

	_, err := send("echo:first")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := send("echo:second")
		done <- err
	}()
	<-dialing

	// slot 0 is live while slot 1 is still dialing
	resp, err := send("echo:third")
	require.NoError(t, err)
	assert.Equal(t, "echo:third", string(resp))

	close(release)
	assert.NoError(t, <-done)
}
