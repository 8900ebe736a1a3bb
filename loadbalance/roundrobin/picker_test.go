package roundrobin

import (
	"sync"
	"testing"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointSet(version uint64, addrs ...int) *directory.EndpointSet {
	eps := make([]directory.Endpoint, 0, len(addrs))
	for _, port := range addrs {
		eps = append(eps, directory.Endpoint{Host: "127.0.0.1", Port: port})
	}
	return directory.NewEndpointSet("user-service", version, eps)
}

func TestPicker_Pick(t *testing.T) {
	testCases := []struct {
		name      string
		set       *directory.EndpointSet
		picks     int
		wantPorts []int
		wantErr   error
	}{
		{
			name:      "A B A",
			set:       endpointSet(1, 8081, 8082),
			picks:     3,
			wantPorts: []int{8081, 8082, 8081},
		},
		{
			name:      "single",
			set:       endpointSet(1, 8081),
			picks:     2,
			wantPorts: []int{8081, 8081},
		},
		{
			name:    "no endpoint",
			set:     endpointSet(1),
			picks:   1,
			wantErr: errs.ErrNoEndpointAvailable,
		},
		{
			name:    "nil set",
			picks:   1,
			wantErr: errs.ErrNoEndpointAvailable,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPicker()
			ports := make([]int, 0, tc.picks)
			for i := 0; i < tc.picks; i++ {
				ep, err := p.Pick(tc.set, &message.Call{ServiceName: "user-service"})
				assert.Equal(t, tc.wantErr, err)
				if err != nil {
					return
				}
				ports = append(ports, ep.Port)
			}
			assert.Equal(t, tc.wantPorts, ports)
		})
	}
}

func TestPicker_VisitsEveryEndpoint(t *testing.T) {
	p := NewPicker()
	set := endpointSet(1, 8081, 8082, 8083, 8084, 8085)
	// start from an arbitrary counter position
	_, _ = p.Pick(set, nil)
	_, _ = p.Pick(set, nil)
	seen := make(map[int]struct{})
	for i := 0; i < set.Len(); i++ {
		ep, err := p.Pick(set, nil)
		require.NoError(t, err)
		assert.True(t, set.Contains(ep))
		seen[ep.Port] = struct{}{}
	}
	assert.Len(t, seen, set.Len())
}

func TestPicker_SetShrinks(t *testing.T) {
	p := NewPicker()
	big := endpointSet(1, 8081, 8082, 8083)
	for i := 0; i < 5; i++ {
		_, err := p.Pick(big, nil)
		require.NoError(t, err)
	}
	small := endpointSet(2, 8081, 8082)
	for i := 0; i < 10; i++ {
		ep, err := p.Pick(small, nil)
		require.NoError(t, err)
		assert.True(t, small.Contains(ep))
	}
}

func TestPicker_Concurrent(t *testing.T) {
	p := NewPicker()
	set := endpointSet(1, 8081, 8082, 8083, 8084)
	const goroutines, perGoroutine = 8, 1000
	var (
		mutex  sync.Mutex
		counts = make(map[int]int)
		wg     sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[int]int)
			for i := 0; i < perGoroutine; i++ {
				ep, err := p.Pick(set, nil)
				assert.NoError(t, err)
				local[ep.Port]++
			}
			mutex.Lock()
			for port, cnt := range local {
				counts[port] += cnt
			}
			mutex.Unlock()
		}()
	}
	wg.Wait()
	for _, ep := range set.Endpoints {
		assert.Equal(t, goroutines*perGoroutine/set.Len(), counts[ep.Port])
	}
}

func TestPicker_PerService(t *testing.T) {
	p := NewPicker()
	users := endpointSet(1, 8081, 8082)
	orders := directory.NewEndpointSet("order-service", 1, users.Endpoints)
	ep, _ := p.Pick(users, nil)
	assert.Equal(t, 8081, ep.Port)
	ep, _ = p.Pick(orders, nil)
	assert.Equal(t, 8081, ep.Port)
	ep, _ = p.Pick(users, nil)
	assert.Equal(t, 8082, ep.Port)
}
