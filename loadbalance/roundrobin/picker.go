package roundrobin

import (
	"sync"
	"sync/atomic"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
)

const RoundRobin = "roundRobin"

var _ loadbalance.Picker = (*Picker)(nil)

// Picker rotates through the providers of each service. The counter advances
// on every pick whatever the outcome of the call, and the index is taken modulo
// the size of the set being picked from, so membership changes are safe.
type Picker struct {
	counters sync.Map
}

func NewPicker() *Picker {
	return &Picker{}
}

func (p *Picker) Name() string {
	return RoundRobin
}

func (p *Picker) Pick(set *directory.EndpointSet, _ *message.Call) (directory.Endpoint, error) {
	n := set.Len()
	if n == 0 {
		return directory.Endpoint{}, errs.ErrNoEndpointAvailable
	}
	cnt := p.counter(set.Service).Add(1) - 1
	return set.Endpoints[cnt%uint64(n)], nil
}

func (p *Picker) counter(service string) *atomic.Uint64 {
	if c, ok := p.counters.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := p.counters.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}
