package roundrobin

import (
	"sync"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
)

const WeightRoundRobin = "weightedRoundRobin"

var _ loadbalance.Picker = (*WeightPicker)(nil)

// WeightPicker is smooth weighted round robin over Endpoint.Weight. An endpoint
// registered without a weight counts as weight 1.
type WeightPicker struct {
	mutex    sync.Mutex
	services map[string]*weightState
}

type weightState struct {
	version uint64
	conns   []*weightConn
}

type weightConn struct {
	ep            directory.Endpoint
	weight        int64
	currentWeight int64
}

func NewWeightPicker() *WeightPicker {
	return &WeightPicker{services: make(map[string]*weightState)}
}

func (p *WeightPicker) Name() string {
	return WeightRoundRobin
}

func (p *WeightPicker) Pick(set *directory.EndpointSet, _ *message.Call) (directory.Endpoint, error) {
	if set.Len() == 0 {
		return directory.Endpoint{}, errs.ErrNoEndpointAvailable
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	state := p.state(set)

	var total int64
	var chosen *weightConn
	for _, c := range state.conns {
		total += c.weight
		c.currentWeight += c.weight
		if chosen == nil || chosen.currentWeight < c.currentWeight {
			chosen = c
		}
	}
	chosen.currentWeight -= total
	return chosen.ep, nil
}

// state keeps the running weights of endpoints that survive a set change.
func (p *WeightPicker) state(set *directory.EndpointSet) *weightState {
	old, ok := p.services[set.Service]
	if ok && old.version == set.Version && len(old.conns) == set.Len() {
		return old
	}
	current := make(map[string]int64)
	if ok {
		for _, c := range old.conns {
			current[c.ep.Addr()] = c.currentWeight
		}
	}
	state := &weightState{
		version: set.Version,
		conns:   make([]*weightConn, 0, set.Len()),
	}
	for _, ep := range set.Endpoints {
		weight := int64(ep.Weight)
		if weight == 0 {
			weight = 1
		}
		state.conns = append(state.conns, &weightConn{
			ep:            ep,
			weight:        weight,
			currentWeight: current[ep.Addr()],
		})
	}
	p.services[set.Service] = state
	return state
}
