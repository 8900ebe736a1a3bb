package random

import (
	"math/rand/v2"
	"sync"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
)

const Random = "random"

var _ loadbalance.Picker = (*Picker)(nil)

// Picker picks uniformly.
type Picker struct {
	mutex sync.Mutex
	rnd   *rand.Rand
}

func NewPicker() *Picker {
	return &Picker{}
}

// NewPickerWithSeed gives a reproducible sequence, for tests.
func NewPickerWithSeed(seed uint64) *Picker {
	return &Picker{rnd: rand.New(rand.NewPCG(seed, seed))}
}

func (p *Picker) Name() string {
	return Random
}

func (p *Picker) Pick(set *directory.EndpointSet, _ *message.Call) (directory.Endpoint, error) {
	n := set.Len()
	if n == 0 {
		return directory.Endpoint{}, errs.ErrNoEndpointAvailable
	}
	return set.Endpoints[p.intN(n)], nil
}

func (p *Picker) intN(n int) int {
	if p.rnd == nil {
		return rand.IntN(n)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.rnd.IntN(n)
}
