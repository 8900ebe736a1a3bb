package hash

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

const ConsistentHash = "consistentHash"

const defaultReplicas = 160

var _ loadbalance.Picker = (*ConsistentPicker)(nil)

// ConsistentPicker maps the call key onto a hash ring of virtual nodes. The ring
// of a service is rebuilt only when its set version changes. A built ring is
// never modified, so lookups take no lock.
type ConsistentPicker struct {
	replicas int
	mutex    sync.Mutex
	rings    sync.Map
}

type point struct {
	hash uint64
	idx  int
}

type ring struct {
	version uint64
	set     *directory.EndpointSet
	points  []point
}

type PickerOption func(p *ConsistentPicker)

// WithReplicas sets the number of virtual nodes per endpoint.
func WithReplicas(n int) PickerOption {
	return func(p *ConsistentPicker) {
		if n > 0 {
			p.replicas = n
		}
	}
}

func NewConsistentPicker(opts ...PickerOption) *ConsistentPicker {
	p := &ConsistentPicker{replicas: defaultReplicas}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ConsistentPicker) Name() string {
	return ConsistentHash
}

func (p *ConsistentPicker) Pick(set *directory.EndpointSet, call *message.Call) (directory.Endpoint, error) {
	if set.Empty() {
		return directory.Endpoint{}, errs.ErrNoEndpointAvailable
	}
	r := p.ring(set)
	h := xxhash.Sum64String(Key(call))
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.set.Endpoints[r.points[i].idx], nil
}

func (p *ConsistentPicker) ring(set *directory.EndpointSet) *ring {
	holder := p.holder(set.Service)
	if r := holder.Load(); r != nil && r.version == set.Version {
		return r
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if r := holder.Load(); r != nil && r.version == set.Version {
		return r
	}
	r := p.build(set)
	holder.Store(r)
	return r
}

func (p *ConsistentPicker) holder(service string) *atomic.Pointer[ring] {
	if h, ok := p.rings.Load(service); ok {
		return h.(*atomic.Pointer[ring])
	}
	h, _ := p.rings.LoadOrStore(service, new(atomic.Pointer[ring]))
	return h.(*atomic.Pointer[ring])
}

// build depends only on endpoint addresses, so equal sets give equal rings.
func (p *ConsistentPicker) build(set *directory.EndpointSet) *ring {
	points := make([]point, 0, len(set.Endpoints)*p.replicas)
	for idx, ep := range set.Endpoints {
		addr := ep.Addr()
		for i := 0; i < p.replicas; i++ {
			points = append(points, point{
				hash: xxhash.Sum64String(addr + "#" + strconv.Itoa(i)),
				idx:  idx,
			})
		}
	}
	slices.SortFunc(points, func(a, b point) int {
		if c := cmp.Compare(a.hash, b.hash); c != 0 {
			return c
		}
		return cmp.Compare(set.Endpoints[a.idx].Addr(), set.Endpoints[b.idx].Addr())
	})
	return &ring{version: set.Version, set: set, points: points}
}

// argsHandle encodes maps with sorted keys so equal arguments give equal bytes.
var argsHandle = &codec.MsgpackHandle{}

func init() {
	argsHandle.Canonical = true
}

// Key is the routing key of call, the explicit one when given, otherwise
// derived from the service, the method and the encoded value of the arguments.
// Pointers are followed, so two calls with equal arguments share a key.
func Key(call *message.Call) string {
	if call == nil {
		return ""
	}
	if call.RoutingKey != "" {
		return call.RoutingKey
	}
	prefix := call.ServiceName + "." + call.Method + "#"
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, argsHandle).Encode(call.Args); err != nil {
		// arguments msgpack cannot carry, the call would fail to encode anyway
		return prefix + fmt.Sprintf("%v", call.Args)
	}
	return prefix + buf.String()
}
