package directory

import (
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"erpc/registry"

	"github.com/cockroachdb/errors"
)

// Endpoint is one provider address. Two endpoints are the same provider when
// host and port match.
type Endpoint struct {
	Host   string
	Port   int
	Weight uint32
	Zone   string
	Group  string
	Meta   map[string]string
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Host == o.Host && e.Port == o.Port
}

func (e Endpoint) String() string {
	return e.Addr()
}

// sameAs also compares the attributes pickers look at.
func (e Endpoint) sameAs(o Endpoint) bool {
	return e.Equal(o) && e.Weight == o.Weight && e.Zone == o.Zone &&
		e.Group == o.Group && maps.Equal(e.Meta, o.Meta)
}

func ParseEndpoint(inst registry.ServiceInstance) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(inst.Address)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "directory: invalid address %q", inst.Address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "directory: invalid port in %q", inst.Address)
	}
	return Endpoint{
		Host:   host,
		Port:   port,
		Weight: inst.Weight,
		Zone:   inst.Zone,
		Group:  inst.Group,
		Meta:   inst.Metadata,
	}, nil
}

// EndpointSet is an immutable snapshot of the providers of one service.
// Endpoints are sorted by address and unique by host and port.
type EndpointSet struct {
	Service   string
	Version   uint64
	Endpoints []Endpoint
	UpdatedAt time.Time
}

// NewEndpointSet copies eps into a sorted, deduplicated snapshot.
func NewEndpointSet(service string, version uint64, eps []Endpoint) *EndpointSet {
	sorted := make([]Endpoint, len(eps))
	copy(sorted, eps)
	slices.SortStableFunc(sorted, func(a, b Endpoint) int {
		return strings.Compare(a.Addr(), b.Addr())
	})
	sorted = slices.CompactFunc(sorted, Endpoint.Equal)
	return &EndpointSet{
		Service:   service,
		Version:   version,
		Endpoints: sorted,
		UpdatedAt: time.Now(),
	}
}

func (s *EndpointSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Endpoints)
}

func (s *EndpointSet) Empty() bool {
	return s.Len() == 0
}

func (s *EndpointSet) Contains(ep Endpoint) bool {
	if s == nil {
		return false
	}
	return slices.ContainsFunc(s.Endpoints, ep.Equal)
}

func sameMembers(a, b []Endpoint) bool {
	return slices.EqualFunc(a, b, Endpoint.sameAs)
}
