package registry

import (
	"context"
	"io"
)

// ServiceInstance is one provider record as stored by a naming backend.
// Address is host:port.
type ServiceInstance struct {
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	Weight   uint32            `json:"weight"`
	Group    string            `json:"group,omitempty"`
	Zone     string            `json:"zone,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type EventType int

const (
	EventTypeUnknown EventType = iota
	EventTypeAdd
	EventTypeDelete
)

type Event struct {
	Type     EventType
	Instance ServiceInstance
}

// Registry is a client of a naming backend. Subscribe returns a channel that is
// closed when the watch ends, either by Close or by losing the backend.
//
//go:generate mockgen -package=mocks -destination=mocks/registry.mock.go -source=types.go Registry
type Registry interface {
	io.Closer
	Register(ctx context.Context, inst ServiceInstance) error
	Unregister(ctx context.Context, inst ServiceInstance) error
	ListServices(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Subscribe(serviceName string) (<-chan Event, error)
}
