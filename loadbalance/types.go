package loadbalance

import (
	"context"

	"erpc/directory"
	"erpc/message"
)

// Picker chooses one endpoint of set for call. Implementations return
// errs.ErrNoEndpointAvailable for an empty set and are safe for concurrent use.
type Picker interface {
	Name() string
	Pick(set *directory.EndpointSet, call *message.Call) (directory.Endpoint, error)
}

type routingKey struct{}

// WithRoutingKey pins the key hash based pickers use for calls made with ctx.
func WithRoutingKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

func RoutingKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(routingKey{}).(string)
	return key, ok && key != ""
}
