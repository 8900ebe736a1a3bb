package erpc

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/message"
)

// BroadcastResult is the answer of one endpoint to a broadcast call.
type BroadcastResult struct {
	Endpoint directory.Endpoint
	Result   *message.Result
	Err      error
}

// Broadcast sends call to every endpoint of its service concurrently and waits
// for all of them. Each endpoint gets a copy of call with its own call id.
// Results follow the order of the endpoint set; failures are reported per
// endpoint. Broadcast bypasses the picker and the middlewares.
func (c *Client) Broadcast(ctx context.Context, call *message.Call) ([]BroadcastResult, error) {
	if c.invoker == nil {
		return nil, errs.UnresolvedDependency("pipeline")
	}
	if c.closed.Load() {
		return nil, errs.ErrClientClosed
	}
	set := c.dir.Current(call.ServiceName)
	if set.Empty() {
		c.watchLater(call.ServiceName)
		return nil, errors.Wrapf(errs.ErrNoEndpointAvailable, "service %s", call.ServiceName)
	}
	results := make([]BroadcastResult, set.Len())
	var eg errgroup.Group
	for i, ep := range set.Endpoints {
		eg.Go(func() error {
			copied := *call
			copied.CallID = message.NewCallID()
			res, err := c.roundTrip(ctx, &copied, ep)
			if err == nil && res.Err != nil {
				err = res.Err
			}
			results[i] = BroadcastResult{Endpoint: ep, Result: res, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results, nil
}
