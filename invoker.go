package erpc

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"erpc/directory"
	"erpc/internal/errs"
	"erpc/loadbalance"
	"erpc/message"
)

// NewCall builds the descriptor of one call. The deadline is fixed here: the
// earlier of the ctx deadline and now plus the client timeout.
func (c *Client) NewCall(ctx context.Context, service, method string, args any) *message.Call {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	call := &message.Call{
		ServiceName: service,
		Method:      method,
		Args:        args,
		CallID:      message.NewCallID(),
		Deadline:    deadline,
	}
	if key, ok := loadbalance.RoutingKey(ctx); ok {
		call.RoutingKey = key
	}
	return call
}

// Invoke runs call through the middlewares and the pipeline. A provider
// application error is returned as a *message.RemoteError together with the
// result; every other error leaves the result nil.
//
// Stubs subscribe their service when created. A call to a service nobody
// subscribed fails with ErrNoEndpointAvailable and starts the subscription in
// the background, so later calls find its endpoints.
func (c *Client) Invoke(ctx context.Context, call *message.Call) (*message.Result, error) {
	if c.invoker == nil {
		return nil, errs.UnresolvedDependency("pipeline")
	}
	if c.closed.Load() {
		return nil, errs.ErrClientClosed
	}
	res, err := c.invoker(ctx, call)
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// invoke is the pipeline proper: resolve, pick, encode, send, decode. It never
// retries, retries belong to middlewares.
func (c *Client) invoke(ctx context.Context, call *message.Call) (*message.Result, error) {
	c.transit(call, CallCreated)
	set := c.dir.Current(call.ServiceName)
	if set.Empty() {
		c.watchLater(call.ServiceName)
		return nil, c.fail(call, errors.Wrapf(errs.ErrNoEndpointAvailable, "service %s", call.ServiceName))
	}
	ep, err := c.picker.Pick(set, call)
	if err != nil {
		return nil, c.fail(call, err)
	}
	c.transit(call, CallEndpointResolved)

	res, err := c.roundTrip(ctx, call, ep)
	if err != nil {
		return nil, c.fail(call, err)
	}
	c.transit(call, CallCompleted)
	return res, nil
}

// roundTrip encodes call, sends it to ep within the call deadline and decodes
// the answer.
func (c *Client) roundTrip(ctx context.Context, call *message.Call, ep directory.Endpoint) (*message.Result, error) {
	payload, err := c.codec.Encode(call)
	if err != nil {
		return nil, err
	}
	if !call.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, call.Deadline)
		defer cancel()
	}
	c.transit(call, CallSent)
	data, err := c.channel.Send(ctx, ep, call.CallID, payload)
	if err != nil {
		return nil, err
	}
	res, err := c.codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if res.CallID != call.CallID {
		return nil, errs.Decode(nil, "response for call %d answered call %d", res.CallID, call.CallID)
	}
	return res, nil
}

// watchLater subscribes service without blocking the caller.
func (c *Client) watchLater(service string) {
	if c.dir.Watching(service) {
		return
	}
	go func() {
		if _, err := c.dir.Subscribe(context.Background(), service); err != nil && !errors.Is(err, errs.ErrClientClosed) {
			c.logger.Warn("subscribe on first call", zap.String("service", service), zap.Error(err))
		}
	}()
}

func (c *Client) transit(call *message.Call, state CallState) {
	if c.onState != nil {
		c.onState(call, state)
	}
}

func (c *Client) fail(call *message.Call, err error) error {
	c.transit(call, CallFailed)
	c.logger.Debug("call failed",
		zap.String("service", call.ServiceName),
		zap.String("method", call.Method),
		zap.Uint64("call_id", call.CallID),
		zap.Error(err))
	return err
}
