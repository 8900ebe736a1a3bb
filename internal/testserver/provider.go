package testserver

import (
	"context"
	"reflect"

	"erpc/codec"
	"erpc/transport"

	"github.com/cockroachdb/errors"
)

// Service is a provider implementation. Methods of the form
// func(context.Context, *In) (*Out, error) are exposed.
type Service interface {
	Name() string
}

// Provider dispatches decoded calls to registered services by reflection.
type Provider struct {
	*FrameServer
	codec    *codec.Binary
	services map[string]*reflectionStub
}

// NewProvider must get all its services before serving traffic.
func NewProvider(c *codec.Binary, services ...Service) (*Provider, error) {
	p := &Provider{
		codec:    c,
		services: make(map[string]*reflectionStub, len(services)),
	}
	for _, s := range services {
		p.register(s)
	}
	fs, err := NewFrameServer(p.handle)
	if err != nil {
		return nil, err
	}
	p.FrameServer = fs
	return p, nil
}

func (p *Provider) register(service Service) {
	val := reflect.ValueOf(service)
	typ := val.Type()
	methods := make(map[string]reflect.Value, val.NumMethod())
	for i := 0; i < val.NumMethod(); i++ {
		methods[typ.Method(i).Name] = val.Method(i)
	}
	p.services[service.Name()] = &reflectionStub{methods: methods}
}

func (p *Provider) handle(ctx context.Context, f transport.Frame) ([]byte, error) {
	req, err := p.codec.DecodeRequest(f.Body)
	if err != nil {
		return nil, err
	}
	if deadline := codec.DeadlineOf(req); !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	stub, ok := p.services[req.ServiceName]
	if !ok {
		return p.codec.EncodeResult(req.CallID, nil, errors.Newf("unknown service %s", req.ServiceName))
	}
	method, ok := stub.methods[req.MethodName]
	if !ok {
		return p.codec.EncodeResult(req.CallID, nil, errors.Newf("unknown method %s.%s", req.ServiceName, req.MethodName))
	}
	in := reflect.New(method.Type().In(1).Elem())
	if err = p.codec.Serializer().Decode(req.Data, in.Interface()); err != nil {
		return p.codec.EncodeResult(req.CallID, nil, err)
	}
	res := method.Call([]reflect.Value{reflect.ValueOf(ctx), in})
	if errVal := res[1].Interface(); errVal != nil {
		if errors.Is(errVal.(error), ErrDrop) || errors.Is(errVal.(error), ErrNoReply) {
			return nil, errVal.(error)
		}
		return p.codec.EncodeResult(req.CallID, nil, errVal.(error))
	}
	return p.codec.EncodeResult(req.CallID, res[0].Interface(), nil)
}

type reflectionStub struct {
	methods map[string]reflect.Value
}
