package opentelemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"erpc/message"
	"erpc/middleware"
	"erpc/observability"
)

const instrumentationName = "erpc/observability/opentelemetry"

type ClientMiddlewareBuilder struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

type Option func(b *ClientMiddlewareBuilder)

func WithTracer(tracer trace.Tracer) Option {
	return func(b *ClientMiddlewareBuilder) {
		b.tracer = tracer
	}
}

func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(b *ClientMiddlewareBuilder) {
		b.propagator = propagator
	}
}

// NewClientMiddlewareBuilder falls back to the global tracer provider and
// propagator when none is given.
func NewClientMiddlewareBuilder(opts ...Option) *ClientMiddlewareBuilder {
	b := &ClientMiddlewareBuilder{}
	for _, opt := range opts {
		opt(b)
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(instrumentationName)
	}
	if b.propagator == nil {
		b.propagator = otel.GetTextMapPropagator()
	}
	return b
}

// Build returns a middleware that opens a client span per call and injects
// the span context into the call metadata.
func (b *ClientMiddlewareBuilder) Build() middleware.Middleware {
	attrs := []attribute.KeyValue{
		semconv.RPCSystemKey.String("erpc"),
		attribute.Key("rpc.component").String("client"),
	}
	if ip := observability.OutboundIP(); ip != "" {
		attrs = append(attrs, attribute.String("client.address", ip))
	}
	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, call *message.Call) (res *message.Result, err error) {
			ctx, span := b.tracer.Start(ctx, call.ServiceName+"/"+call.Method,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attrs...),
				trace.WithAttributes(
					semconv.RPCService(call.ServiceName),
					semconv.RPCMethod(call.Method),
				))
			defer func() {
				switch {
				case err != nil:
					span.SetStatus(codes.Error, "client failed")
					span.RecordError(err)
				case res != nil && res.Err != nil:
					span.SetStatus(codes.Error, "remote error")
					span.RecordError(res.Err)
				default:
					span.SetStatus(codes.Ok, "OK")
				}
				span.End()
			}()
			res, err = next(ctx, b.inject(ctx, call))
			return
		}
	}
}

// inject copies the call so that the caller's Meta map is left untouched.
func (b *ClientMiddlewareBuilder) inject(ctx context.Context, call *message.Call) *message.Call {
	carrier := propagation.MapCarrier{}
	b.propagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return call
	}
	traced := *call
	traced.Meta = make(map[string]string, len(call.Meta)+len(carrier))
	for k, v := range call.Meta {
		traced.Meta[k] = v
	}
	for k, v := range carrier {
		traced.Meta[k] = v
	}
	return &traced
}
