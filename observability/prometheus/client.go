package prometheus

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"erpc/message"
	"erpc/middleware"
	"erpc/observability"
)

type ClientMiddlewareBuilder struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string

	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Build registers the collectors and returns the recording middleware. It
// panics if collectors with the same names are already registered.
func (b *ClientMiddlewareBuilder) Build() middleware.Middleware {
	constLabels := map[string]string{
		"address": observability.OutboundIP(),
		"kind":    "client",
	}
	labels := []string{"service", "method"}
	summaryVec := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_response",
		Help:        b.Help,
		ConstLabels: constLabels,
		Objectives: map[float64]float64{
			0.5:   0.01,
			0.75:  0.01,
			0.9:   0.01,
			0.99:  0.001,
			0.999: 0.0001,
		},
	}, append(labels, "status"))

	errCntVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_error_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, labels)

	activeCntVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   b.Namespace,
		Subsystem:   b.Subsystem,
		Name:        b.Name + "_active_req_cnt",
		Help:        b.Help,
		ConstLabels: constLabels,
	}, labels)

	registerer := b.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(summaryVec, errCntVec, activeCntVec)

	return func(next middleware.Invoker) middleware.Invoker {
		return func(ctx context.Context, call *message.Call) (res *message.Result, err error) {
			active := activeCntVec.WithLabelValues(call.ServiceName, call.Method)
			active.Inc()
			start := time.Now()
			defer func() {
				active.Dec()
				status := "OK"
				// a provider error arrives as a result carrying Err
				if err != nil || (res != nil && res.Err != nil) {
					status = "ERROR"
					errCntVec.WithLabelValues(call.ServiceName, call.Method).Inc()
				}
				duration := float64(time.Since(start).Milliseconds())
				summaryVec.WithLabelValues(call.ServiceName, call.Method, status).Observe(duration)
			}()
			res, err = next(ctx, call)
			return
		}
	}
}
