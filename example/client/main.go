package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"erpc"
	"erpc/config"
	"erpc/example/api"
	"erpc/middleware"
	"erpc/observability/opentelemetry"
	"erpc/observability/prometheus"
)

func main() {
	path := flag.String("config", "example/client/config.yaml", "client config file")
	metricsAddr := flag.String("metrics", ":9091", "prometheus listen address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	cfg, err := config.Load(*path)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	metrics := &prometheus.ClientMiddlewareBuilder{
		Namespace: "erpc",
		Subsystem: "example",
		Name:      "client",
		Help:      "example client calls",
	}
	client, err := erpc.NewClient(cfg, erpc.ClientWithMiddlewares(
		opentelemetry.NewClientMiddlewareBuilder().Build(),
		metrics.Build(),
		middleware.RateWait(100, 10),
		middleware.Retry(2, 50*time.Millisecond, middleware.DefaultRetryable),
	))
	if err != nil {
		logger.Fatal("assemble client", zap.Error(err))
	}
	defer func() {
		_ = client.Close()
	}()

	go func() {
		if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	us := &api.UserService{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.InitService(ctx, us)
	cancel()
	if err != nil {
		logger.Fatal("init service", zap.Error(err))
	}

	for id := int64(1); id <= 10; id++ {
		resp, err := us.GetById(context.Background(), &api.GetByIdReq{Id: id})
		if err != nil {
			logger.Error("call failed", zap.Int64("id", id), zap.Error(err))
			continue
		}
		logger.Info("call succeeded", zap.Int64("id", id),
			zap.String("name", resp.Name), zap.String("server", resp.Server))
		time.Sleep(200 * time.Millisecond)
	}
}
