package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"erpc/codec"
	"erpc/compress/snappy"
	"erpc/example/api"
	"erpc/internal/testserver"
	"erpc/registry"
	"erpc/registry/etcd"
	"erpc/serialize/msgpack"
)

type UserServiceServer struct {
	addr string
}

func (s *UserServiceServer) Name() string {
	return "user-service"
}

func (s *UserServiceServer) GetById(ctx context.Context, req *api.GetByIdReq) (*api.GetByIdResp, error) {
	return &api.GetByIdResp{
		Name:   fmt.Sprintf("user-%d", req.Id),
		Server: s.addr,
	}, nil
}

func main() {
	etcdAddr := flag.String("etcd", "127.0.0.1:2379", "etcd address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	srv := &UserServiceServer{}
	p, err := testserver.NewProvider(codec.New(msgpack.Serializer{}, snappy.Compressor{}), srv)
	if err != nil {
		logger.Fatal("start provider", zap.Error(err))
	}
	defer func() {
		_ = p.Close()
	}()
	srv.addr = p.Addr()

	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{*etcdAddr},
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		logger.Fatal("connect etcd", zap.Error(err))
	}
	defer func() {
		_ = etcdClient.Close()
	}()
	r := etcd.NewRegistry(etcdClient, etcd.WithLogger(logger.Named("etcd")))
	defer func() {
		_ = r.Close()
	}()

	inst := registry.ServiceInstance{Name: srv.Name(), Address: p.Addr()}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err = r.Register(ctx, inst)
	cancel()
	if err != nil {
		logger.Fatal("register", zap.Error(err))
	}
	logger.Info("provider serving", zap.String("addr", p.Addr()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = r.Unregister(ctx, inst); err != nil {
		logger.Warn("unregister", zap.Error(err))
	}
}
