// Command chatserver runs the chat server that gateways connect to.
//
//	chatserver -listen 127.0.0.1:9000
//	chatserver -listen :9000 -advertise 10.0.0.5:9000 -etcd 127.0.0.1:2379
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"

	"msg-gateway/middleware"
	"msg-gateway/registry"
	"msg-gateway/server"
)

func main() {
	var (
		listen    = flag.String("listen", "127.0.0.1:9000", "address to listen on")
		advertise = flag.String("advertise", "", "address registered in etcd (default: the listen address)")
		etcd      = flag.String("etcd", "", "comma-separated etcd endpoints; empty disables registration")
		service   = flag.String("service", "chat", "service name checked in the handshake and used for registration")
		verifyKey = flag.String("verify-key", "", "key clients must present; empty accepts any")
		timeout   = flag.Duration("handler-timeout", 5*time.Second, "per-request handler timeout")
		rps       = flag.Float64("rate", 1000, "requests per second accepted across all connections")
		debug     = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	if *debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	m, err := metrics.NewGlobal(metrics.DefaultConfig("chatserver"), inm)
	if err != nil {
		log.Fatal("metrics", zap.Error(err))
	}

	svr := server.NewServer(server.Options{ServiceName: *service, VerifyKey: *verifyKey, Logger: log})
	svr.Use(middleware.LoggingMiddleware(log))
	svr.Use(middleware.MetricsMiddleware(m))
	svr.Use(middleware.TimeoutMiddleware(*timeout))
	svr.Use(middleware.RateLimitMiddleware(*rps, int(*rps)))

	if err := svr.Listen("tcp", *listen); err != nil {
		log.Fatal("listen", zap.String("addr", *listen), zap.Error(err))
	}

	var reg registry.Registry
	if *etcd != "" {
		reg, err = registry.NewEtcdRegistry(strings.Split(*etcd, ","), log)
		if err != nil {
			log.Fatal("etcd", zap.Error(err))
		}
		defer reg.Close()

		addr := *advertise
		if addr == "" {
			addr = svr.Addr()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = svr.Advertise(ctx, reg, addr, 10)
		cancel()
		if err != nil {
			log.Fatal("register", zap.Error(err))
		}
		log.Info("registered", zap.String("service", *service), zap.String("addr", addr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCh
		log.Info("shutting down")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	log.Info("chat server listening", zap.String("addr", svr.Addr()))
	if err := svr.Serve(); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
	<-stopped
}
