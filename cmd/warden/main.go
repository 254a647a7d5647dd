// Command warden runs the intercepting proxy: it wires configuration,
// logging, the certificate authority, the review store and the
// listeners, then serves until interrupted.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warden-proxy/warden"
	"github.com/warden-proxy/warden/certs"
	"github.com/warden-proxy/warden/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := warden.LoadConfig(*cfgPath)
	if err != nil {
		zap.NewExample().Fatal("bad configuration", zap.Error(err))
	}

	log, err := warden.NewLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("cannot build logger", zap.Error(err))
	}
	defer log.Sync()

	ca, err := certs.LoadOrCreate(certs.Config{
		CertFile:      cfg.CACert,
		KeyFile:       cfg.CAKey,
		CacheCapacity: cfg.CertCacheCapacity,
		Logger:        log.Named("certs"),
	})
	if err != nil {
		log.Fatal("cannot load root certificate", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewRedis(ctx, store.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   log.Named("store"),
	})
	if err != nil {
		log.Fatal("cannot reach review store", zap.Error(err))
	}
	defer st.Close()
	log.Info("review store reachable", zap.String("addr", cfg.Redis.Addr))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	proxy := warden.New(cfg, ca, st, log.Named("proxy"), reg)

	if cfg.AdminListen != "" {
		go serveAdmin(cfg.AdminListen, reg, log)
	}
	if cfg.TransparentListen != "" {
		tln, err := net.Listen("tcp", cfg.TransparentListen)
		if err != nil {
			log.Fatal("cannot listen transparent", zap.Error(err))
		}
		go func() {
			if err := proxy.ServeTransparent(tln); err != nil {
				log.Error("transparent listener failed", zap.Error(err))
			}
		}()
	}

	errc := make(chan error, 1)
	go func() { errc <- proxy.ListenAndServe() }()

	select {
	case err := <-errc:
		if err != nil {
			log.Fatal("listener failed", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}
}

func serveAdmin(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("admin endpoint", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("admin endpoint failed", zap.Error(err))
	}
}
