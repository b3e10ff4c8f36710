package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/codetesla51/raw-epoll/server"
)

func main() {
	fs := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	server.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])
	configPath, _ := fs.GetString("config")

	cfg, err := server.LoadConfig(configPath, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	log := server.NewLogger(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []server.Option{server.WithLogger(log)}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
		opts = append(opts, server.WithMetrics(server.NewPrometheusMetrics(reg)))
		go serveMetrics(ctx, cfg.MetricsAddr, reg, log)
	}

	router := server.NewRouterWithConfig(cfg)
	router.SetLogger(log)
	registerRoutes(router)

	srv := server.NewServer(cfg, router, opts...)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

func registerRoutes(router *server.Router) {
	router.Register("GET", "/hello", func(req *server.Request) ([]byte, string) {
		return server.CreateResponseBytes("200", "text/plain", "OK", []byte("Hello "+req.Browser+" user!"))
	})
	router.Register("GET", "/time", func(req *server.Request) ([]byte, string) {
		return server.CreateResponseBytes("200", "text/plain", "OK", []byte(time.Now().Format("15:04:05")))
	})
	router.Register("GET", "/users/:id", func(req *server.Request) ([]byte, string) {
		return server.CreateResponseBytes("200", "text/plain", "OK", []byte("user "+req.PathParams["id"]))
	})
	router.Register("POST", "/test", func(req *server.Request) ([]byte, string) {
		return server.Serve201("Hello from test Post")
	})
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server failed")
	}
}
