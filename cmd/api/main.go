package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"idsync.org/internal/app"
	"idsync.org/internal/config"
	"idsync.org/internal/httpapi"
	"idsync.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("IDSYNC_CONFIG"), "Path to YAML config file")
	flag.Parse()

	log := obs.Logger().WithField("component", "main")
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.WithVersion(version))
	if err != nil {
		log.WithError(err).Fatal("build application")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("close backends")
		}
	}()

	trusted, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		log.WithError(err).Fatal("trusted proxies")
	}
	api := httpapi.New(a.Service,
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		httpapi.WithTrustedProxies(trusted),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewHealthServer(a.Service).Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.WithError(err).Fatal("listen grpc")
	}

	go func() {
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc health listening")
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("grpc serve")
			stop()
		}
	}()
	go func() {
		log.WithFields(map[string]any{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http serve")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	log.Info("stopped")
}
