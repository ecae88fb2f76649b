// Command depproxy runs the dependency proxy daemon: an HTTP pull-through
// cache between container registry clients and an upstream registry.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/depproxy"
	"github.com/meigma/depproxy/auth"
	"github.com/meigma/depproxy/server"
	"github.com/meigma/depproxy/store/disk"
	"github.com/meigma/depproxy/upstream"
)

func main() {
	var (
		configPath = flag.String("config", "depproxy.toml", "path to config file")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	if err := run(logger, *configPath); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dir, err := buildDirectory(cfg)
	if err != nil {
		return err
	}

	st, err := disk.New(cfg.StorageDir)
	if err != nil {
		return err
	}

	var upOpts []upstream.Option
	if cfg.Upstream.RegistryURL != "" {
		upOpts = append(upOpts, upstream.WithRegistryURL(cfg.Upstream.RegistryURL))
	}
	if cfg.Upstream.AuthURL != "" {
		upOpts = append(upOpts, upstream.WithAuthURL(cfg.Upstream.AuthURL))
	}
	if cfg.Upstream.Service != "" {
		upOpts = append(upOpts, upstream.WithService(cfg.Upstream.Service))
	}
	upOpts = append(upOpts, upstream.WithLogger(logger))
	up := upstream.NewClient(upOpts...)

	gate := auth.NewGate(dir, dir, dir,
		auth.WithPublicAccess(cfg.PublicAccess),
		auth.WithGateLogger(logger),
	)

	svcOpts := []depproxy.ServiceOption{depproxy.WithLogger(logger)}
	if cfg.Offload {
		svcOpts = append(svcOpts, depproxy.WithOffloader(depproxy.HelperOffloader{}))
	}
	svc := depproxy.NewService(gate, up, st, svcOpts...)

	authn := auth.NewAuthenticator(auth.NewTokenCodec([]byte(cfg.JWTSecret)), dir)
	srvOpts := []server.Option{server.WithLogger(logger)}
	if cfg.InternalSecret != "" {
		srvOpts = append(srvOpts, server.WithInternalSecret([]byte(cfg.InternalSecret)))
	}
	handler := server.New(svc, authn, srvOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Listen, "storage", cfg.StorageDir, "offload", cfg.Offload)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
