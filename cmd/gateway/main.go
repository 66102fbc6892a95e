package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splax/chatgate/internal/fanout"
	"github.com/splax/chatgate/internal/httpx"
	"github.com/splax/chatgate/internal/routes"
	"github.com/splax/chatgate/internal/store"
	"github.com/splax/chatgate/internal/ws"
	"github.com/splax/chatgate/pkg/config"
	"github.com/splax/chatgate/pkg/session"
)

func main() {
	cfg := config.Load()
	log := cfg.Logger("gateway")

	// No listener may open with an incomplete configuration.
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A first-attempt connection failure means misconfiguration, not a
	// transient outage; every later loss reconnects automatically.
	watchdog := store.New(store.PgxDialer(cfg.DatabaseURL), cfg.Logger("store"))
	if err := watchdog.Start(ctx); err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer watchdog.Close()

	if cfg.AutoMigrate && cfg.MigrationsDir != "" {
		migrator, err := store.NewMigrator(cfg.DatabaseURL, cfg.MigrationsDir, cfg.Logger("migrate"))
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := migrator.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	hub := ws.NewHub()
	adapter := fanout.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, hub, cfg.Logger("fanout"))
	transport := ws.NewTransport(hub, adapter, cfg.ClientOrigin, cfg.Logger("ws"))

	// Both broker channels must be live before the transport accepts a
	// single connection.
	if err := adapter.Connect(ctx); err != nil {
		log.Error("failed to connect to event broker", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	codec := session.NewCodec(cfg.SessionKeyPrimary, cfg.SessionKeySecondary, !cfg.IsLocal())
	router := httpx.NewRouter(
		cfg.Logger("httpx"),
		codec,
		cfg.ClientOrigin,
		routes.Registrar(transport, cfg.TokenSecret, cfg.Logger("routes")),
		httpx.WithHealthChecks(watchdog.HealthCheck, adapter.HealthCheck),
	)
	transport.Attach(router)
	transport.Start()
	defer transport.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", cfg.Addr, "pid", os.Getpid())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("gateway stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
