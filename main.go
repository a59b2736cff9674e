package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ephemera/server/internal/auth"
	"ephemera/server/internal/clock"
	"ephemera/server/internal/config"
	"ephemera/server/internal/core"
	"ephemera/server/internal/httpapi"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. Dev builds always log at
// debug level.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// serve runs the relay until an interrupt arrives.
func serve(cfg config.Config) error {
	setupLogging(cfg.Debug)
	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "public_room", cfg.PublicRoomID)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	clk := clock.Real()
	relay, err := core.New(cfg, clk, reg)
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	admins := auth.New(clk, cfg.AdminPassword, cfg.AdminSecret, cfg.AdminTokenTTL)
	if !admins.Enabled() {
		slog.Warn("admin password not set, admin api disabled")
	}
	relay.OnTick(func() {
		if n := admins.Sweep(); n > 0 {
			slog.Debug("expired admin tokens swept", "count", n)
		}
	})

	server := httpapi.New(cfg, relay, admins, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go relay.Run(ctx, cfg.SampleInterval)
	go RunStatsLog(ctx, relay, statsLogInterval)

	slog.Info("listening", "addr", cfg.Addr)
	if err := server.Run(ctx, cfg.Addr); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("server stopped")
	return nil
}
