package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pricebar/internal/app"
)

func main() {
	configPath := flag.String("config", app.DefaultConfigPath, "path to config.yaml")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Proxy self-test before the first poll
	if current := bootstrap.Settings.Get(); current.Proxy.Enabled {
		if !bootstrap.Client.TestConnection(ctx, bootstrap.Config.API.ProbeSymbol) {
			slog.Warn("Proxy connection test failed", slog.String("host", current.Proxy.Host))
		}
	}

	slog.InfoContext(ctx, "✨ PriceBar fully operational. Press Ctrl+C to exit.")

	// 4. Poll until shutdown signal
	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("State feed stopped", slog.Any("error", err))
	}

	slog.Info("👋 Shutting down gracefully...", slog.Any("metrics", bootstrap.Metrics.Snapshot()))
}
