// Command diagnoser serves per-client network diagnostics.
//
// # Usage
//
//	diagnoser --listen :8080
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (NETDIAG_*)
// - Config file (--config)
//
// # Examples
//
// Run with a config file:
//
//	diagnoser --config /etc/netdiag/diagnoser.yaml
//
// Run with environment variables:
//
//	NETDIAG_IPHUB_API_KEY=op://netdiag/iphub/credential \
//	OP_CONNECT_HOST=http://op-connect:8080 \
//	OP_CONNECT_TOKEN=... \
//	diagnoser
//
// Drop cached reputation lookups for one provider and exit:
//
//	diagnoser --config /etc/netdiag/diagnoser.yaml --purge-cache iphub
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/netdiag/diagnoser"
	"github.com/pilot-net/netdiag/diagnoser/internal/config"
)

func main() {
	// Parse flags
	var (
		configFile = flag.String("config", "", "Path to config file")
		listen     = flag.String("listen", "", "Listen address (e.g., :8080)")
		strategy   = flag.String("strategy", "", "Connectivity strategy (websocket or tcp)")
		redisURL   = flag.String("redis", "", "Redis URL for the reputation cache")
		purge      = flag.String("purge-cache", "", "Purge cached lookups for a provider (\"all\" for every provider) and exit")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("netdiag-diagnoser %s\n", diagnoser.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()

	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment override", "error", err)
		os.Exit(1)
	}

	// Apply flag overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *strategy != "" {
		cfg.Connectivity.Strategy = *strategy
	}
	if *redisURL != "" {
		cfg.Cache.RedisURL = *redisURL
	}

	cfg.DiscoverGeoIP(fileExists)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := diagnoser.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create diagnoser", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	if *purge != "" {
		provider := *purge
		if provider == "all" {
			provider = ""
		}
		n, err := d.PurgeCache(ctx, provider)
		if err != nil {
			logger.Error("cache purge failed", "error", err)
			d.Close()
			os.Exit(1)
		}
		logger.Info("cache purged", "provider", *purge, "removed", n)
		return
	}

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("diagnoser exited with error", "error", err)
		d.Close()
		os.Exit(1)
	}

	logger.Info("diagnoser shutdown complete")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
