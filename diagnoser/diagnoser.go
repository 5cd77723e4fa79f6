// Package diagnoser wires the probe pipeline to the HTTP surface.
//
// # Lifecycle
//
//  1. Load configuration
//  2. Connect the reputation cache (optional; startup continues without it)
//  3. Resolve provider credentials
//  4. Build the probe registry and aggregator
//  5. Serve HTTP until shutdown signal
//  6. Drain in-flight requests and release resources
package diagnoser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"

	"github.com/pilot-net/netdiag/diagnoser/internal/aggregator"
	"github.com/pilot-net/netdiag/diagnoser/internal/api"
	"github.com/pilot-net/netdiag/diagnoser/internal/cache"
	"github.com/pilot-net/netdiag/diagnoser/internal/config"
	"github.com/pilot-net/netdiag/diagnoser/internal/executor"
	"github.com/pilot-net/netdiag/diagnoser/internal/metrics"
	"github.com/pilot-net/netdiag/diagnoser/internal/secrets"
)

// Version is set at build time.
var Version = "dev"

// Diagnoser is the diagnostic server.
type Diagnoser struct {
	cfg        *config.Config
	cache      *cache.Cache // nil when caching is disabled or unreachable
	geo        []*executor.GeoIPExecutor
	aggregator *aggregator.Aggregator
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a diagnoser from a validated configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Diagnoser, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	d := &Diagnoser{
		cfg:    cfg,
		logger: logger,
	}

	resolver, err := secrets.NewResolver(cfg.Secrets, logger)
	if err != nil {
		return nil, fmt.Errorf("creating secrets resolver: %w", err)
	}

	// Cache failures degrade to uncached lookups
	var repCache executor.ReputationCache
	if cfg.Cache.RedisURL != "" {
		c, err := cache.New(cfg.Cache.RedisURL, resolveHashKey(ctx, resolver, cfg.Cache.HashKey, logger), logger)
		if err != nil {
			logger.Warn("reputation cache unavailable, continuing without it", "error", err)
		} else {
			d.cache = c
			repCache = c
			logger.Info("reputation cache connected")
		}
	}

	registry, geo, err := buildRegistry(ctx, cfg, resolver, repCache, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("building probes: %w", err)
	}
	d.geo = geo
	logger.Info("probe registry ready", "probes", registry.List())

	d.aggregator, err = aggregator.New(registry, executor.NewRunner(logger), logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	var pinger metrics.Pinger
	if d.cache != nil {
		pinger = d.cache
	}
	collector := metrics.NewCollector(registry.List(), pinger, config.HealthCacheTTL)

	trusted := make([]netip.Prefix, 0, len(cfg.Server.TrustedProxies))
	for _, p := range cfg.Server.TrustedProxies {
		prefix, err := config.ParseTrustedProxy(p)
		if err != nil {
			d.Close()
			return nil, err
		}
		trusted = append(trusted, prefix)
	}

	d.handler = api.NewServer(d.aggregator, collector, api.Config{
		TrustedProxyHeader: cfg.Server.TrustedProxyHeader,
		TrustedProxies:     trusted,
		AllowedOrigin:      cfg.Server.AllowedOrigin,
	}, logger)

	return d, nil
}

// Handler returns the HTTP handler.
func (d *Diagnoser) Handler() http.Handler {
	return d.handler
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (d *Diagnoser) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled.
func (d *Diagnoser) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: d.cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      d.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	d.logger.Info("starting diagnoser",
		"version", Version,
		"addr", ln.Addr().String(),
		"fields", d.aggregator.Fields())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down", "timeout", d.cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}

// PurgeCache drops cached reputation entries for provider, or for every
// provider when provider is empty.
func (d *Diagnoser) PurgeCache(ctx context.Context, provider string) (int, error) {
	if d.cache == nil {
		return 0, errors.New("reputation cache is not configured")
	}
	return d.cache.Purge(ctx, provider)
}

// Close releases the cache connection and GeoIP databases.
func (d *Diagnoser) Close() error {
	var errs []error
	if d.cache != nil {
		errs = append(errs, d.cache.Close())
	}
	for _, g := range d.geo {
		errs = append(errs, g.Close())
	}
	return errors.Join(errs...)
}
