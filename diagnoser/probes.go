package diagnoser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pilot-net/netdiag/diagnoser/internal/config"
	"github.com/pilot-net/netdiag/diagnoser/internal/executor"
	"github.com/pilot-net/netdiag/diagnoser/internal/secrets"
)

// Probe names for the built-in probes. Reputation providers use their own names.
const (
	ProbeConnectivity    = "connectivity"
	ProbeExternalLatency = "external_latency"
	ProbeGeoIP           = "geoip"
)

const secretResolveTimeout = 10 * time.Second

// buildRegistry assembles the probe set from configuration. cache may be nil.
// Provider keys that cannot be resolved are logged and left empty; those
// providers then fail every lookup instead of blocking startup.
func buildRegistry(ctx context.Context, cfg *config.Config, resolver secrets.Resolver, cache executor.ReputationCache, logger *slog.Logger) (*executor.Registry, []*executor.GeoIPExecutor, error) {
	registry := executor.NewRegistry()
	var geo []*executor.GeoIPExecutor

	if c := cfg.Connectivity; c.Enabled {
		var exec executor.Executor = executor.NewWebSocketRTTExecutor()
		if c.Strategy == config.StrategyTCP {
			exec = executor.NewTCPConnectExecutor()
		}
		if err := registry.Register(executor.Probe{
			Name:     ProbeConnectivity,
			Endpoint: c.Endpoint,
			Timeout:  c.Timeout,
			Executor: exec,
		}); err != nil {
			return nil, nil, err
		}
	}

	if c := cfg.ExternalLatency; c.Enabled {
		if err := registry.Register(executor.Probe{
			Name:     ProbeExternalLatency,
			Endpoint: c.URL,
			Timeout:  c.Timeout,
			Executor: executor.NewHTTPLatencyExecutor(&http.Client{}),
		}); err != nil {
			return nil, nil, err
		}
	}

	for _, p := range cfg.Reputation.Providers {
		key := resolveKey(ctx, resolver, p, logger)

		var exec executor.ReputationExecutor = executor.NewHTTPReputationExecutor(executor.HTTPReputationConfig{
			Name:              p.Name,
			URL:               p.URL,
			APIKey:            key,
			KeyHeader:         p.KeyHeader,
			Fields:            p.Fields,
			Flags:             p.Flags,
			Proxy:             p.Proxy,
			RequestsPerMinute: p.RequestsPerMinute,
		})
		if cache != nil && p.CacheTTL > 0 {
			exec = executor.NewCachedExecutor(exec, cache, p.Name, p.CacheTTL, logger)
		}

		if err := registry.Register(executor.Probe{
			Name:     p.Name,
			Timeout:  p.Timeout,
			Executor: exec,
		}); err != nil {
			return nil, nil, err
		}
	}

	if g := cfg.Reputation.GeoIP; g.Enabled {
		exec := executor.NewGeoIPExecutor(executor.GeoIPConfig{
			CountryDB:   g.CountryDB,
			ASNDB:       g.ASNDB,
			AnonymousDB: g.AnonymousDB,
		})
		if err := registry.Register(executor.Probe{
			Name:     ProbeGeoIP,
			Timeout:  g.Timeout,
			Executor: exec,
		}); err != nil {
			return nil, nil, err
		}
		geo = append(geo, exec)
	}

	if len(registry.List()) == 0 {
		return nil, nil, fmt.Errorf("no probes enabled")
	}
	return registry, geo, nil
}

func resolveKey(ctx context.Context, resolver secrets.Resolver, p config.ProviderConfig, logger *slog.Logger) string {
	if p.APIKey == "" {
		logger.Warn("reputation provider has no API key; lookups will fail", "provider", p.Name)
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, secretResolveTimeout)
	defer cancel()

	key, err := resolver.Resolve(ctx, p.APIKey)
	if err != nil {
		logger.Warn("resolving API key failed; lookups will fail", "provider", p.Name, "error", err)
		return ""
	}
	if executor.IsPlaceholderKey(key) {
		logger.Warn("reputation provider API key is a placeholder; lookups will fail", "provider", p.Name)
	}
	return key
}

// resolveHashKey returns the cache hash key, or nil to let the cache pick a
// random one.
func resolveHashKey(ctx context.Context, resolver secrets.Resolver, ref string, logger *slog.Logger) []byte {
	if ref == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, secretResolveTimeout)
	defer cancel()

	key, err := resolver.Resolve(ctx, ref)
	if err != nil {
		logger.Warn("resolving cache hash key failed, using a random key", "error", err)
		return nil
	}
	return []byte(key)
}
