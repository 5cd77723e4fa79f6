// Package config handles diagnoser configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (NETDIAG_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  listen: ":8080"
//	  trusted_proxies: ["10.0.0.0/8"]
//
//	connectivity:
//	  strategy: websocket
//	  endpoint: wss://echo.websocket.events/
//	  timeout: 4s
//
//	external_latency:
//	  url: https://api.ipify.org?format=json
//	  timeout: 4s
//
//	reputation:
//	  providers:
//	    - name: iphub
//	      url: https://v2.api.iphub.info/ip/{ip}
//	      api_key: op://netdiag/iphub/credential
//	      key_header: X-Key
//	      fields:
//	        country: countryCode
//	        isp: isp
//	      proxy:
//	        path: block
//	        values: ["1"]
//	  geoip:
//	    enabled: true
//	    country_db: /usr/share/GeoIP/GeoLite2-Country.mmdb
//
//	cache:
//	  redis_url: redis://localhost:6379/0
//	  hash_key: op://netdiag/cache/credential
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pilot-net/netdiag/diagnoser/internal/executor"
	"github.com/pilot-net/netdiag/diagnoser/internal/secrets"
	"gopkg.in/yaml.v3"
)

// Config is the complete diagnoser configuration.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Connectivity    ConnectivityConfig    `yaml:"connectivity"`
	ExternalLatency ExternalLatencyConfig `yaml:"external_latency"`
	Reputation      ReputationConfig      `yaml:"reputation"`
	Cache           CacheConfig           `yaml:"cache"`
	Secrets         secrets.Config        `yaml:"secrets"`
}

// ServerConfig defines the inbound HTTP server.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// Client IP resolution. The header is honored only when the direct peer
	// is in TrustedProxies, and is read right to left past trusted hops. An
	// empty list trusts no one.
	TrustedProxyHeader string   `yaml:"trusted_proxy_header"`
	TrustedProxies     []string `yaml:"trusted_proxies,omitempty"`

	// CORS
	AllowedOrigin string `yaml:"allowed_origin"`

	// Timeouts
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// ConnectivityConfig defines the round-trip probe.
type ConnectivityConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Strategy string        `yaml:"strategy"` // websocket or tcp
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ExternalLatencyConfig defines the IP-echo latency probe.
type ExternalLatencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ReputationConfig defines the reputation probes.
type ReputationConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	GeoIP     GeoIPConfig      `yaml:"geoip"`
}

// ProviderConfig defines one HTTP JSON reputation provider.
type ProviderConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"` // may contain {ip} and {key}

	// APIKey is a secret reference: literal, env:NAME, file:PATH, or op://vault/item/field
	APIKey    string `yaml:"api_key"`
	KeyHeader string `yaml:"key_header,omitempty"`

	Fields map[string]string            `yaml:"fields"`
	Flags  map[string]executor.FlagRule `yaml:"flags,omitempty"`
	Proxy  *executor.FlagRule           `yaml:"proxy,omitempty"`

	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CacheTTL          time.Duration `yaml:"cache_ttl"` // 0 disables caching
}

// GeoIPConfig defines the offline MaxMind lookup.
type GeoIPConfig struct {
	Enabled     bool          `yaml:"enabled"`
	CountryDB   string        `yaml:"country_db,omitempty"`
	ASNDB       string        `yaml:"asn_db,omitempty"`
	AnonymousDB string        `yaml:"anonymous_db,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
}

// CacheConfig defines the reputation cache. An empty URL disables caching.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url"`

	// HashKey keys the client IP hash in cache keys. Secret reference, like
	// provider API keys. Replicas sharing Redis must share it.
	HashKey string `yaml:"hash_key"`
}

// IPHubProvider returns the built-in iphub.info provider definition.
// block=1 marks non-residential or proxy addresses, block=0 residential ones.
func IPHubProvider() ProviderConfig {
	return ProviderConfig{
		Name:      "iphub",
		URL:       "https://v2.api.iphub.info/ip/{ip}",
		KeyHeader: "X-Key",
		Fields: map[string]string{
			"country":  "countryCode",
			"hostname": "hostname",
			"isp":      "isp",
			"asn":      "asn",
		},
		Flags: map[string]executor.FlagRule{
			"residential": {Path: "block", Values: []string{"0"}},
		},
		Proxy:             &executor.FlagRule{Path: "block", Values: []string{"1"}},
		Timeout:           DefaultProbeTimeout,
		RequestsPerMinute: DefaultProviderRateLimit,
		CacheTTL:          DefaultReputationCacheTTL,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:             DefaultListen,
			TrustedProxyHeader: DefaultTrustedProxyHeader,
			AllowedOrigin:      "*",
			ReadHeaderTimeout:  DefaultReadHeaderTimeout,
			WriteTimeout:       DefaultWriteTimeout,
			ShutdownTimeout:    DefaultShutdownTimeout,
		},
		Connectivity: ConnectivityConfig{
			Enabled:  true,
			Strategy: StrategyWebSocket,
			Endpoint: DefaultEchoEndpoint,
			Timeout:  DefaultProbeTimeout,
		},
		ExternalLatency: ExternalLatencyConfig{
			Enabled: true,
			URL:     DefaultIPEchoURL,
			Timeout: DefaultProbeTimeout,
		},
		Reputation: ReputationConfig{
			Providers: []ProviderConfig{IPHubProvider()},
			GeoIP: GeoIPConfig{
				Timeout: DefaultProbeTimeout,
			},
		},
		Secrets: secrets.Config{
			Backend: "auto",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.fillDefaults()

	return cfg, nil
}

// UnmarshalYAML decodes a provider over its defaults. YAML lists replace the
// default provider list wholesale, so an absent cache_ttl means the default
// while an explicit 0 disables caching for the provider.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ProviderConfig
	decoded := plain{
		Timeout:  DefaultProbeTimeout,
		CacheTTL: DefaultReputationCacheTTL,
	}
	if err := value.Decode(&decoded); err != nil {
		return err
	}
	*p = ProviderConfig(decoded)
	return nil
}

// fillDefaults replaces zero values that have no "disabled" meaning.
func (c *Config) fillDefaults() {
	for i := range c.Reputation.Providers {
		p := &c.Reputation.Providers[i]
		if p.Timeout == 0 {
			p.Timeout = DefaultProbeTimeout
		}
	}
	if c.Reputation.GeoIP.Timeout == 0 {
		c.Reputation.GeoIP.Timeout = DefaultProbeTimeout
	}
	if c.Server.TrustedProxyHeader == "" {
		c.Server.TrustedProxyHeader = DefaultTrustedProxyHeader
	}
}

// DiscoverGeoIP fills empty GeoIP database paths from the usual GeoLite2
// install locations when GeoIP is enabled without explicit paths.
func (c *Config) DiscoverGeoIP(exists func(string) bool) {
	g := &c.Reputation.GeoIP
	if !g.Enabled || g.CountryDB != "" || g.ASNDB != "" || g.AnonymousDB != "" {
		return
	}
	g.CountryDB = executor.FirstExisting(executor.DefaultCountryDBPaths, exists)
	g.ASNDB = executor.FirstExisting(executor.DefaultASNDBPaths, exists)
}

var providerNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	for _, p := range c.Server.TrustedProxies {
		if _, err := ParseTrustedProxy(p); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
		}
	}

	if c.Connectivity.Enabled {
		switch c.Connectivity.Strategy {
		case StrategyWebSocket, StrategyTCP:
		default:
			errs = append(errs, fmt.Errorf("connectivity.strategy must be %q or %q, got %q",
				StrategyWebSocket, StrategyTCP, c.Connectivity.Strategy))
		}
		if c.Connectivity.Endpoint == "" {
			errs = append(errs, errors.New("connectivity.endpoint is required"))
		}
		errs = append(errs, checkTimeout("connectivity.timeout", c.Connectivity.Timeout))
	}

	if c.ExternalLatency.Enabled {
		errs = append(errs, checkHTTPURL("external_latency.url", c.ExternalLatency.URL))
		errs = append(errs, checkTimeout("external_latency.timeout", c.ExternalLatency.Timeout))
	}

	seen := make(map[string]bool)
	for i, p := range c.Reputation.Providers {
		prefix := fmt.Sprintf("reputation.providers[%d]", i)
		if !providerNameRE.MatchString(p.Name) {
			errs = append(errs, fmt.Errorf("%s.name %q must match %s", prefix, p.Name, providerNameRE))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is duplicated", prefix, p.Name))
		}
		seen[p.Name] = true

		errs = append(errs, checkHTTPURL(prefix+".url", strings.NewReplacer("{ip}", "0.0.0.0", "{key}", "k").Replace(p.URL)))
		errs = append(errs, checkTimeout(prefix+".timeout", p.Timeout))
		if len(p.Fields) == 0 && len(p.Flags) == 0 && p.Proxy == nil {
			errs = append(errs, fmt.Errorf("%s declares no fields, flags, or proxy rule", prefix))
		}
		if p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("%s.requests_per_minute must not be negative", prefix))
		}
		if p.CacheTTL < 0 {
			errs = append(errs, fmt.Errorf("%s.cache_ttl must not be negative", prefix))
		}
	}

	if g := c.Reputation.GeoIP; g.Enabled {
		if g.CountryDB == "" && g.ASNDB == "" && g.AnonymousDB == "" {
			errs = append(errs, errors.New("reputation.geoip is enabled but no database path is set"))
		}
		errs = append(errs, checkTimeout("reputation.geoip.timeout", g.Timeout))
	}

	switch c.Secrets.Backend {
	case "", "auto", "env", "1password":
	default:
		errs = append(errs, fmt.Errorf("secrets.backend %q is not one of auto, env, 1password", c.Secrets.Backend))
	}

	return errors.Join(errs...)
}

func checkTimeout(name string, d time.Duration) error {
	if d <= 0 || d > MaxProbeTimeout {
		return fmt.Errorf("%s must be in (0, %s], got %s", name, MaxProbeTimeout, d)
	}
	return nil
}

func checkHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	return nil
}

// ParseTrustedProxy accepts a CIDR or a single address.
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use NETDIAG_ prefix:
// - NETDIAG_LISTEN
// - NETDIAG_TRUSTED_PROXIES (comma-separated CIDRs or addresses)
// - NETDIAG_CONNECTIVITY_STRATEGY, NETDIAG_CONNECTIVITY_ENDPOINT, NETDIAG_CONNECTIVITY_TIMEOUT
// - NETDIAG_EXTERNAL_LATENCY_URL (EXTERNAL_IP_MEASUREMENT_URL is also accepted), NETDIAG_EXTERNAL_LATENCY_TIMEOUT
// - NETDIAG_<PROVIDER>_API_KEY (e.g., NETDIAG_IPHUB_API_KEY)
// - NETDIAG_GEOIP_COUNTRY_DB, NETDIAG_GEOIP_ASN_DB, NETDIAG_GEOIP_ANONYMOUS_DB
// - NETDIAG_REDIS_URL, NETDIAG_CACHE_HASH_KEY
// - NETDIAG_SECRETS_BACKEND, OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID
//
// Returns an error for unparsable durations.
func (c *Config) ApplyEnvOverrides() error {
	var errs []error

	if v := os.Getenv("NETDIAG_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("NETDIAG_TRUSTED_PROXIES"); v != "" {
		c.Server.TrustedProxies = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Server.TrustedProxies = append(c.Server.TrustedProxies, p)
			}
		}
	}

	if v := os.Getenv("NETDIAG_CONNECTIVITY_STRATEGY"); v != "" {
		c.Connectivity.Strategy = v
	}
	if v := os.Getenv("NETDIAG_CONNECTIVITY_ENDPOINT"); v != "" {
		c.Connectivity.Endpoint = v
	}
	errs = append(errs, envDuration("NETDIAG_CONNECTIVITY_TIMEOUT", &c.Connectivity.Timeout))

	if v := os.Getenv("EXTERNAL_IP_MEASUREMENT_URL"); v != "" {
		c.ExternalLatency.URL = v
	}
	if v := os.Getenv("NETDIAG_EXTERNAL_LATENCY_URL"); v != "" {
		c.ExternalLatency.URL = v
	}
	errs = append(errs, envDuration("NETDIAG_EXTERNAL_LATENCY_TIMEOUT", &c.ExternalLatency.Timeout))

	for i := range c.Reputation.Providers {
		p := &c.Reputation.Providers[i]
		if v := os.Getenv("NETDIAG_" + strings.ToUpper(p.Name) + "_API_KEY"); v != "" {
			p.APIKey = v
		}
	}

	geo := &c.Reputation.GeoIP
	if v := os.Getenv("NETDIAG_GEOIP_COUNTRY_DB"); v != "" {
		geo.CountryDB, geo.Enabled = v, true
	}
	if v := os.Getenv("NETDIAG_GEOIP_ASN_DB"); v != "" {
		geo.ASNDB, geo.Enabled = v, true
	}
	if v := os.Getenv("NETDIAG_GEOIP_ANONYMOUS_DB"); v != "" {
		geo.AnonymousDB, geo.Enabled = v, true
	}

	if v := os.Getenv("NETDIAG_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("NETDIAG_CACHE_HASH_KEY"); v != "" {
		c.Cache.HashKey = v
	}

	env := secrets.ConfigFromEnv()
	if os.Getenv("NETDIAG_SECRETS_BACKEND") != "" {
		c.Secrets.Backend = env.Backend
	}
	if env.Host != "" {
		c.Secrets.Host = env.Host
	}
	if env.Token != "" {
		c.Secrets.Token = env.Token
	}
	if env.Vault != "" {
		c.Secrets.Vault = env.Vault
	}

	return errors.Join(errs...)
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
