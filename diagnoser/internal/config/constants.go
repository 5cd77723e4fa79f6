package config

import "time"

// Server defaults.
const (
	// DefaultListen matches the port the diagnostic page has always served on.
	DefaultListen = ":8080"

	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 5 * time.Second

	// DefaultWriteTimeout must exceed MaxProbeTimeout or slow probes would
	// have their responses cut off.
	DefaultWriteTimeout = 45 * time.Second

	// DefaultShutdownTimeout is how long in-flight diagnoses get on SIGTERM.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultTrustedProxyHeader carries the client address behind a proxy.
	DefaultTrustedProxyHeader = "X-Forwarded-For"
)

// Probe defaults.
const (
	// DefaultProbeTimeout applies to every probe without its own timeout.
	DefaultProbeTimeout = 4 * time.Second

	// MaxProbeTimeout caps configured timeouts; a diagnosis never takes longer.
	MaxProbeTimeout = 30 * time.Second

	// DefaultEchoEndpoint is the public websocket echo service.
	DefaultEchoEndpoint = "wss://echo.websocket.events/"

	// DefaultIPEchoURL returns the caller's public IP as JSON.
	DefaultIPEchoURL = "https://api.ipify.org?format=json"
)

// Connectivity strategies.
const (
	StrategyWebSocket = "websocket"
	StrategyTCP       = "tcp"
)

// Reputation defaults.
const (
	// DefaultReputationCacheTTL keeps provider answers for an hour; IP
	// reputation changes slowly and free tiers are metered per day.
	DefaultReputationCacheTTL = time.Hour

	// DefaultProviderRateLimit is requests per minute per provider.
	DefaultProviderRateLimit = 60
)

// Health endpoint.
const (
	// HealthCacheTTL is how long process metrics are reused between requests.
	HealthCacheTTL = 30 * time.Second
)
