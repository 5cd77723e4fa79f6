// Package executor - connectivity round-trip executors.
//
// # Strategies
//
// websocket (default): dial the echo endpoint, send a unique payload and wait
// until the same payload comes back. The measured time covers DNS, TCP, TLS,
// the upgrade handshake and one application-level round trip, so it validates
// the full stack. Public echo services often send a greeting frame first;
// frames that do not match the payload are skipped.
//
// tcp: time to an established TCP connection. Lower variance, but only
// proves the handshake.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxEchoFrames bounds how many non-matching frames we skip while waiting for the echo.
const maxEchoFrames = 8

// WebSocketRTTExecutor measures an application-level round trip to a websocket echo service.
type WebSocketRTTExecutor struct {
	// Dialer is used for the connection. Default: websocket.DefaultDialer settings
	Dialer *websocket.Dialer

	// Header is sent with the upgrade request (optional)
	Header http.Header
}

// NewWebSocketRTTExecutor creates a websocket echo executor with sensible defaults.
func NewWebSocketRTTExecutor() *WebSocketRTTExecutor {
	return &WebSocketRTTExecutor{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
		},
	}
}

// Type returns the executor type identifier.
func (e *WebSocketRTTExecutor) Type() string {
	return "websocket_rtt"
}

// Kind returns the measurement this executor produces.
func (e *WebSocketRTTExecutor) Kind() Kind {
	return KindConnectivityRTT
}

// Execute dials target.Endpoint, sends a nonce and waits for it to be echoed.
func (e *WebSocketRTTExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	dialer := e.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, target.Endpoint, e.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", target.Endpoint, err)
	}
	defer conn.Close()

	// Reads do not observe ctx; closing the conn unblocks them.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	nonce := "netdiag-" + uuid.NewString()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(nonce)); err != nil {
		return nil, e.ioError(ctx, "send", err)
	}

	for i := 0; i < maxEchoFrames; i++ {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, e.ioError(ctx, "receive", err)
		}
		if string(msg) == nonce {
			return MarshalPayload(LatencyPayload{
				Latency:  time.Since(start),
				Strategy: "websocket",
			}), nil
		}
	}
	return nil, Malformed("echo of probe payload not received within %d frames", maxEchoFrames)
}

func (e *WebSocketRTTExecutor) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("websocket %s: %w", op, err)
}

// TCPConnectExecutor measures time to an established TCP connection.
type TCPConnectExecutor struct {
	// Dialer is used for the connection (optional)
	Dialer *net.Dialer

	// DefaultPort is used when the endpoint has no port. Default: "443"
	DefaultPort string
}

// NewTCPConnectExecutor creates a TCP connect executor with sensible defaults.
func NewTCPConnectExecutor() *TCPConnectExecutor {
	return &TCPConnectExecutor{
		Dialer:      &net.Dialer{},
		DefaultPort: "443",
	}
}

// Type returns the executor type identifier.
func (e *TCPConnectExecutor) Type() string {
	return "tcp_connect"
}

// Kind returns the measurement this executor produces.
func (e *TCPConnectExecutor) Kind() Kind {
	return KindConnectivityRTT
}

// Execute dials target.Endpoint and reports the time to connect.
func (e *TCPConnectExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	address, err := e.address(target.Endpoint)
	if err != nil {
		return nil, err
	}

	dialer := e.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	rtt := time.Since(start)
	_ = conn.Close()

	return MarshalPayload(LatencyPayload{
		Latency:  rtt,
		Strategy: "tcp",
	}), nil
}

// address accepts host, host:port, or a ws/wss/http/https URL.
func (e *TCPConnectExecutor) address(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", Unexpected("tcp_connect endpoint is empty")
	}

	port := e.DefaultPort
	if port == "" {
		port = "443"
	}
	if scheme, rest, ok := strings.Cut(endpoint, "://"); ok {
		switch scheme {
		case "ws", "http":
			port = "80"
		}
		endpoint, _, _ = strings.Cut(rest, "/")
	}

	if _, _, err := net.SplitHostPort(endpoint); err == nil {
		return endpoint, nil
	}
	return net.JoinHostPort(strings.Trim(endpoint, "[]"), port), nil
}
