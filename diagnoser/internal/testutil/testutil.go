// Package testutil provides testing utilities and fixtures for the diagnoser.
//
// This package contains:
//   - Test helper functions (loggers, upstream servers)
//   - Fixture factories for request contexts and diagnostic records
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	req := testutil.FixtureRequest()
//	req := testutil.FixtureRequest(func(r *types.RequestContext) {
//		r.ClientIP = "198.51.100.7"
//	})
//
// Upstream servers close themselves through t.Cleanup:
//
//	echo := testutil.NewEchoServer(t, testutil.EchoOptions{Greeting: "hello"})
//	exec.Execute(ctx, executor.Target{Endpoint: echo.URL})
package testutil

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pilot-net/netdiag/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// UPSTREAM SERVERS
// =============================================================================

// EchoOptions configures a websocket echo server.
type EchoOptions struct {
	Greeting string        // sent once before echoing
	Delay    time.Duration // applied before each echo
	Silent   bool          // accept the upgrade but never answer
	Mangle   bool          // echo a different payload than received
}

// EchoServer is a websocket echo endpoint.
type EchoServer struct {
	*httptest.Server

	// URL is the ws:// address of the server
	URL string
}

// NewEchoServer starts a websocket echo server closed at test cleanup.
func NewEchoServer(t testing.TB, opts EchoOptions) *EchoServer {
	t.Helper()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if opts.Greeting != "" {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(opts.Greeting)); err != nil {
				return
			}
		}

		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if opts.Silent {
				continue
			}
			if opts.Delay > 0 {
				time.Sleep(opts.Delay)
			}
			if opts.Mangle {
				msg = append([]byte("not-"), msg...)
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return &EchoServer{
		Server: srv,
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// NewHTTPServer starts a server that answers every request with status and
// body after delay. It is closed at test cleanup.
func NewHTTPServer(t testing.TB, status int, body string, delay time.Duration) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if strings.HasPrefix(strings.TrimSpace(body), "{") {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ClosedURL returns an http URL on which nothing is listening.
func ClosedURL(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// =============================================================================
// FIXTURES
// =============================================================================

// FixtureRequest creates a request context for a direct (unproxied) client.
func FixtureRequest(overrides ...func(*types.RequestContext)) types.RequestContext {
	req := types.RequestContext{
		ClientIP: "203.0.113.10",
		Headers: map[string][]string{
			"User-Agent": {"netdiag-test"},
		},
	}

	for _, override := range overrides {
		override(&req)
	}

	return req
}

// FixtureForwardedRequest creates a request context carrying X-Forwarded-For.
func FixtureForwardedRequest(overrides ...func(*types.RequestContext)) types.RequestContext {
	return FixtureRequest(append([]func(*types.RequestContext){
		func(r *types.RequestContext) {
			r.Headers["X-Forwarded-For"] = []string{r.ClientIP + ", 10.0.0.1"}
		},
	}, overrides...)...)
}

// FixtureRecord creates a fully populated diagnostic record.
func FixtureRecord(overrides ...func(*types.DiagnosticRecord)) types.DiagnosticRecord {
	rec := types.DiagnosticRecord{
		ID:                   "00000000-0000-0000-0000-000000000001",
		ClientIP:             "203.0.113.10",
		GeneratedAt:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ServerProcessingTime: types.LatencyOf(1500 * time.Microsecond),
		ExternalLatency:      types.LatencyOf(45 * time.Millisecond),
		RoundTripTime:        types.LatencyOf(12 * time.Millisecond),
		PublicIP:             types.FieldOf("198.51.100.1"),
		Reputation: map[string]types.Field{
			"country": types.FieldOf("US"),
		},
		Probes: []types.ProbeStatus{
			{Name: "connectivity", Kind: "CONNECTIVITY_RTT", OK: true, ElapsedMs: 12},
			{Name: "external_latency", Kind: "EXTERNAL_LATENCY", OK: true, ElapsedMs: 45},
		},
	}

	for _, override := range overrides {
		override(&rec)
	}

	return rec
}

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
