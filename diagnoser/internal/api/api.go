// Package api provides the HTTP surface of the diagnoser.
//
// # Endpoints
//
//   - GET /                  - Diagnostic page (HTML; ?format=json for JSON)
//   - GET /api/v1/diagnose   - Diagnostic record (JSON)
//   - GET /api/v1/health     - Process health
//
// Diagnostic endpoints always answer 200: probe failures are part of the
// record, not errors.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pilot-net/netdiag/diagnoser/internal/aggregator"
	"github.com/pilot-net/netdiag/pkg/types"
)

// Diagnoser produces a record for one inbound request.
type Diagnoser interface {
	Diagnose(ctx context.Context, req types.RequestContext) types.DiagnosticRecord
	Fields() []string
}

// HealthSource reports process health.
type HealthSource interface {
	GetHealth(ctx context.Context) *types.Health
}

// Config controls client address resolution and CORS.
type Config struct {
	// TrustedProxyHeader is read only when the direct peer is trusted.
	TrustedProxyHeader string

	// TrustedProxies lists peers whose proxy header is believed.
	// Empty trusts no one: the peer address is always the client.
	TrustedProxies []netip.Prefix

	AllowedOrigin string
}

// Server is the HTTP API server.
type Server struct {
	diag   Diagnoser
	health HealthSource
	cfg    Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(diag Diagnoser, health HealthSource, cfg Config, logger *slog.Logger) *Server {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	s := &Server{
		diag:   diag,
		health: health,
		cfg:    cfg,
		logger: logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	requestID := requestID(r)
	w.Header().Set("X-Request-ID", requestID)
	r = r.WithContext(aggregator.WithRequestID(r.Context(), requestID))

	// Log request
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", requestID,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /api/v1/diagnose", s.handleDiagnose)
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rec := s.diagnose(r)

	if r.URL.Query().Get("format") == "json" {
		s.writeJSON(w, http.StatusOK, rec)
		return
	}
	s.writePage(w, rec)
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.diagnose(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.health.GetHealth(r.Context()))
}

func (s *Server) diagnose(r *http.Request) types.DiagnosticRecord {
	req := types.RequestContext{
		ClientIP: s.clientIP(r),
		Headers:  r.Header.Clone(),
	}
	return s.diag.Diagnose(r.Context(), req)
}

// clientIP walks the trusted proxy header from the right, skipping hops that
// are themselves trusted proxies. The first untrusted hop is the client.
// Hops left of it were written by the client and are ignored. A request
// from an untrusted peer resolves to the peer address.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	client := peer.Unmap()

	if s.cfg.TrustedProxyHeader == "" || !s.trusted(client) {
		return client.String()
	}

	hops := forwardedHops(r.Header.Values(s.cfg.TrustedProxyHeader))
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(hops[i])
		if err != nil {
			// Garbage from an untrusted writer; stop at the last good hop.
			break
		}
		client = addr.Unmap()
		if !s.trusted(client) {
			break
		}
	}
	return client.String()
}

// forwardedHops flattens repeated and comma-joined header values, left to right.
func forwardedHops(values []string) []string {
	var hops []string
	for _, v := range values {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// trusted reports whether peer is a configured proxy. An empty list trusts no one.
func (s *Server) trusted(peer netip.Addr) bool {
	for _, p := range s.cfg.TrustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// requestID echoes a sane caller-supplied ID or mints one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" && len(id) <= 128 && isPrintable(id) {
		return id
	}
	return uuid.NewString()
}

func isPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
