package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBodyBytes caps how much of an upstream response we read.
const maxBodyBytes = 64 << 10

// HTTPLatencyExecutor times a full request/response cycle against an IP-echo endpoint.
type HTTPLatencyExecutor struct {
	Client    *http.Client
	UserAgent string
}

// NewHTTPLatencyExecutor creates an IP-echo latency executor.
func NewHTTPLatencyExecutor(client *http.Client) *HTTPLatencyExecutor {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPLatencyExecutor{
		Client:    client,
		UserAgent: "netdiag/1.0",
	}
}

// Type returns the executor type identifier.
func (e *HTTPLatencyExecutor) Type() string {
	return "http_ip_echo"
}

// Kind returns the measurement this executor produces.
func (e *HTTPLatencyExecutor) Kind() Kind {
	return KindExternalLatency
}

// Execute requests target.Endpoint with a cache-busting parameter.
// Non-2xx statuses and bodies that are not an IP echo are MALFORMED_RESPONSE.
func (e *HTTPLatencyExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	u, err := url.Parse(target.Endpoint)
	if err != nil {
		return nil, Unexpected("invalid endpoint %q: %v", target.Endpoint, err)
	}
	q := u.Query()
	q.Set("rand", strconv.FormatInt(time.Now().UnixNano(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Unexpected("creating request: %v", err)
	}
	if e.UserAgent != "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}

	start := time.Now()
	resp, err := e.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Malformed("unexpected status %d", resp.StatusCode)
	}

	ip, err := parseIPEcho(body)
	if err != nil {
		return nil, err
	}

	return MarshalPayload(LatencyPayload{
		Latency:    elapsed,
		StatusCode: resp.StatusCode,
		PublicIP:   ip,
	}), nil
}

// parseIPEcho accepts {"ip": "..."} or a bare address.
func parseIPEcho(body []byte) (string, error) {
	text := strings.TrimSpace(string(body))
	if ip := net.ParseIP(text); ip != nil {
		return ip.String(), nil
	}

	var doc struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return "", Malformed("ip echo body is neither JSON nor an address: %v", err)
	}
	ip := net.ParseIP(strings.TrimSpace(doc.IP))
	if ip == nil {
		return "", Malformed("ip echo body has no valid \"ip\" field")
	}
	return ip.String(), nil
}
