package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// FlagRule derives a boolean from a JSON value: true when the value at Path
// equals one of Values, false when it is present but does not match.
type FlagRule struct {
	Path   string   `yaml:"path" json:"path"`
	Values []string `yaml:"values" json:"values"`
}

// HTTPReputationConfig describes one HTTP JSON reputation provider.
type HTTPReputationConfig struct {
	Name string // Provider name, used in errors

	// URL may contain {ip} and {key} placeholders
	URL string

	// APIKey is the resolved credential. Empty or placeholder values fail every lookup.
	APIKey string

	// KeyHeader sends APIKey in this header when set (e.g., "X-Key")
	KeyHeader string

	// Fields maps record field name to a dotted JSON path in the response
	Fields map[string]string

	// Flags maps record field name to a derived boolean ("true"/"false")
	Flags map[string]FlagRule

	// Proxy is the rule for this provider's proxy verdict (optional)
	Proxy *FlagRule

	// RequestsPerMinute limits outbound calls (0 = unlimited)
	RequestsPerMinute int

	Client *http.Client
}

// HTTPReputationExecutor looks up the client IP against an HTTP JSON reputation API.
type HTTPReputationExecutor struct {
	cfg     HTTPReputationConfig
	client  *http.Client
	limiter *rate.Limiter
	fields  []string
}

// NewHTTPReputationExecutor creates a reputation executor for one provider.
func NewHTTPReputationExecutor(cfg HTTPReputationConfig) *HTTPReputationExecutor {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	fields := make([]string, 0, len(cfg.Fields)+len(cfg.Flags))
	for name := range cfg.Fields {
		fields = append(fields, name)
	}
	for name := range cfg.Flags {
		if _, dup := cfg.Fields[name]; !dup {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)

	return &HTTPReputationExecutor{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		fields:  fields,
	}
}

// Type returns the executor type identifier.
func (e *HTTPReputationExecutor) Type() string {
	return "http_reputation"
}

// Kind returns the measurement this executor produces.
func (e *HTTPReputationExecutor) Kind() Kind {
	return KindReputationLookup
}

// Fields lists the record fields this provider owns.
func (e *HTTPReputationExecutor) Fields() []string {
	return append([]string(nil), e.fields...)
}

// Execute queries the provider for target.Subject.
func (e *HTTPReputationExecutor) Execute(ctx context.Context, target Target) (json.RawMessage, error) {
	if IsPlaceholderKey(e.cfg.APIKey) {
		return nil, Unexpected("%s: api key not configured", e.cfg.Name)
	}
	ip := net.ParseIP(strings.TrimSpace(target.Subject))
	if ip == nil {
		return nil, Unexpected("%s: invalid subject ip %q", e.cfg.Name, target.Subject)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Wait refuses up front when the reservation would outlive the deadline.
			return nil, &Failure{Kind: FailureTimeout, Detail: fmt.Sprintf("%s: rate limit wait: %v", e.cfg.Name, err)}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.requestURL(ip.String()), nil)
	if err != nil {
		return nil, Unexpected("%s: create request: %v", e.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if e.cfg.KeyHeader != "" {
		req.Header.Set(e.cfg.KeyHeader, e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", e.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Malformed("%s: unexpected status %d", e.cfg.Name, resp.StatusCode)
	}

	payload, err := e.parse(body)
	if err != nil {
		return nil, err
	}
	return MarshalPayload(payload), nil
}

func (e *HTTPReputationExecutor) requestURL(ip string) string {
	return strings.NewReplacer(
		"{ip}", url.PathEscape(ip),
		"{key}", url.QueryEscape(e.cfg.APIKey),
	).Replace(e.cfg.URL)
}

func (e *HTTPReputationExecutor) parse(body []byte) (ReputationPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return ReputationPayload{}, Malformed("%s: decode response: %v", e.cfg.Name, err)
	}

	payload := ReputationPayload{Fields: make(map[string]string)}
	found := false

	for name, path := range e.cfg.Fields {
		if v, ok := lookupPath(doc, path); ok {
			payload.Fields[name] = v
			found = true
		}
	}
	for name, rule := range e.cfg.Flags {
		if match, ok := rule.eval(doc); ok {
			payload.Fields[name] = strconv.FormatBool(match)
			found = true
		}
	}
	if e.cfg.Proxy != nil {
		if match, ok := e.cfg.Proxy.eval(doc); ok {
			payload.Proxy = &match
			found = true
		}
	}

	if !found {
		return ReputationPayload{}, Malformed("%s: response has none of the expected fields", e.cfg.Name)
	}
	return payload, nil
}

func (r FlagRule) eval(doc map[string]any) (match bool, ok bool) {
	v, ok := lookupPath(doc, r.Path)
	if !ok {
		return false, false
	}
	for _, want := range r.Values {
		if strings.EqualFold(v, want) {
			return true, true
		}
	}
	return false, true
}

// lookupPath resolves a dotted path to a scalar and renders it as a string.
func lookupPath(doc map[string]any, path string) (string, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = obj[part]; !ok {
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// IsPlaceholderKey reports whether key is empty or an unfilled template value.
func IsPlaceholderKey(key string) bool {
	k := strings.TrimSpace(key)
	if k == "" {
		return true
	}
	switch strings.ToLower(k) {
	case "changeme", "your_api_key", "your-api-key", "api_key", "xxx", "todo":
		return true
	}
	return strings.HasPrefix(k, "<") || strings.HasPrefix(k, "${")
}

