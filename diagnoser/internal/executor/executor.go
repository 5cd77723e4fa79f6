// Package executor defines the plugin interface for diagnostic probes.
//
// # Design Principles
//
// 1. Interface Segregation: a probe only knows how to perform one network operation
// 2. Total Containment: probes return (payload, error); the Runner is the single
//    place that turns every error, timeout and panic into a classified Failure
// 3. Independence: probes share no mutable state and never see each other's results
// 4. Graceful Degradation: missing credentials or databases fail the probe, not startup
//
// # Adding New Executors
//
// To add a new probe type:
//
//  1. Create a new file (e.g., dns.go) implementing the Executor interface
//  2. Return a payload struct marshaled with MarshalPayload
//  3. Register a Probe binding the executor to a name and timeout
//
// Example:
//
//	type DNSExecutor struct { /* ... */ }
//	func (e *DNSExecutor) Type() string { return "dns_lookup" }
//	func (e *DNSExecutor) Kind() Kind { return KindExternalLatency }
//	func (e *DNSExecutor) Execute(ctx, target) (json.RawMessage, error) { /* ... */ }
//
//	// At startup:
//	registry.Register(Probe{Name: "dns", Timeout: 2 * time.Second, Executor: &DNSExecutor{}})
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind classifies what a probe measures and which record fields it feeds.
type Kind string

const (
	KindConnectivityRTT  Kind = "CONNECTIVITY_RTT"
	KindExternalLatency  Kind = "EXTERNAL_LATENCY"
	KindReputationLookup Kind = "REPUTATION_LOOKUP"
)

// DefaultTimeout applies to probes registered without a timeout.
const DefaultTimeout = 4 * time.Second

// Executor is the interface all probe types implement.
type Executor interface {
	// Type returns the unique identifier for this executor (e.g., "websocket_rtt")
	Type() string

	// Kind returns the measurement this executor produces
	Kind() Kind

	// Execute performs exactly one network operation and returns its payload.
	// Implementations honor ctx but must not assume the Runner waits for them.
	Execute(ctx context.Context, target Target) (json.RawMessage, error)
}

// ReputationExecutor is an executor that owns a fixed set of reputation fields.
type ReputationExecutor interface {
	Executor

	// Fields lists the record fields this executor may populate.
	Fields() []string
}

// Target is the endpoint and subject of a single probe execution.
type Target struct {
	Endpoint string `json:"endpoint"`
	Subject  string `json:"subject,omitempty"` // client IP for reputation lookups
}

// Spec is the immutable description of one probe execution.
type Spec struct {
	Name    string        `json:"name"`
	Kind    Kind          `json:"kind"`
	Timeout time.Duration `json:"timeout"`
	Target  Target        `json:"target"`
}

// Probe binds an executor to its configured name, endpoint and timeout.
type Probe struct {
	Name     string
	Endpoint string
	Timeout  time.Duration
	Executor Executor
}

// Spec builds the spec for one execution against the given subject.
func (p Probe) Spec(subject string) Spec {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Spec{
		Name:    p.Name,
		Kind:    p.Executor.Kind(),
		Timeout: timeout,
		Target: Target{
			Endpoint: p.Endpoint,
			Subject:  subject,
		},
	}
}

// =============================================================================
// PAYLOADS
// =============================================================================

// LatencyPayload is produced by connectivity and external-latency probes.
type LatencyPayload struct {
	Latency    time.Duration `json:"latency"`
	Strategy   string        `json:"strategy,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	PublicIP   string        `json:"public_ip,omitempty"`
}

// ReputationPayload is produced by reputation probes.
type ReputationPayload struct {
	Fields map[string]string `json:"fields"`

	// Proxy is nil when the source gives no proxy verdict.
	Proxy  *bool `json:"proxy,omitempty"`
	Cached bool  `json:"cached,omitempty"`
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the probe set in registration order.
type Registry struct {
	probes []Probe
	byName map[string]int
	mu     sync.RWMutex
}

// NewRegistry creates a new probe registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
	}
}

// Register adds a probe to the registry.
// Returns an error for unnamed probes, nil executors, or duplicate names.
func (r *Registry) Register(p Probe) error {
	if p.Name == "" {
		return errors.New("probe name is required")
	}
	if p.Executor == nil {
		return fmt.Errorf("probe %s has no executor", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name]; exists {
		return fmt.Errorf("probe already registered: %s", p.Name)
	}
	if p.Executor.Kind() == KindReputationLookup {
		if _, ok := p.Executor.(ReputationExecutor); !ok {
			return fmt.Errorf("probe %s: reputation executor %s does not declare its fields", p.Name, p.Executor.Type())
		}
	}

	r.byName[p.Name] = len(r.probes)
	r.probes = append(r.probes, p)
	return nil
}

// Get returns a probe by name.
func (r *Registry) Get(name string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Probe{}, false
	}
	return r.probes[i], true
}

// Probes returns a copy of the probe set in registration order.
func (r *Registry) Probes() []Probe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Probe, len(r.probes))
	copy(out, r.probes)
	return out
}

// List returns all registered probe names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.probes))
	for i, p := range r.probes {
		names[i] = p.Name
	}
	return names
}

// FieldOwners maps every reputation field to the probe that owns it.
// Returns an error when two probes claim the same field.
func (r *Registry) FieldOwners() (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := make(map[string]string)
	for _, p := range r.probes {
		rep, ok := p.Executor.(ReputationExecutor)
		if !ok || p.Executor.Kind() != KindReputationLookup {
			continue
		}
		fields := append([]string(nil), rep.Fields()...)
		sort.Strings(fields)
		for _, f := range fields {
			if prev, taken := owners[f]; taken {
				return nil, fmt.Errorf("reputation field %q claimed by both %s and %s", f, prev, p.Name)
			}
			owners[f] = p.Name
		}
	}
	return owners, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// MarshalPayload converts a typed payload to json.RawMessage.
// Use this to build executor return values from payload structs.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// This shouldn't happen with our types, but fallback to empty object
		return json.RawMessage(`{}`)
	}
	return data
}

// UnmarshalPayload extracts a typed payload from json.RawMessage.
func UnmarshalPayload[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
