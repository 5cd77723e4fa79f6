// Package types defines the domain types shared by the diagnoser and its presenters.
//
// # Design Principles
//
// 1. No nulls: every measured value is either present or explicitly Unavailable.
//    The zero value of Latency and Field is Unavailable, so a field that was never
//    set renders as Unavailable instead of as a missing key.
// 2. Serialization: all types are JSON-serializable for API transport.
// 3. Immutability: a DiagnosticRecord is assembled once and handed out by value.
package types

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Unavailable is the sentinel rendered for any value whose probe did not produce one.
const Unavailable = "Unavailable"

// =============================================================================
// LATENCY
// =============================================================================

// Latency is a non-negative duration or Unavailable.
type Latency struct {
	d  time.Duration
	ok bool
}

// LatencyOf returns an available latency. Negative durations are clamped to zero.
func LatencyOf(d time.Duration) Latency {
	if d < 0 {
		d = 0
	}
	return Latency{d: d, ok: true}
}

// UnavailableLatency returns the Unavailable latency. Equivalent to Latency{}.
func UnavailableLatency() Latency {
	return Latency{}
}

// Available reports whether the latency holds a measurement.
func (l Latency) Available() bool { return l.ok }

// Duration returns the measured duration and whether it is available.
func (l Latency) Duration() (time.Duration, bool) { return l.d, l.ok }

// Milliseconds returns the full-precision value in milliseconds.
// Returns 0 when unavailable; check Available first.
func (l Latency) Milliseconds() float64 {
	if !l.ok {
		return 0
	}
	return float64(l.d) / float64(time.Millisecond)
}

// String renders milliseconds rounded to 2 decimals, or Unavailable.
func (l Latency) String() string {
	if !l.ok {
		return Unavailable
	}
	return strconv.FormatFloat(Round2(l.Milliseconds()), 'f', 2, 64)
}

// MarshalJSON renders a number of milliseconds (2 decimals) or the "Unavailable" string.
func (l Latency) MarshalJSON() ([]byte, error) {
	if !l.ok {
		return json.Marshal(Unavailable)
	}
	return json.Marshal(Round2(l.Milliseconds()))
}

// UnmarshalJSON accepts the forms produced by MarshalJSON.
func (l *Latency) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*l = LatencyOf(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = Latency{}
	return nil
}

// Round2 rounds to two decimal places. Only presenters round; records keep full precision.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// =============================================================================
// FIELD
// =============================================================================

// Field is a reputation value or Unavailable.
type Field struct {
	v  string
	ok bool
}

// FieldOf returns an available field value.
func FieldOf(v string) Field {
	return Field{v: v, ok: true}
}

// Available reports whether the field holds a value.
func (f Field) Available() bool { return f.ok }

// Value returns the value and whether it is available.
func (f Field) Value() (string, bool) { return f.v, f.ok }

// String returns the value or Unavailable.
func (f Field) String() string {
	if !f.ok {
		return Unavailable
	}
	return f.v
}

// MarshalJSON renders the value or "Unavailable".
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON reverses MarshalJSON. The literal string "Unavailable" becomes an unavailable field.
func (f *Field) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == Unavailable {
		*f = Field{}
		return nil
	}
	*f = FieldOf(s)
	return nil
}

// =============================================================================
// REQUEST CONTEXT
// =============================================================================

// RequestContext is everything the aggregator needs to know about the inbound connection.
type RequestContext struct {
	ClientIP string
	Headers  map[string][]string
}

// Header returns the first value of a header. Names must be in canonical
// MIME form, as http.Header stores them.
func (r RequestContext) Header(name string) string {
	if v := r.Headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// =============================================================================
// DIAGNOSTIC RECORD
// =============================================================================

// ProbeStatus explains the outcome of one probe in a record.
type ProbeStatus struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	OK        bool    `json:"ok"`
	Failure   string  `json:"failure,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// DiagnosticRecord is the merged result of one aggregation run.
type DiagnosticRecord struct {
	ID          string    `json:"id"`
	ClientIP    string    `json:"client_ip"`
	GeneratedAt time.Time `json:"generated_at"`

	ServerProcessingTime Latency `json:"server_processing_time_ms"`
	ExternalLatency      Latency `json:"external_latency_ms"`
	RoundTripTime        Latency `json:"round_trip_time_ms"`
	PublicIP             Field   `json:"public_ip"`

	// ProxyDetected is the OR of reputation proxy signals. False when no
	// reputation probe produced a verdict.
	ProxyDetected bool `json:"proxy_detected"`

	// ForwardedHeaderPresent is the legacy X-Forwarded-For heuristic, reported
	// on its own and never folded into ProxyDetected.
	ForwardedHeaderPresent bool `json:"forwarded_header_present"`

	Reputation map[string]Field `json:"reputation"`
	Probes     []ProbeStatus    `json:"probes"`
}

// ReputationField returns a reputation field; missing keys are Unavailable.
func (r *DiagnosticRecord) ReputationField(name string) Field {
	return r.Reputation[name]
}
