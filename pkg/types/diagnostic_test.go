package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLatency_ZeroValueIsUnavailable(t *testing.T) {
	var l Latency
	if l.Available() {
		t.Fatal("zero latency should be unavailable")
	}
	if l.String() != Unavailable {
		t.Errorf("expected %q, got %q", Unavailable, l.String())
	}
}

func TestLatency_String(t *testing.T) {
	tests := []struct {
		name string
		in   Latency
		want string
	}{
		{"rounds down", LatencyOf(12341 * time.Microsecond), "12.34"},
		{"rounds up", LatencyOf(12346 * time.Microsecond), "12.35"},
		{"zero", LatencyOf(0), "0.00"},
		{"negative clamped", LatencyOf(-time.Second), "0.00"},
		{"unavailable", UnavailableLatency(), Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLatency_KeepsFullPrecision(t *testing.T) {
	l := LatencyOf(12345678 * time.Nanosecond)
	if ms := l.Milliseconds(); ms != 12.345678 {
		t.Errorf("expected full precision 12.345678, got %v", ms)
	}
}

func TestLatency_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Latency `json:"a"`
		B Latency `json:"b"`
	}{A: LatencyOf(45 * time.Millisecond)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"a":45,"b":"Unavailable"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestField_JSON(t *testing.T) {
	rec := DiagnosticRecord{
		Reputation: map[string]Field{
			"country":  FieldOf("NL"),
			"hostname": {},
		},
	}
	data, err := json.Marshal(rec.Reputation)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]Field
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := back["country"].Value(); !ok || v != "NL" {
		t.Errorf("country: got %q/%v", v, ok)
	}
	if back["hostname"].Available() {
		t.Error("hostname should be unavailable")
	}
}

func TestDiagnosticRecord_MissingReputationFieldIsUnavailable(t *testing.T) {
	rec := DiagnosticRecord{}
	if rec.ReputationField("residential").Available() {
		t.Error("missing field should be unavailable")
	}
}
