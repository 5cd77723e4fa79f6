package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/netdiag/diagnoser/internal/executor"
	"github.com/pilot-net/netdiag/diagnoser/internal/testutil"
	"github.com/pilot-net/netdiag/pkg/types"
)

// stubExecutor returns a fixed payload or error after an optional delay.
type stubExecutor struct {
	kind    executor.Kind
	fields  []string
	delay   time.Duration
	payload any
	err     error
	panics  bool
	calls   atomic.Int32
	subject atomic.Value
}

func (s *stubExecutor) Type() string        { return "stub" }
func (s *stubExecutor) Kind() executor.Kind { return s.kind }
func (s *stubExecutor) Fields() []string    { return s.fields }

func (s *stubExecutor) Execute(ctx context.Context, target executor.Target) (json.RawMessage, error) {
	s.calls.Add(1)
	s.subject.Store(target.Subject)
	if s.panics {
		panic("stub exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return executor.MarshalPayload(s.payload), nil
}

func rtt(d time.Duration) *stubExecutor {
	return &stubExecutor{kind: executor.KindConnectivityRTT, payload: executor.LatencyPayload{Latency: d, Strategy: "websocket"}}
}

func latency(d time.Duration, ip string) *stubExecutor {
	return &stubExecutor{kind: executor.KindExternalLatency, payload: executor.LatencyPayload{Latency: d, PublicIP: ip}}
}

func reputation(fields map[string]string, proxy *bool) *stubExecutor {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return &stubExecutor{
		kind:    executor.KindReputationLookup,
		fields:  names,
		payload: executor.ReputationPayload{Fields: fields, Proxy: proxy},
	}
}

func failing(kind executor.Kind, fields []string, err error) *stubExecutor {
	return &stubExecutor{kind: kind, fields: fields, err: err}
}

type probeDef struct {
	name    string
	timeout time.Duration
	exec    executor.Executor
}

func newAggregator(t *testing.T, defs ...probeDef) *Aggregator {
	t.Helper()
	reg := executor.NewRegistry()
	for _, d := range defs {
		if err := reg.Register(executor.Probe{Name: d.name, Timeout: d.timeout, Executor: d.exec}); err != nil {
			t.Fatalf("register %s: %v", d.name, err)
		}
	}
	logger := testutil.NewTestLogger()
	a, err := New(reg, executor.NewRunner(logger), logger)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return a
}

func statusOf(rec types.DiagnosticRecord, name string) types.ProbeStatus {
	for _, s := range rec.Probes {
		if s.Name == name {
			return s
		}
	}
	return types.ProbeStatus{}
}

func TestNew_RejectsInvalidProbeSets(t *testing.T) {
	logger := testutil.NewTestLogger()
	runner := executor.NewRunner(logger)

	t.Run("two connectivity probes", func(t *testing.T) {
		reg := executor.NewRegistry()
		reg.Register(executor.Probe{Name: "ws", Executor: rtt(time.Millisecond)})
		reg.Register(executor.Probe{Name: "tcp", Executor: rtt(time.Millisecond)})
		if _, err := New(reg, runner, logger); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("overlapping fields", func(t *testing.T) {
		reg := executor.NewRegistry()
		reg.Register(executor.Probe{Name: "a", Executor: reputation(map[string]string{"country": "US"}, nil)})
		reg.Register(executor.Probe{Name: "b", Executor: reputation(map[string]string{"country": "NL"}, nil)})
		if _, err := New(reg, runner, logger); err == nil {
			t.Fatal("expected error")
		}
	})
}

// Scenario A: RTT and latency succeed, the reputation provider times out.
func TestDiagnose_ReputationTimeout(t *testing.T) {
	slow := reputation(map[string]string{"country": "US", "isp": "x"}, testutil.Ptr(true))
	slow.delay = 5 * time.Second

	a := newAggregator(t,
		probeDef{"connectivity", time.Second, rtt(12 * time.Millisecond)},
		probeDef{"external_latency", time.Second, latency(45*time.Millisecond, "198.51.100.1")},
		probeDef{"iphub", 100 * time.Millisecond, slow},
	)

	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())

	if ms := rec.RoundTripTime.Milliseconds(); ms != 12 {
		t.Errorf("expected RTT 12ms, got %v", ms)
	}
	if ms := rec.ExternalLatency.Milliseconds(); ms != 45 {
		t.Errorf("expected latency 45ms, got %v", ms)
	}
	if v, _ := rec.PublicIP.Value(); v != "198.51.100.1" {
		t.Errorf("expected public ip, got %v", rec.PublicIP)
	}
	for _, f := range []string{"country", "isp"} {
		if rec.ReputationField(f).Available() {
			t.Errorf("field %s should be Unavailable", f)
		}
		if _, ok := rec.Reputation[f]; !ok {
			t.Errorf("field %s should be present as Unavailable, not missing", f)
		}
	}
	if rec.ProxyDetected {
		t.Error("proxy_detected must default to false when reputation fails")
	}
	if s := statusOf(rec, "iphub"); s.OK || s.Failure != string(executor.FailureTimeout) {
		t.Errorf("expected iphub TIMEOUT status, got %+v", s)
	}
	if !rec.ServerProcessingTime.Available() {
		t.Error("server processing time must always be set")
	}
	if d, _ := rec.ServerProcessingTime.Duration(); d < 100*time.Millisecond {
		t.Errorf("processing time %s shorter than the slowest probe deadline", d)
	}
}

// Scenario B: every upstream is unreachable.
func TestDiagnose_EverythingUnreachable(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")

	a := newAggregator(t,
		probeDef{"connectivity", time.Second, failing(executor.KindConnectivityRTT, nil, refused)},
		probeDef{"external_latency", time.Second, failing(executor.KindExternalLatency, nil, refused)},
		probeDef{"iphub", time.Second, failing(executor.KindReputationLookup, []string{"country"}, refused)},
		probeDef{"geoip", time.Second, &stubExecutor{kind: executor.KindReputationLookup, fields: []string{"geo_asn"}, panics: true}},
	)

	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())

	if rec.RoundTripTime.Available() || rec.ExternalLatency.Available() || rec.PublicIP.Available() {
		t.Errorf("expected all measurements Unavailable: %+v", rec)
	}
	if rec.ReputationField("country").Available() || rec.ReputationField("geo_asn").Available() {
		t.Error("expected reputation fields Unavailable")
	}
	if rec.ProxyDetected {
		t.Error("proxy_detected must be false")
	}
	if !rec.ServerProcessingTime.Available() {
		t.Error("server processing time must always be set")
	}
	if len(rec.Probes) != 4 {
		t.Fatalf("expected 4 probe statuses, got %d", len(rec.Probes))
	}
	for _, s := range rec.Probes {
		if s.OK {
			t.Errorf("probe %s should have failed", s.Name)
		}
	}
	if s := statusOf(rec, "geoip"); s.Failure != string(executor.FailureUnexpectedError) {
		t.Errorf("panicking probe should be UNEXPECTED_ERROR, got %+v", s)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	json.Unmarshal(data, &doc)
	if doc["round_trip_time_ms"] != types.Unavailable || doc["external_latency_ms"] != types.Unavailable {
		t.Errorf("expected Unavailable sentinels in JSON, got %s", data)
	}
}

// Scenario C: the IP echo answers 200 with a body that is not JSON.
func TestDiagnose_MalformedEcho(t *testing.T) {
	srv := testutil.NewHTTPServer(t, http.StatusOK, "<html>captive portal</html>", 0)

	reg := executor.NewRegistry()
	reg.Register(executor.Probe{Name: "connectivity", Timeout: time.Second, Executor: rtt(12 * time.Millisecond)})
	reg.Register(executor.Probe{Name: "external_latency", Endpoint: srv.URL, Timeout: time.Second, Executor: executor.NewHTTPLatencyExecutor(nil)})
	logger := testutil.NewTestLogger()
	a, err := New(reg, executor.NewRunner(logger), logger)
	if err != nil {
		t.Fatal(err)
	}

	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())

	if rec.ExternalLatency.Available() {
		t.Error("external latency should be Unavailable")
	}
	if s := statusOf(rec, "external_latency"); s.Failure != string(executor.FailureMalformedResponse) {
		t.Errorf("expected MALFORMED_RESPONSE, got %+v", s)
	}
	if !rec.RoundTripTime.Available() {
		t.Error("sibling RTT should be unaffected")
	}
}

func TestDiagnose_WallTimeIsMaxNotSum(t *testing.T) {
	slow := func(kind executor.Kind, fields ...string) *stubExecutor {
		return &stubExecutor{kind: kind, fields: fields, delay: 10 * time.Second}
	}

	a := newAggregator(t,
		probeDef{"connectivity", 200 * time.Millisecond, slow(executor.KindConnectivityRTT)},
		probeDef{"external_latency", 200 * time.Millisecond, slow(executor.KindExternalLatency)},
		probeDef{"a", 200 * time.Millisecond, slow(executor.KindReputationLookup, "f1")},
		probeDef{"b", 200 * time.Millisecond, slow(executor.KindReputationLookup, "f2")},
	)

	start := time.Now()
	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())
	elapsed := time.Since(start)

	if elapsed >= 700*time.Millisecond {
		t.Errorf("diagnosis took %s; four 200ms probes should overlap", elapsed)
	}
	for _, s := range rec.Probes {
		if s.Failure != string(executor.FailureTimeout) {
			t.Errorf("probe %s: expected TIMEOUT, got %+v", s.Name, s)
		}
	}
}

func TestDiagnose_FailureIsolation(t *testing.T) {
	good := reputation(map[string]string{"country": "NL", "isp": "Example"}, testutil.Ptr(false))
	bad := failing(executor.KindReputationLookup, []string{"geo_asn", "geo_org"}, executor.Malformed("bad body"))

	a := newAggregator(t,
		probeDef{"connectivity", time.Second, rtt(5 * time.Millisecond)},
		probeDef{"iphub", time.Second, good},
		probeDef{"geoip", time.Second, bad},
	)

	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())

	if v, _ := rec.ReputationField("country").Value(); v != "NL" {
		t.Errorf("sibling field lost: %v", rec.ReputationField("country"))
	}
	if rec.ReputationField("geo_asn").Available() || rec.ReputationField("geo_org").Available() {
		t.Error("failed probe fields should be Unavailable")
	}
	if len(rec.Reputation) != 4 {
		t.Errorf("expected exactly the 4 owned fields, got %v", rec.Reputation)
	}
	if rec.ExternalLatency.Available() {
		t.Error("no external latency probe configured; field should be Unavailable")
	}
}

func TestDiagnose_IgnoresUnownedFields(t *testing.T) {
	chatty := reputation(map[string]string{"country": "US"}, nil)
	chatty.payload = executor.ReputationPayload{Fields: map[string]string{"country": "US", "geo_asn": "AS1"}}
	geo := failing(executor.KindReputationLookup, []string{"geo_asn"}, errors.New("down"))

	a := newAggregator(t,
		probeDef{"iphub", time.Second, chatty},
		probeDef{"geoip", time.Second, geo},
	)

	rec := a.Diagnose(context.Background(), testutil.FixtureRequest())
	if rec.ReputationField("geo_asn").Available() {
		t.Error("a probe must not write a field owned by another probe")
	}
}

func TestDiagnose_ProxyDetected(t *testing.T) {
	tests := []struct {
		name    string
		signals []*bool
		failAll bool
		want    bool
	}{
		{"no verdicts", []*bool{nil, nil}, false, false},
		{"all negative", []*bool{testutil.Ptr(false), testutil.Ptr(false)}, false, false},
		{"one positive", []*bool{testutil.Ptr(false), testutil.Ptr(true)}, false, true},
		{"all failed", []*bool{testutil.Ptr(true), testutil.Ptr(true)}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var defs []probeDef
			for i, sig := range tt.signals {
				field := string(rune('a' + i))
				exec := reputation(map[string]string{field: "v"}, sig)
				if tt.failAll {
					exec.err = errors.New("unreachable")
				}
				defs = append(defs, probeDef{"rep_" + field, time.Second, exec})
			}
			a := newAggregator(t, defs...)

			rec := a.Diagnose(context.Background(), testutil.FixtureRequest())
			if rec.ProxyDetected != tt.want {
				t.Errorf("expected proxy_detected=%v, got %v", tt.want, rec.ProxyDetected)
			}
		})
	}
}

func TestDiagnose_ForwardedHeaderIsHintOnly(t *testing.T) {
	a := newAggregator(t,
		probeDef{"iphub", time.Second, reputation(map[string]string{"country": "US"}, testutil.Ptr(false))},
	)

	rec := a.Diagnose(context.Background(), testutil.FixtureForwardedRequest())
	if !rec.ForwardedHeaderPresent {
		t.Error("expected forwarded header hint")
	}
	if rec.ProxyDetected {
		t.Error("the header alone must not set proxy_detected")
	}

	rec = a.Diagnose(context.Background(), testutil.FixtureRequest())
	if rec.ForwardedHeaderPresent {
		t.Error("no header, no hint")
	}
}

func TestDiagnose_SubjectIsClientIP(t *testing.T) {
	rep := reputation(map[string]string{"country": "US"}, nil)
	a := newAggregator(t, probeDef{"iphub", time.Second, rep})

	a.Diagnose(context.Background(), testutil.FixtureRequest(func(r *types.RequestContext) {
		r.ClientIP = "192.0.2.99"
	}))

	if got := rep.subject.Load(); got != "192.0.2.99" {
		t.Errorf("expected subject 192.0.2.99, got %v", got)
	}
}

func TestDiagnose_Idempotent(t *testing.T) {
	a := newAggregator(t,
		probeDef{"connectivity", time.Second, rtt(12 * time.Millisecond)},
		probeDef{"external_latency", time.Second, failing(executor.KindExternalLatency, nil, errors.New("refused"))},
		probeDef{"iphub", time.Second, reputation(map[string]string{"country": "US"}, testutil.Ptr(true))},
	)
	req := testutil.FixtureRequest()

	normalize := func(rec types.DiagnosticRecord) types.DiagnosticRecord {
		rec.ID = ""
		rec.GeneratedAt = time.Time{}
		rec.ServerProcessingTime = types.Latency{}
		for i := range rec.Probes {
			rec.Probes[i].ElapsedMs = 0
		}
		return rec
	}

	first := normalize(a.Diagnose(context.Background(), req))
	second := normalize(a.Diagnose(context.Background(), req))
	if !reflect.DeepEqual(first, second) {
		t.Errorf("records differ beyond timings:\n%+v\n%+v", first, second)
	}
}

func TestDiagnose_FreshRecordPerCall(t *testing.T) {
	a := newAggregator(t, probeDef{"iphub", time.Second, reputation(map[string]string{"country": "US"}, nil)})

	first := a.Diagnose(context.Background(), testutil.FixtureRequest())
	first.Reputation["country"] = types.FieldOf("tampered")

	second := a.Diagnose(context.Background(), testutil.FixtureRequest())
	if v, _ := second.ReputationField("country").Value(); v != "US" {
		t.Errorf("records share state: %v", v)
	}
	if first.ID == second.ID {
		t.Error("each record needs its own ID")
	}
}

func TestRequestID(t *testing.T) {
	if RequestID(context.Background()) != "" {
		t.Error("expected empty request ID")
	}
	ctx := WithRequestID(context.Background(), "req-1")
	if RequestID(ctx) != "req-1" {
		t.Errorf("expected req-1, got %q", RequestID(ctx))
	}
}

func TestProbesAndFields(t *testing.T) {
	a := newAggregator(t,
		probeDef{"connectivity", time.Second, rtt(time.Millisecond)},
		probeDef{"iphub", time.Second, reputation(map[string]string{"isp": "x", "country": "y"}, nil)},
	)

	if got := a.Probes(); !reflect.DeepEqual(got, []string{"connectivity", "iphub"}) {
		t.Errorf("unexpected probes: %v", got)
	}
	if got := a.Fields(); !reflect.DeepEqual(got, []string{"country", "isp"}) {
		t.Errorf("unexpected fields: %v", got)
	}
}
