// Package aggregator fans a request out to every configured probe and merges
// the outcomes into one DiagnosticRecord.
//
// Probes run concurrently, each under its own deadline. One probe failing
// never cancels or alters another: every goroutine owns one outcome slot and
// the record is only written after all of them have returned. A diagnosis
// therefore takes about as long as the slowest probe timeout, never the sum.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pilot-net/netdiag/diagnoser/internal/executor"
	"github.com/pilot-net/netdiag/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ForwardedHeader is reported as a hint only; it never sets ProxyDetected.
const ForwardedHeader = "X-Forwarded-For"

// Aggregator runs the probe set for one request at a time. It is safe for
// concurrent use; nothing is shared between calls to Diagnose.
type Aggregator struct {
	runner *executor.Runner
	probes []executor.Probe
	owners map[string]string // reputation field -> owning probe
	logger *slog.Logger
}

// New validates the probe set and creates an aggregator.
// Returns an error for more than one probe per latency slot or overlapping
// reputation field ownership.
func New(registry *executor.Registry, runner *executor.Runner, logger *slog.Logger) (*Aggregator, error) {
	probes := registry.Probes()

	perKind := make(map[executor.Kind][]string)
	for _, p := range probes {
		k := p.Executor.Kind()
		perKind[k] = append(perKind[k], p.Name)
	}
	for _, k := range []executor.Kind{executor.KindConnectivityRTT, executor.KindExternalLatency} {
		if names := perKind[k]; len(names) > 1 {
			return nil, fmt.Errorf("only one %s probe allowed, got %v", k, names)
		}
	}

	owners, err := registry.FieldOwners()
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		runner: runner,
		probes: probes,
		owners: owners,
		logger: logger.With("component", "aggregator"),
	}, nil
}

// Probes returns the probe names in execution order.
func (a *Aggregator) Probes() []string {
	names := make([]string, len(a.probes))
	for i, p := range a.probes {
		names[i] = p.Name
	}
	return names
}

// Fields returns every reputation field the probe set can populate, sorted.
func (a *Aggregator) Fields() []string {
	fields := make([]string, 0, len(a.owners))
	for f := range a.owners {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Diagnose runs every probe for req and assembles the record. It always
// returns a complete record; probe failures become Unavailable fields.
func (a *Aggregator) Diagnose(ctx context.Context, req types.RequestContext) types.DiagnosticRecord {
	start := time.Now()
	requestID := RequestID(ctx)

	outcomes := make([]executor.Outcome, len(a.probes))

	// Plain Group: a failed probe must not cancel its siblings.
	var g errgroup.Group
	for i, p := range a.probes {
		spec := p.Spec(req.ClientIP)
		g.Go(func() error {
			outcomes[i] = a.runner.Run(ctx, p.Executor, spec)
			return nil
		})
	}
	_ = g.Wait()

	rec := types.DiagnosticRecord{
		ID:                     uuid.NewString(),
		ClientIP:               req.ClientIP,
		GeneratedAt:            start.UTC(),
		ForwardedHeaderPresent: req.Header(ForwardedHeader) != "",
		Reputation:             make(map[string]types.Field, len(a.owners)),
		Probes:                 make([]types.ProbeStatus, 0, len(outcomes)),
	}
	for field := range a.owners {
		rec.Reputation[field] = types.Field{}
	}

	for _, out := range outcomes {
		if out.OK() {
			if err := a.merge(&rec, out); err != nil {
				out.Failure = executor.Unexpected("decoding %s payload: %v", out.Probe, err)
			}
		}
		if !out.OK() {
			a.logger.Warn("probe failed",
				"probe", out.Probe,
				"kind", out.Kind,
				"failure", out.Failure.Kind,
				"detail", out.Failure.Detail,
				"request_id", requestID)
		}
		rec.Probes = append(rec.Probes, status(out))
	}

	rec.ServerProcessingTime = types.LatencyOf(time.Since(start))

	a.logger.Debug("diagnosis complete",
		"request_id", requestID,
		"client_ip", req.ClientIP,
		"elapsed", time.Since(start),
		"proxy_detected", rec.ProxyDetected)

	return rec
}

// merge writes one successful outcome into rec. Each probe writes only the
// fields its kind (or, for reputation, its declared ownership) maps to.
func (a *Aggregator) merge(rec *types.DiagnosticRecord, out executor.Outcome) error {
	switch out.Kind {
	case executor.KindConnectivityRTT:
		p, err := executor.UnmarshalPayload[executor.LatencyPayload](out.Payload)
		if err != nil {
			return err
		}
		rec.RoundTripTime = types.LatencyOf(p.Latency)

	case executor.KindExternalLatency:
		p, err := executor.UnmarshalPayload[executor.LatencyPayload](out.Payload)
		if err != nil {
			return err
		}
		rec.ExternalLatency = types.LatencyOf(p.Latency)
		if p.PublicIP != "" {
			rec.PublicIP = types.FieldOf(p.PublicIP)
		}

	case executor.KindReputationLookup:
		p, err := executor.UnmarshalPayload[executor.ReputationPayload](out.Payload)
		if err != nil {
			return err
		}
		for name, v := range p.Fields {
			if a.owners[name] == out.Probe {
				rec.Reputation[name] = types.FieldOf(v)
			}
		}
		if p.Proxy != nil && *p.Proxy {
			rec.ProxyDetected = true
		}

	default:
		return fmt.Errorf("unknown probe kind %q", out.Kind)
	}
	return nil
}

func status(out executor.Outcome) types.ProbeStatus {
	s := types.ProbeStatus{
		Name:      out.Probe,
		Kind:      string(out.Kind),
		OK:        out.OK(),
		ElapsedMs: types.Round2(float64(out.Elapsed) / float64(time.Millisecond)),
	}
	if out.Failure != nil {
		s.Failure = string(out.Failure.Kind)
		s.Detail = out.Failure.Detail
	}
	return s
}

type requestIDKey struct{}

// WithRequestID attaches a request ID used in probe failure logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID attached to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
