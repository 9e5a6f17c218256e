package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/qledger/pkg/evidence"
)

// Metrics records ledger, gate and HTTP measurements. It implements
// evidence.Recorder.
type Metrics struct {
	opened         metric.Int64Counter
	sealed         metric.Int64Counter
	sealDuration   metric.Float64Histogram
	verifyFailures metric.Int64Counter
	gateDenied     metric.Int64Counter
	requests       metric.Int64Counter
	requestLatency metric.Float64Histogram
}

var _ evidence.Recorder = (*Metrics)(nil)

// NewMetrics registers the qledger instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.opened, err = meter.Int64Counter("qledger.entries.opened",
		metric.WithDescription("Evidence entries opened"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.sealed, err = meter.Int64Counter("qledger.entries.sealed",
		metric.WithDescription("Evidence entries sealed"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}
	if m.sealDuration, err = meter.Float64Histogram("qledger.seal.duration",
		metric.WithDescription("Seal latency including chain recompute"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}
	if m.verifyFailures, err = meter.Int64Counter("qledger.chain.verify_failures",
		metric.WithDescription("Chain verification runs that found integrity failures"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.gateDenied, err = meter.Int64Counter("qledger.gate.denied",
		metric.WithDescription("Admission denials by reason code"),
		metric.WithUnit("{denial}"),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("qledger.http.requests",
		metric.WithDescription("HTTP requests by route and status"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.requestLatency, err = meter.Float64Histogram("qledger.http.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EntryOpened(ctx context.Context, backend string) {
	m.opened.Add(ctx, 1, attrs(attribute.String("backend", backend)))
}

func (m *Metrics) EntrySealed(ctx context.Context, grade evidence.Grade, elapsed time.Duration) {
	a := attrs(attribute.String("grade", string(grade)))
	m.sealed.Add(ctx, 1, a)
	m.sealDuration.Record(ctx, elapsed.Seconds(), a)
}

func (m *Metrics) IntegrityFailure(ctx context.Context, failures int) {
	m.verifyFailures.Add(ctx, 1, attrs(attribute.Int("failures", failures)))
}

// GateDenied counts one denial per reason code.
func (m *Metrics) GateDenied(ctx context.Context, codes []string) {
	for _, c := range codes {
		m.gateDenied.Add(ctx, 1, attrs(attribute.String("code", c)))
	}
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(ctx context.Context, route string, status int, elapsed time.Duration) {
	a := attrs(attribute.String("route", route), attribute.String("status", strconv.Itoa(status)))
	m.requests.Add(ctx, 1, a)
	m.requestLatency.Record(ctx, elapsed.Seconds(), a)
}
