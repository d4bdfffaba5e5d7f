package telemetry

import (
	"testing"

	"github.com/fyrsmithlabs/recond/internal/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records ended spans in memory. Components under test get a
// tracer from it through their WithTracer option.
type TestTelemetry struct {
	*Telemetry
	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry creates telemetry with an in-memory span recorder.
func NewTestTelemetry() *TestTelemetry {
	recorder := tracetest.NewSpanRecorder()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:            config.TelemetryConfig{Enabled: true, ServiceName: "recond-test"},
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())),
		},
		SpanRecorder: recorder,
	}
}

// SpanByName returns the last ended span with name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	ended := t.SpanRecorder.Ended()
	for i := len(ended) - 1; i >= 0; i-- {
		if ended[i].Name() == name {
			return ended[i]
		}
	}
	return nil
}

// AssertSpanExists fails unless a span named name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) == nil {
		tb.Errorf("span %q not recorded, got %v", name, t.names())
	}
}

// AssertSpanAttr fails unless the last span named name carries key and the
// attribute's emitted form equals want.
func (t *TestTelemetry) AssertSpanAttr(tb testing.TB, name, key, want string) {
	tb.Helper()
	span := t.SpanByName(name)
	if span == nil {
		tb.Errorf("span %q not recorded, got %v", name, t.names())
		return
	}
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			if got := kv.Value.Emit(); got != want {
				tb.Errorf("span %q: %s = %q, want %q", name, key, got, want)
			}
			return
		}
	}
	tb.Errorf("span %q has no attribute %q", name, key)
}

func (t *TestTelemetry) names() []string {
	var names []string
	for _, s := range t.SpanRecorder.Ended() {
		names = append(names, s.Name())
	}
	return names
}
