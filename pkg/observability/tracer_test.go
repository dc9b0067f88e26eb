package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cascade-io/cascade/pkg/config"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer("test"),
		enabled:  true,
	}, recorder
}

func endedSpan(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no ended span named %q", name)
	return nil
}

func spanAttribute(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracerDisabled(t *testing.T) {
	tr, err := NewTracer("cascade-test", config.ObservabilityConfig{EnableTracing: false})
	require.NoError(t, err)
	assert.False(t, tr.Enabled())

	ctx, span := tr.Start(context.Background(), "noop_operation")
	require.NotNil(t, ctx)
	span.SetAttribute("ignored", 1)
	span.AddEvent("ignored")
	span.RecordOutcome(nil)
	span.End()

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestNewTracerEnabled(t *testing.T) {
	cfg := config.ObservabilityConfig{
		EnableTracing: true,
		// Zero rate keeps spans non-recording, so nothing is exported
		// to stdout during the test.
		TracingSampleRate: 0,
	}

	tr, err := NewTracer("cascade-test", cfg)
	require.NoError(t, err)
	assert.True(t, tr.Enabled())

	_, span := tr.Start(context.Background(), "sampled_out")
	span.SetAttribute("key", "value")
	span.End()

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestSpanBatchesAttributes(t *testing.T) {
	tr, recorder := newRecordingTracer()

	_, span := tr.Start(context.Background(), "attribute_batch")
	span.SetAttribute("string", "value")
	span.SetAttribute("int", 42)
	span.SetAttribute("int64", int64(99))
	span.SetAttribute("float", 2.5)
	span.SetAttribute("bool", true)
	span.SetAttribute("other", []int{1, 2})
	span.End()

	recorded := endedSpan(t, recorder, "attribute_batch")

	v, ok := spanAttribute(recorded, "string")
	require.True(t, ok)
	assert.Equal(t, "value", v.AsString())

	v, ok = spanAttribute(recorded, "int")
	require.True(t, ok)
	assert.Equal(t, int64(42), v.AsInt64())

	v, ok = spanAttribute(recorded, "bool")
	require.True(t, ok)
	assert.True(t, v.AsBool())

	// Unsupported types fall back to their string form.
	v, ok = spanAttribute(recorded, "other")
	require.True(t, ok)
	assert.Equal(t, "[1 2]", v.AsString())
}

func TestRecordOutcome(t *testing.T) {
	tr, recorder := newRecordingTracer()

	_, span := tr.Start(context.Background(), "failed_operation")
	span.RecordOutcome(errors.New("boom"))
	span.End()

	recorded := endedSpan(t, recorder, "failed_operation")
	assert.Equal(t, codes.Error, recorded.Status().Code)
	assert.Equal(t, "boom", recorded.Status().Description)

	v, ok := spanAttribute(recorded, "error.message")
	require.True(t, ok)
	assert.Equal(t, "boom", v.AsString())

	_, span = tr.Start(context.Background(), "ok_operation")
	span.RecordOutcome(nil)
	span.End()

	recorded = endedSpan(t, recorder, "ok_operation")
	assert.Equal(t, codes.Ok, recorded.Status().Code)
}

func TestTraceOperation(t *testing.T) {
	tr, recorder := newRecordingTracer()

	wantErr := errors.New("compute failed")
	err := tr.TraceOperation(context.Background(), "parent_operation", func(ctx context.Context) error {
		_, child := tr.Start(ctx, "child_operation")
		child.End()
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	parent := endedSpan(t, recorder, "parent_operation")
	child := endedSpan(t, recorder, "child_operation")

	assert.Equal(t, codes.Error, parent.Status().Code)
	assert.Equal(t, parent.SpanContext().SpanID(), child.Parent().SpanID())

	_, ok := spanAttribute(parent, "duration_ms")
	assert.True(t, ok)
}

func TestTraceOperationSuccess(t *testing.T) {
	tr, recorder := newRecordingTracer()

	err := tr.TraceOperation(context.Background(), "healthy_operation", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)

	recorded := endedSpan(t, recorder, "healthy_operation")
	assert.Equal(t, codes.Ok, recorded.Status().Code)
}
