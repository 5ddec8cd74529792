package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabled(t *testing.T) {
	tr, err := InitTracing(context.Background(), TracingConfig{ServiceName: "idsync-test"})
	require.NoError(t, err)
	assert.NotNil(t, tr.Provider())
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestTracingRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tr, err := newTracing(context.Background(), TracingConfig{
		ServiceName:    "idsync-test",
		ServiceVersion: "test",
		SampleRate:     1,
	}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	_, span := tr.Provider().Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.IsRecording())
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "op", ended[0].Name())
	assert.Equal(t, "idsync-test", resourceServiceName(ended[0]))
}

func TestTracingSampleRateZeroDropsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tr, err := newTracing(context.Background(), TracingConfig{ServiceName: "idsync-test"}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	_, span := tr.Provider().Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()
	assert.Empty(t, rec.Ended())
}

func TestInitTracingEnabledBuildsExporter(t *testing.T) {
	tr, err := InitTracing(context.Background(), TracingConfig{
		ServiceName: "idsync-test",
		Endpoint:    "127.0.0.1:4318",
		SampleRate:  1,
		Enabled:     true,
	})
	require.NoError(t, err)
	_, span := tr.Provider().Tracer("test").Start(context.Background(), "unfinished")
	assert.True(t, span.IsRecording())
	// Nothing ended, so shutdown has no batch to export.
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func resourceServiceName(s sdktrace.ReadOnlySpan) string {
	for _, kv := range s.Resource().Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}
