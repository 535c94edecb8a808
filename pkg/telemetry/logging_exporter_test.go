package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type captureWriter struct {
	entries []string
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.entries = append(c.entries, string(p))
	return len(p), nil
}

func TestLoggingExporterEmitsSpan(t *testing.T) {
	writer := &captureWriter{}
	exporter := newLoggingExporter(zerolog.New(writer))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "coupon.validate")
	span.SetAttributes(attribute.String("coupon.code", "SAVE10"))
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	require.Len(t, writer.entries, 1)
	require.True(t, strings.Contains(writer.entries[0], `"span_name":"coupon.validate"`))
	require.True(t, strings.Contains(writer.entries[0], `"coupon.code":"SAVE10"`))
}
