package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestJobSpanRecordsOutcome(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { require.NoError(t, tp.Shutdown(context.Background())) }()

	_, span := tp.Tracer(InstrumentationName).Start(context.Background(), "scrape.job")
	require.True(t, span.SpanContext().IsValid())
	EndJobSpan(span, 3, errors.New("entry unreachable"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Contains(t, spans[0].Attributes, attribute.Int("job.scraped", 3))
}

func TestInitTracerProviderInstallsGlobal(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), "listing-scraper-test", exporter)
	require.NoError(t, err)

	_, span := StartJobSpan(context.Background(), "job-1", "https://example.com/homes/", 5)
	EndJobSpan(span, 5, nil)
	require.NoError(t, tp.ForceFlush(context.Background()))

	// Shutdown resets the in-memory exporter, so read first.
	spans := exporter.GetSpans()
	require.NoError(t, tp.Shutdown(context.Background()))
	require.Len(t, spans, 1)
	require.Equal(t, "scrape.job", spans[0].Name)
	require.Equal(t, codes.Ok, spans[0].Status.Code)
}
