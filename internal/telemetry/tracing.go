// Package telemetry configures OpenTelemetry tracing for scrape jobs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by this service.
const InstrumentationName = "github.com/JakeFAU/listing-scraper"

// InitTracerProvider installs a global tracer provider and the W3C trace
// context propagator. Spans are batched to exporter when one is given;
// otherwise they are sampled but not exported, which still lets the
// propagator carry ids into Pub/Sub attributes.
func InitTracerProvider(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// StartJobSpan opens the root span covering one scrape job.
func StartJobSpan(ctx context.Context, jobID, entry string, limit int) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, "scrape.job",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.entry_url", entry),
			attribute.Int("job.limit", limit),
		),
	)
}

// EndJobSpan records the job outcome on span and ends it.
func EndJobSpan(span trace.Span, scraped int, err error) {
	span.SetAttributes(attribute.Int("job.scraped", scraped))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
