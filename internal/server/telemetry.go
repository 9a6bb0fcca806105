package server

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/JakeFAU/listing-scraper/internal/config"
	"github.com/JakeFAU/listing-scraper/internal/telemetry"
)

// telemetryInit installs the tracer provider. No exporter is configured;
// trace ids still propagate into Pub/Sub attributes and request spans.
func telemetryInit(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	return telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, nil)
}
