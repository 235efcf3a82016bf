package experiment

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/YuminosukeSato/conformal/pkg/errors"
	"github.com/YuminosukeSato/conformal/pkg/log"
)

// TracerName is the instrumentation scope of run spans.
const TracerName = "github.com/YuminosukeSato/conformal/experiment"

// EndpointEnv enables OTLP export when set.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Span attribute keys. They share names with the log attributes.
const (
	AttrDataset   = attribute.Key(log.DatasetKey)
	AttrScoreFn   = attribute.Key(log.ScoreFnKey)
	AttrMethod    = attribute.Key(log.MethodKey)
	AttrSeed      = attribute.Key(log.SeedKey)
	AttrAlpha     = attribute.Key(log.AlphaKey)
	AttrNTotalCal = attribute.Key(log.NTotalCalKey)
	AttrCoverage  = attribute.Key(log.CoverageKey)
	AttrCovGap    = attribute.Key(log.ClassCovGapKey)
	AttrSetSize   = attribute.Key(log.SetSizeKey)
)

// TracingConfig configures InitTracer.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	// SamplingRate in [0, 1]. 1 samples every run.
	SamplingRate float64
}

// DefaultTracingConfig samples everything.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:    "conformal",
		ServiceVersion: "0.1.0",
		SamplingRate:   1.0,
	}
}

// InitTracer installs an OTLP gRPC tracer provider when EndpointEnv is set.
// Endpoint, headers and TLS come from the standard OTEL_EXPORTER_OTLP_*
// variables. Without the variable the global no-op provider stays in place
// and the returned shutdown does nothing.
func InitTracer(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if os.Getenv(EndpointEnv) == "" {
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return noop, errors.Wrap(err, "create OTLP exporter")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return noop, errors.Wrap(err, "create resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
