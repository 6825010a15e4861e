package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName identifies spans created by verniskernel packages.
const InstrumentationName = "github.com/vernisos/verniskernel"

// ServiceVersion is reported as the service.version resource attribute.
const ServiceVersion = "0.3.0"

// StdoutEndpoint selects the stdout span exporter instead of an OTLP collector.
const StdoutEndpoint = "stdout"

// ErrNoEndpoint is returned by InitTracer when no collector endpoint is configured.
var ErrNoEndpoint = errors.New("tracing endpoint is required")

// TracerOptions configures InitTracer.
type TracerOptions struct {
	// Environment is reported as deployment.environment (default: development).
	Environment string
	// SampleRatio in (0, 1) selects ratio sampling; anything else samples everything.
	SampleRatio float64
	// Writer receives spans of the stdout exporter (default: os.Stdout).
	Writer io.Writer
}

// InitTracer initializes OpenTelemetry tracing. The endpoint is an OTLP
// collector address, or StdoutEndpoint to print spans as JSON.
// Returns a shutdown function that must be called on service termination.
func InitTracer(serviceName, endpoint string, opts ...TracerOptions) (func(context.Context) error, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("failed to create trace exporter: %w", ErrNoEndpoint)
	}
	var o TracerOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Environment == "" {
		o.Environment = "development"
	}

	ctx := context.Background()

	exporter, err := newExporter(ctx, endpoint, o)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DeploymentEnvironment(o.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if o.SampleRatio > 0 && o.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, endpoint string, o TracerOptions) (sdktrace.SpanExporter, error) {
	if endpoint == StdoutEndpoint {
		w := o.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// Tracer returns the verniskernel tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
