package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Span attribute keys.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrHost      = attribute.Key("host")
	AttrOperation = attribute.Key("operation")
	AttrOpHash    = attribute.Key("operation.hash")
	AttrStatus    = attribute.Key("operation.status")
	AttrCommands  = attribute.Key("operation.commands")
	AttrCommand   = attribute.Key("command")
	AttrErrClass  = attribute.Key("error.class")
	AttrErrCode   = attribute.Key("error.code")
)

// Tracer starts the spans of a run.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from cfg. When tracing is disabled every span is
// dropped at the sampler.
func NewTracer(cfg TracingConfig, service, version string) (*Tracer, error) {
	if !cfg.Enabled {
		return NewTracerFromProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())), service), nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", cfg.Exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		var batch []sdktrace.BatchSpanProcessorOption
		if cfg.ExportTimeout > 0 {
			batch = append(batch, sdktrace.WithExportTimeout(cfg.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batch...))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return NewTracerFromProvider(provider, service), nil
}

// newExporter returns nil for "none": spans are sampled but go nowhere.
func newExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "none":
		return nil, nil
	case "stdout":
		// stdout carries command output, so spans go to stderr
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent("swirl")),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

// NewTracerFromProvider wraps provider, e.g. one feeding a span recorder.
func NewTracerFromProvider(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{provider: provider, tracer: provider.Tracer(name)}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return t.start(ctx, "run", AttrRunID.String(runID))
}

// StartOperationSpan starts the span of one operation across all hosts.
func (t *Tracer) StartOperationSpan(ctx context.Context, name, hash string) (context.Context, trace.Span) {
	return t.start(ctx, "operation", AttrOperation.String(name), AttrOpHash.String(hash))
}

// StartHostOperationSpan starts the span of one operation on one host.
func (t *Tracer) StartHostOperationSpan(ctx context.Context, host, name, hash string) (context.Context, trace.Span) {
	return t.start(ctx, "operation.host", AttrHost.String(host), AttrOperation.String(name), AttrOpHash.String(hash))
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// endSpan sets the span status from err and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
