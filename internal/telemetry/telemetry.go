package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config selects where spans go and how this process is described to the
// collector. An empty Endpoint disables tracing.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string
	Insecure       bool
	// SampleRatio applies to root spans only; children follow their parent.
	SampleRatio float64
}

func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

func (c Config) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(c.ServiceName)}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.ServiceVersion))
	}
	if c.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(c.Environment))
	}
	return attrs
}

func (c Config) Sampler() trace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case c.SampleRatio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(c.SampleRatio))
	}
}

// Setup installs a global tracer provider exporting over OTLP gRPC. The
// returned func flushes and stops it; it is a no-op when tracing is off or
// the exporter could not be built.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled() {
		logger.Debug("tracing disabled")
		return noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		logger.Warn("otel exporter unavailable", zap.Error(err))
		return noop
	}

	res, err := resource.New(ctx, resource.WithAttributes(cfg.Attributes()...))
	if err != nil {
		logger.Warn("otel resource", zap.Error(err))
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(cfg.Sampler()),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("version", cfg.ServiceVersion),
		zap.String("environment", cfg.Environment),
		zap.Float64("sample_ratio", cfg.SampleRatio))

	return provider.Shutdown
}
