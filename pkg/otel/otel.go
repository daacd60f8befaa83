package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter kinds
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	Exporter             string // otlp, stdout or none
	CollectorEndpoint    string
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.3.0",
		Environment:          "production",
		Exporter:             ExporterOTLP,
		CollectorEndpoint:    "localhost:4317",
		SamplingRate:         0.1,
		MaxEventsPerSpan:     64,
		MaxAttributesPerSpan: 64,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("demandcast")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	}

	switch config.Exporter {
	case ExporterOTLP:
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		))
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithSyncer(exporter))
	case ExporterNone, "":
		// spans are created for context propagation but never exported
	default:
		return nil, fmt.Errorf("unknown trace exporter: %s", config.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrItemID     = attribute.Key("item.id")
	AttrCategoryID = attribute.Key("item.category_id")

	AttrHorizonDays   = attribute.Key("forecast.horizon_days")
	AttrStage         = attribute.Key("forecast.stage")
	AttrPriorLevel    = attribute.Key("forecast.prior_level")
	AttrPriorStale    = attribute.Key("forecast.prior_stale")
	AttrObservations  = attribute.Key("forecast.n_observations")
	AttrCacheHit      = attribute.Key("forecast.posterior_cache_hit")
	AttrPromoApplied  = attribute.Key("forecast.promo_applied")
	AttrSnapshotVer   = attribute.Key("priors.snapshot_version")
	AttrMethod        = attribute.Key("elasticity.method")
	AttrTier          = attribute.Key("elasticity.tier")
	AttrConfidence    = attribute.Key("elasticity.confidence")
	AttrWindowDays    = attribute.Key("backtest.window_days")
	AttrBacktestFolds = attribute.Key("backtest.folds")
)

// ItemAttributes identifies the item a span works on.
func ItemAttributes(itemID, categoryID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrItemID.String(itemID)}
	if categoryID != "" {
		attrs = append(attrs, AttrCategoryID.String(categoryID))
	}
	return attrs
}

// PosteriorAttributes describes the fitted posterior of a forecast.
func PosteriorAttributes(stage, priorLevel string, n int, stale, cacheHit bool, snapshotVersion int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStage.String(stage),
		AttrPriorLevel.String(priorLevel),
		AttrObservations.Int(n),
		AttrPriorStale.Bool(stale),
		AttrCacheHit.Bool(cacheHit),
		AttrSnapshotVer.Int64(snapshotVersion),
	}
}

// ElasticityAttributes describes the waterfall outcome.
func ElasticityAttributes(method string, tier int, confidence float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrTier.Int(tier),
		AttrConfidence.Float64(confidence),
	}
}
