package otel

import (
	"context"
	"errors"
	"testing"

	otelapi "go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}
	if config.Exporter != ExporterOTLP {
		t.Errorf("Exporter = %q, want %q", config.Exporter, ExporterOTLP)
	}
	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestInitTracerWithoutExporter(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.Exporter = ExporterNone

	tp, err := InitTracer(context.Background(), cfg)
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	defer Shutdown(context.Background(), tp)

	cfg.Exporter = "carrier-pigeon"
	if _, err := InitTracer(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(tp)
	defer otelapi.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "test", "forecast.item", ItemAttributes("burger", "mains")...)
	span.SetAttributes(PosteriorAttributes("mature", "category", 45, false, true, 3)...)
	AddEvent(span, "promo", AttrPromoApplied.Bool(true))
	RecordError(span, errors.New("boom"), "sampling failed")
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	s := ended[0]
	if s.Name() != "forecast.item" {
		t.Errorf("span name = %q", s.Name())
	}
	found := false
	for _, kv := range s.Attributes() {
		if kv.Key == AttrItemID && kv.Value.AsString() == "burger" {
			found = true
		}
	}
	if !found {
		t.Error("item.id attribute missing")
	}
	if len(s.Events()) < 2 {
		t.Errorf("events = %d, want the promo event and the error", len(s.Events()))
	}
}

func TestItemAttributesOmitsEmptyCategory(t *testing.T) {
	if got := len(ItemAttributes("x", "")); got != 1 {
		t.Errorf("len = %d, want 1", got)
	}
	if got := len(ElasticityAttributes("2sls", 1, 0.8)); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
}
