package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestObserveRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	ran := false
	if err := Observe(context.Background(), "load stage", func(ctx context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("Observe() = %v, ran %v", err, ran)
	}

	boom := errors.New("hubspot down")
	if err := Observe(context.Background(), "report stage", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Observe() error = %v, want %v", err, boom)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "load stage" || spans[0].Status().Code == codes.Error {
		t.Fatalf("first span = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "report stage" || spans[1].Status().Code != codes.Error || spans[1].Status().Description != "hubspot down" {
		t.Fatalf("second span = %s %v", spans[1].Name(), spans[1].Status())
	}
}

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "dealwatch", "")
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}
