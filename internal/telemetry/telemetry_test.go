package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "chat-gateway-test", "test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "admission")
	defer span.End()

	AddSessionAttributes(span, "req-1", "abc", "m:free", true)
	AddModelAttributes(span, "", "m:free", true)
	AddErrorAttribute(span, errors.New("boom"))

	if id := GetTraceID(ctx); id != "" {
		t.Errorf("expected no trace id from the no-op provider, got %q", id)
	}
}
