package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "hopscotch"})
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}
	ctx, span := p.StartSpan(context.Background(), "poll", attribute.String("state", "WATCHING"))
	AddEvent(ctx, "tick")
	End(span, errors.New("boom"))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx := context.Background()
	got, span := p.StartSpan(ctx, "poll")
	if got != ctx {
		t.Error("nil provider should return the input context")
	}
	End(span, nil)
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown on nil provider: %v", err)
	}
}
