package correlation

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

func TestSetGetClear(t *testing.T) {
	ctx := context.Background()
	if HasContext(ctx) {
		t.Fatalf("background context must not carry correlation state")
	}
	if _, ok := Get(ctx); ok {
		t.Fatalf("expected no id")
	}

	ctx = Set(ctx, "req-1", models.Fields{"user": models.String("alice")})
	id, ok := Get(ctx)
	if !ok || id != "req-1" {
		t.Fatalf("expected req-1, got %q (%v)", id, ok)
	}

	AddContext(ctx, models.Fields{"step": models.Number(2)})
	logged := ForLogging(ctx)
	if logged["correlation_id"] != "req-1" {
		t.Fatalf("unexpected logging payload: %+v", logged)
	}
	fields := logged["context"].(map[string]any)
	if fields["user"] != "alice" || fields["step"] != 2.0 {
		t.Fatalf("unexpected context fields: %+v", fields)
	}

	cleared := Clear(ctx)
	if HasContext(cleared) {
		t.Fatalf("expected cleared context")
	}
	if ForLogging(cleared) != nil {
		t.Fatalf("expected nil logging payload after clear")
	}
	if !HasContext(ctx) {
		t.Fatalf("clearing must not affect the parent context")
	}
}

func TestSetGeneratesID(t *testing.T) {
	ctx := Set(context.Background(), "", nil)
	id, ok := Get(ctx)
	if !ok || len(id) != 36 {
		t.Fatalf("expected generated uuid, got %q", id)
	}
}

func TestConcurrentUnitsAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := NewID()
			ctx := Set(context.Background(), want, nil)
			AddContext(ctx, models.Fields{"id": models.String(want)})
			if got := FromContext(ctx); got != want {
				errs <- got
			}
			if got := Active(ctx).Fields().Text("id"); got != want {
				errs <- got
			}
		}()
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Fatalf("observed foreign correlation id %q", got)
	}
}

func TestFromContextFallsBackToTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("correlation-test").Start(context.Background(), "op")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := FromContext(ctx); got != want {
		t.Fatalf("expected trace id %q, got %q", want, got)
	}

	ctx = Set(ctx, "explicit", nil)
	if got := FromContext(ctx); got != "explicit" {
		t.Fatalf("explicit id must win over trace id, got %q", got)
	}
	if attrs := LogAttrs(ctx); len(attrs) != 1 {
		t.Fatalf("expected one log attribute, got %v", attrs)
	}
}
