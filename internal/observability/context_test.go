package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCorrelationID_RoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc-123")
	if got := CorrelationID(ctx); got != "abc-123" {
		t.Errorf("CorrelationID() = %q, want abc-123", got)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID() on empty ctx = %q, want empty", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reqLogger := zap.New(core).With(zap.String("correlation_id", "abc"))
	fallback := zap.NewNop()

	ctx := WithLogger(context.Background(), reqLogger)
	LoggerFromContext(ctx, fallback).Info("hello")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	if logs.All()[0].ContextMap()["correlation_id"] != "abc" {
		t.Errorf("entry fields = %v", logs.All()[0].ContextMap())
	}

	if LoggerFromContext(context.Background(), fallback) != fallback {
		t.Error("LoggerFromContext should return fallback when ctx has no logger")
	}
	if LoggerFromContext(context.Background(), nil) == nil {
		t.Error("LoggerFromContext should never return nil")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestFlushTelemetry(t *testing.T) {
	closed := 0
	c := closerFunc(func() error { closed++; return nil })
	if err := FlushTelemetry(context.Background(), zap.NewNop(), c, nil, c); err != nil {
		t.Fatalf("FlushTelemetry() error = %v", err)
	}
	if closed != 2 {
		t.Errorf("closed = %d, want 2", closed)
	}

	boom := errors.New("boom")
	err := FlushTelemetry(context.Background(), nil, closerFunc(func() error { return boom }))
	if !errors.Is(err, boom) {
		t.Errorf("FlushTelemetry() = %v, want boom", err)
	}
}
