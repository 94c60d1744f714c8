package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := New(level, "text"); logger == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
	if logger := New("info", "json"); logger == nil {
		t.Error("New json returned nil")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request id, got %q", got)
	}

	ctx = WithRequestID(ctx, "req_123")
	if got := RequestID(ctx); got != "req_123" {
		t.Errorf("expected req_123, got %q", got)
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Error("expected default logger, got nil")
	}

	custom := New("info", "text")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected custom logger from context")
	}
}

func TestLAttachesRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	logger := L(ctx)
	if logger == nil {
		t.Fatal("L returned nil")
	}
	// Smoke test: must not panic.
	logger.Info("test", slog.String("k", "v"))
}
