package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/directord/internal/config"
)

func TestNew_ValidConfig(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}
	if logger == nil {
		t.Fatal("New() returned nil logger")
	}
	if logger.Enabled(zapcore.DebugLevel) {
		t.Error("debug enabled at info level")
	}
	if !logger.Enabled(zapcore.WarnLevel) {
		t.Error("warn not enabled at info level")
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}
	if !logger.Enabled(zapcore.DebugLevel) {
		t.Error("debug not enabled at debug level")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "chatty", Format: "json"}, nil); err == nil {
		t.Fatal("New() error = nil, want error for invalid level")
	}
}

func TestLevelFromString_Trace(t *testing.T) {
	level, err := LevelFromString("trace")
	if err != nil {
		t.Fatalf("LevelFromString(trace) error = %v", err)
	}
	if level != TraceLevel {
		t.Errorf("LevelFromString(trace) = %v, want %v", level, TraceLevel)
	}
}

func TestLogger_ContextCorrelation(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithSessionID(context.Background(), "sess-1")
	ctx = WithWorkflowID(ctx, "wf-9")
	tl.Info(ctx, "workflow step dispatched", zap.String("step", "build"))

	tl.AssertLogged(t, zapcore.InfoLevel, "workflow step dispatched")
	tl.AssertField(t, "workflow step dispatched", "session.id", "sess-1")
	tl.AssertField(t, "workflow step dispatched", "workflow.id", "wf-9")
	tl.AssertField(t, "workflow step dispatched", "step", "build")
}

func TestLogger_NamedChild(t *testing.T) {
	tl := NewTestLogger()

	child := tl.Named("bus")
	child.Info(context.Background(), "dispatcher started")

	entries := tl.FilterMessage("dispatcher started").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].LoggerName != "bus" {
		t.Errorf("LoggerName = %q, want bus", entries[0].LoggerName)
	}
}

func TestWithSessionID_RejectsInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("WithSessionID with path traversal did not panic")
		}
	}()
	WithSessionID(context.Background(), "../etc/passwd")
}

func TestFromContext_Fallback(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("FromContext returned nil")
	}
	// Must not panic when used.
	logger.Info(context.Background(), "noop")
}

func TestFromContext_RoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	FromContext(ctx).Warn(ctx, "round trip")
	tl.AssertLogged(t, zapcore.WarnLevel, "round trip")
}
