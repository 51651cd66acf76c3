package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.env).Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("aqi-forecast")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("test message")
	_ = logger.Sync() // can fail on /dev/stderr in test env
}

func TestRequestContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reqLogger := zap.New(core)
	ctx := WithRequest(context.Background(), reqLogger, "abc-123")

	if got := CorrelationID(ctx); got != "abc-123" {
		t.Errorf("CorrelationID = %q, want abc-123", got)
	}
	Logger(ctx, zap.NewNop()).Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("expected request logger to receive entry, got %d", logs.Len())
	}

	if CorrelationID(context.Background()) != "" {
		t.Error("empty context should have no correlation ID")
	}
	if Logger(context.Background(), nil) == nil {
		t.Error("Logger must never return nil")
	}
}

func TestFlushTelemetry_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	called := 0
	err := FlushTelemetry(context.Background(), nil,
		func(context.Context) error { called++; return nil },
		func(context.Context) error { called++; return boom },
	)
	if called != 2 {
		t.Errorf("called %d flushers, want 2", called)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
