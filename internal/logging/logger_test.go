package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name  string
		level string
	}{
		{"debug level", "debug"},
		{"info level", "info"},
		{"warn level", "warn"},
		{"warning level", "warning"},
		{"error level", "error"},
		{"panic maps to error", "panic"},
		{"unknown defaults to info", "unknown"},
		{"empty defaults to info", ""},
		{"case insensitive", "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level)
			if logger == nil {
				t.Fatal("expected logger, got nil")
			}
		})
	}
}

func TestWithConnection(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	connLogger := WithConnection(logger, "smtp", "127.0.0.1:12345")
	connLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "conn_id=") {
		t.Error("expected conn_id in log output")
	}
	if !strings.Contains(output, "protocol=smtp") {
		t.Error("expected protocol in log output")
	}
	if !strings.Contains(output, "remote_addr=127.0.0.1:12345") {
		t.Error("expected remote_addr in log output")
	}
}

func TestWithConnectionIncrementsID(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, nil)
	logger := slog.New(handler)

	l1 := WithConnection(logger, "imap", "127.0.0.1:1")
	l1.Info("first")
	first := buf.String()
	buf.Reset()

	l2 := WithConnection(logger, "imap", "127.0.0.1:2")
	l2.Info("second")
	second := buf.String()

	if first == second {
		t.Error("expected distinct conn_id values for separate connections")
	}
}

func TestWithAccount(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	WithAccount(logger, "user@example.org").Info("hello")

	if !strings.Contains(buf.String(), "account=user@example.org") {
		t.Error("expected account attribute in log output")
	}
}

func TestContextRoundTrip(t *testing.T) {
	logger := NewLogger("debug")
	ctx := NewContext(context.Background(), logger)

	if got := FromContext(ctx); got != logger {
		t.Error("FromContext did not return the stored logger")
	}

	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext on empty context returned nil")
	}
}

func TestTransactionWriter(t *testing.T) {
	var logBuf, out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tw := NewTransactionWriter(&out, logger, "S:")
	if _, err := tw.Write([]byte("220 ready\r\n")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if out.String() != "220 ready\r\n" {
		t.Errorf("wrapped writer got %q", out.String())
	}
	if !strings.Contains(logBuf.String(), "direction=S:") {
		t.Error("expected direction attribute in log output")
	}
}
