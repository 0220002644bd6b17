package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLoggerFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	slogger := slog.New(slog.NewJSONHandler(&buf, nil))

	l, err := New(context.Background(), slogger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	id := uuid.New()
	l.Log(DispatchLog{
		RequestID:      id,
		Provider:       "openai",
		Model:          "gpt-test",
		ResponseTimeMs: 420,
		PromptTokens:   10,
		CostUSD:        0.0003,
		Success:        true,
		CreatedAt:      time.Now(),
	})
	l.Log(DispatchLog{
		RequestID: uuid.New(),
		Provider:  "anthropic",
		Success:   false,
		Error:     "anthropic: upstream_5xx: boom",
	})

	// Close drains the channel before returning.
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := buf.String()
	for _, want := range []string{
		id.String(),
		`"provider":"openai"`,
		`"response_time_ms":420`,
		`"provider":"anthropic"`,
		`"error":"anthropic: upstream_5xx: boom"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// The error field is omitted on success lines.
	if strings.Contains(strings.SplitN(out, "\n", 2)[0], `"error"`) {
		t.Errorf("success line carries an error field:\n%s", out)
	}

	if got := l.DroppedLogs(); got != 0 {
		t.Errorf("DroppedLogs = %d, want 0", got)
	}
}

func TestLoggerCloseIsIdempotent(t *testing.T) {
	l, err := New(context.Background(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLoggerNilContextRejected(t *testing.T) {
	var missing context.Context
	if _, err := New(missing, nil); err == nil {
		t.Fatal("expected error for nil context")
	}
}
