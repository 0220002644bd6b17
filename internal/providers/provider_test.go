package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, ErrAuthFailed},
		{403, ErrAuthFailed},
		{429, ErrRateLimited},
		{404, ErrUnknownModel},
		{500, ErrUpstream5xx},
		{503, ErrUpstream5xx},
		{400, ErrMalformedResponse},
		{200, ErrMalformedResponse},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	pe := &ProviderError{Provider: "openai", Kind: ErrRateLimited, Status: 429, Message: "slow down"}

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"provider error", pe, ErrRateLimited},
		{"wrapped provider error", fmt.Errorf("call failed: %w", pe), ErrRateLimited},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), ErrTimeout},
		{"canceled", context.Canceled, ErrCancelled},
		{"opaque", errors.New("something else"), ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyErrorString(t *testing.T) {
	pe := &ProviderError{Provider: "anthropic", Kind: ErrUpstream5xx, Status: 502, Message: "bad gateway"}

	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{pe.Error(), ErrUpstream5xx},
		{"openai: auth_failed: invalid key", ErrAuthFailed},
		{"gemini: timeout: deadline exceeded", ErrTimeout},
		{"no recognizable kind here", ErrMalformedResponse},
		{"", ErrMalformedResponse},
	}
	for _, tt := range tests {
		if got := ClassifyErrorString(tt.msg); got != tt.want {
			t.Errorf("ClassifyErrorString(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestProviderErrorFormat(t *testing.T) {
	pe := &ProviderError{Provider: "openai", Kind: ErrAuthFailed, Status: 401, Message: "invalid api key"}
	want := "openai: auth_failed: invalid api key"
	if pe.Error() != want {
		t.Fatalf("Error() = %q, want %q", pe.Error(), want)
	}
	if pe.HTTPStatus() != 401 {
		t.Fatalf("HTTPStatus() = %d, want 401", pe.HTTPStatus())
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"ab", 1}, // short text still counts as one token
		{"abcd", 1},
		{"abcdefgh", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestComputeCost(t *testing.T) {
	if got := ComputeCost(0.03, 500, 500); math.Abs(got-0.03) > 1e-12 {
		t.Fatalf("ComputeCost = %v, want 0.03 for 1000 tokens at $0.03/1K", got)
	}
	if got := ComputeCost(0, 500, 500); got != 0 {
		t.Fatalf("ComputeCost with zero rate = %v, want 0", got)
	}
	if got := ComputeCost(-1, 500, 500); got != 0 {
		t.Fatalf("ComputeCost with negative rate = %v, want 0", got)
	}
}

func TestFailureResponse(t *testing.T) {
	resp := FailureResponse("openai", "gpt-test", 1500*time.Millisecond,
		&ProviderError{Provider: "openai", Kind: ErrTimeout, Message: "deadline exceeded"})

	if resp.ProviderName != "openai" || resp.ModelID != "gpt-test" {
		t.Fatalf("identity = %s/%s, want openai/gpt-test", resp.ProviderName, resp.ModelID)
	}
	if resp.Content != "" {
		t.Fatalf("Content = %q, want empty on failure", resp.Content)
	}
	if resp.Error == "" {
		t.Fatal("Error is empty")
	}
	if math.Abs(resp.ResponseTime-1.5) > 1e-9 {
		t.Fatalf("ResponseTime = %v, want 1.5", resp.ResponseTime)
	}

	nilErr := FailureResponse("openai", "gpt-test", 0, nil)
	if nilErr.Error != "unknown error" {
		t.Fatalf("Error = %q, want %q", nilErr.Error, "unknown error")
	}
}

func TestHasCapability(t *testing.T) {
	m := ModelMetadata{
		ModelID:      "gpt-test",
		Capabilities: []Capability{CapTextGeneration, CapStructuredOutput},
	}
	if !m.HasCapability(CapTextGeneration) {
		t.Fatal("HasCapability(text_generation) = false")
	}
	if m.HasCapability(CapVision) {
		t.Fatal("HasCapability(vision) = true, want false")
	}
}
