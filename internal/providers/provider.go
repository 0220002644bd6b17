// Package providers defines the common contract implemented by every upstream
// model adapter (OpenAI, Anthropic, Gemini, and OpenAI-compatible endpoints).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface. The rest of the gateway — router, dispatcher, health monitor —
// only ever sees this package's types; the upstream wire format is an adapter
// concern.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capability describes one feature a model advertises.
type Capability string

const (
	CapTextGeneration   Capability = "text_generation"
	CapStructuredOutput Capability = "structured_output"
	CapFunctionCalling  Capability = "function_calling"
	CapVision           Capability = "vision"
	CapStreaming        Capability = "streaming"
	CapCodeGeneration   Capability = "code_generation"
)

// Complexity is the caller-declared (or derived) difficulty of a request.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

type (
	// GenerationRequest is the normalized inbound request. Immutable once
	// constructed; adapters must not mutate it.
	GenerationRequest struct {
		Prompt        string
		SystemMessage string
		Temperature   *float64 // nil = provider default; else in [0,2]
		MaxTokens     int      // 0 = provider default
		StopSequences []string
		// OutputSchema selects the structured-output path when non-nil.
		OutputSchema json.RawMessage
		// TaskType is a free-form domain label, e.g. "triage" or "critique".
		TaskType   string
		Complexity Complexity
		// ExtraParams carries provider-specific knobs opaque to the core.
		ExtraParams map[string]any
	}

	// GenerationResponse is the normalized upstream result. Error is set if
	// and only if the call failed; Content is empty on failure.
	GenerationResponse struct {
		Content          string
		ModelID          string
		ProviderName     string
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
		// Cost is the estimated USD cost of the call.
		Cost float64
		// ResponseTime is the end-to-end upstream call duration in seconds.
		ResponseTime float64
		Error        string
		// RawResponse is the opaque upstream payload. The core never inspects it.
		RawResponse []byte
	}

	// ModelMetadata describes one model offered by one provider.
	ModelMetadata struct {
		ModelID                string
		ModelName              string
		ProviderName           string
		Capabilities           []Capability
		ContextLength          int
		MaxOutputTokens        int
		CostPer1KTokens        float64
		SupportsSystemMessages bool
		SupportsTemperature    bool
	}

	// ProbeResult is the outcome of a cheap liveness probe.
	ProbeResult struct {
		Healthy      bool
		ResponseTime time.Duration
		Err          error
	}
)

// HasCapability reports whether the model advertises cap.
func (m *ModelMetadata) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Adapter is the uniform contract over one upstream provider.
//
// Initialize validates credentials and populates the model catalog; it must
// have no side effects on failure. GenerateText and GenerateStructuredOutput
// always return a non-nil response whose Error field is set iff the upstream
// call failed. HealthCheck is a cheap probe distinct from a real generation.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	GenerateText(ctx context.Context, req *GenerationRequest, modelID string) *GenerationResponse
	GenerateStructuredOutput(ctx context.Context, req *GenerationRequest, modelID string) *GenerationResponse
	AvailableModels() []ModelMetadata
	SupportsCapability(modelID string, cap Capability) bool
	HealthCheck(ctx context.Context) ProbeResult
}

// ErrorKind classifies an upstream failure for retry and circuit-breaker
// decisions. These values are not user-facing.
type ErrorKind string

const (
	ErrAuthFailed        ErrorKind = "auth_failed"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrTimeout           ErrorKind = "timeout"
	ErrUpstream5xx       ErrorKind = "upstream_5xx"
	ErrMalformedResponse ErrorKind = "malformed_response"
	ErrUnknownModel      ErrorKind = "unknown_model"
	ErrCancelled         ErrorKind = "cancelled"
)

// ProviderError is the typed error every adapter returns for upstream
// failures. Kind steers the dispatcher's fallback and the health monitor's
// trip logic; Status is the upstream HTTP status when known.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) HTTPStatus() int { return e.Status }

// ClassifyStatus maps an upstream HTTP status code to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuthFailed
	case status == 429:
		return ErrRateLimited
	case status == 404:
		return ErrUnknownModel
	case status >= 500:
		return ErrUpstream5xx
	default:
		return ErrMalformedResponse
	}
}

// ClassifyError extracts the ErrorKind from err. Context cancellation and
// deadline expiry map to cancelled / timeout; unknown errors are treated as
// malformed responses (they count toward circuit-breaker trips).
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	return ErrMalformedResponse
}

// ClassifyErrorString recovers the ErrorKind embedded in a response Error
// string ("provider: kind: message"). Strings with no recognizable kind
// classify as malformed responses.
func ClassifyErrorString(msg string) ErrorKind {
	for _, k := range []ErrorKind{
		ErrAuthFailed,
		ErrRateLimited,
		ErrTimeout,
		ErrUpstream5xx,
		ErrUnknownModel,
		ErrCancelled,
		ErrMalformedResponse,
	} {
		if strings.Contains(msg, string(k)) {
			return k
		}
	}
	return ErrMalformedResponse
}

// AsProviderError unwraps err to a *ProviderError when possible.
func AsProviderError(err error) (*ProviderError, bool) {
	for err != nil {
		if pe, ok := err.(*ProviderError); ok {
			return pe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// EstimateTokens approximates a token count for text when the upstream does
// not report usage. The rule is fixed at ~4 characters per token for every
// adapter; the result is at least 1 for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// ComputeCost returns the USD cost for the given token counts at the model's
// per-1K-token rate.
func ComputeCost(costPer1K float64, promptTokens, completionTokens int) float64 {
	if costPer1K <= 0 {
		return 0
	}
	return costPer1K * float64(promptTokens+completionTokens) / 1000.0
}

// FailureResponse builds a GenerationResponse describing a failed call.
func FailureResponse(provider, modelID string, elapsed time.Duration, err error) *GenerationResponse {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &GenerationResponse{
		ProviderName: provider,
		ModelID:      modelID,
		ResponseTime: elapsed.Seconds(),
		Error:        msg,
	}
}

// Default tuning constants shared by the dispatcher and health monitor.
const (
	DefaultDispatchTimeout       = 60 * time.Second
	DefaultHealthCheckInterval   = 30 * time.Second
	DefaultCircuitBreakThreshold = 5
	DefaultCircuitBreakTimeout   = 300 * time.Second
	DefaultFailureThreshold      = 3
	DefaultMaxConnections        = 100
)
