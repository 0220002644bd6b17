// Package openaicompat provides a generic adapter for any service exposing
// the OpenAI chat completions wire format (xAI, Groq, DeepSeek, Together AI,
// and local endpoints such as ollama or vllm).
//
// Unlike the first-party adapters, the provider name and base URL come from
// configuration, so one binary can register several instances. Structured
// output is prompt-based with a schema shape check, since compatibility
// endpoints rarely implement json_schema response formats faithfully.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Adapter implements providers.Adapter over the OpenAI wire format.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	timeout time.Duration
	// requireAuth is false for local endpoints that accept anonymous calls.
	requireAuth bool
	defaultTemp *float64
	client      openaiSDK.Client
	catalog     *providers.Catalog
	models      []providers.ModelMetadata
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithDefaultTemperature sets the sampling temperature used when a request
// does not specify one.
func WithDefaultTemperature(t float64) Option {
	return func(a *Adapter) { a.defaultTemp = &t }
}

// WithoutAuth marks the endpoint as anonymous (no API key required).
// Use for local inference servers.
func WithoutAuth() Option {
	return func(a *Adapter) { a.requireAuth = false }
}

// New creates an OpenAI-compatible Adapter.
//
//   - name    — unique provider identifier used for routing and logs.
//   - apiKey  — key sent as "Authorization: Bearer <key>"; may be empty for
//     anonymous endpoints (pass WithoutAuth).
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1" or
//     "http://localhost:11434/v1".
func New(name, apiKey, baseURL string, models []providers.ModelMetadata, opts ...Option) *Adapter {
	a := &Adapter{
		name:        name,
		apiKey:      apiKey,
		baseURL:     baseURL,
		timeout:     providers.DefaultDispatchTimeout,
		requireAuth: true,
		models:      models,
	}
	for _, o := range opts {
		o(a)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: a.timeout}),
	}
	if a.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = openaiSDK.NewClient(sdkOpts...)

	return a
}

func (a *Adapter) Name() string { return a.name }

// Initialize validates reachability with a models listing and publishes the
// catalog. No side effects on failure.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.requireAuth && a.apiKey == "" {
		return &providers.ProviderError{
			Provider: a.name, Kind: providers.ErrAuthFailed,
			Status: 401, Message: "no API key configured",
		}
	}
	if a.baseURL == "" {
		return fmt.Errorf("%s: initialize: base_url is required", a.name)
	}
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: initialize: %w", a.name, a.toProviderError(err))
	}
	a.catalog = providers.NewCatalog(a.models)
	return nil
}

// HealthCheck performs a cheap liveness probe (GET /v1/models).
func (a *Adapter) HealthCheck(ctx context.Context) providers.ProbeResult {
	start := time.Now()
	_, err := a.client.Models.List(ctx)
	res := providers.ProbeResult{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
	}
	if err != nil {
		res.Err = a.toProviderError(err)
	}
	return res
}

func (a *Adapter) AvailableModels() []providers.ModelMetadata {
	if a.catalog == nil {
		return nil
	}
	return a.catalog.List()
}

func (a *Adapter) SupportsCapability(modelID string, cap providers.Capability) bool {
	return a.catalog != nil && a.catalog.SupportsCapability(modelID, cap)
}

// GenerateText performs a chat completion call.
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generate(ctx, req, modelID, req.Prompt)
}

// GenerateStructuredOutput uses a schema-bearing prompt and validates the
// reply against the schema shape.
func (a *Adapter) GenerateStructuredOutput(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	prompt := providers.BuildSchemaPrompt(req.Prompt, req.OutputSchema)
	resp := a.generate(ctx, req, modelID, prompt)
	if resp.Error != "" {
		return resp
	}
	if err := providers.ValidateAgainstSchema(resp.Content, req.OutputSchema); err != nil {
		pe := &providers.ProviderError{
			Provider: a.name, Kind: providers.ErrMalformedResponse,
			Message: err.Error(),
		}
		fail := providers.FailureResponse(a.name, modelID, time.Duration(resp.ResponseTime*float64(time.Second)), pe)
		fail.PromptTokens = resp.PromptTokens
		fail.CompletionTokens = resp.CompletionTokens
		fail.TotalTokens = resp.TotalTokens
		return fail
	}
	resp.Content = providers.ExtractJSON(resp.Content)
	return resp
}

func (a *Adapter) generate(ctx context.Context, req *providers.GenerationRequest, modelID, prompt string) *providers.GenerationResponse {
	start := time.Now()

	if a.catalog == nil {
		return providers.FailureResponse(a.name, modelID, time.Since(start),
			fmt.Errorf("%s: not initialized", a.name))
	}
	meta, ok := a.catalog.Lookup(modelID)
	if !ok {
		return providers.FailureResponse(a.name, modelID, time.Since(start), &providers.ProviderError{
			Provider: a.name, Kind: providers.ErrUnknownModel,
			Status: 404, Message: fmt.Sprintf("model %q not in catalog", modelID),
		})
	}

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemMessage != "" && meta.SupportsSystemMessages {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemMessage))
	}
	msgs = append(msgs, openaiSDK.UserMessage(prompt))

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    meta.ModelID,
	}
	temp := req.Temperature
	if temp == nil {
		temp = a.defaultTemp
	}
	if temp != nil && meta.SupportsTemperature {
		params.Temperature = openaiSDK.Float(*temp)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: req.StopSequences,
		}
	}

	completion, err := a.client.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return providers.FailureResponse(a.name, modelID, elapsed, a.toProviderError(err))
	}

	content := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}

	promptTokens := int(completion.Usage.PromptTokens)
	completionTokens := int(completion.Usage.CompletionTokens)
	// Local endpoints frequently omit usage; fall back to the estimate.
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = providers.EstimateTokens(prompt + req.SystemMessage)
		completionTokens = providers.EstimateTokens(content)
	}

	return &providers.GenerationResponse{
		Content:          content,
		ModelID:          modelID,
		ProviderName:     a.name,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Cost:             providers.ComputeCost(meta.CostPer1KTokens, promptTokens, completionTokens),
		ResponseTime:     elapsed.Seconds(),
		RawResponse:      []byte(completion.RawJSON()),
	}
}

func (a *Adapter) toProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider: a.name,
			Kind:     providers.ClassifyStatus(apierr.StatusCode),
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.ProviderError{
			Provider: a.name, Kind: providers.ErrTimeout, Message: err.Error(),
		}
	}
	if errors.Is(err, context.Canceled) {
		return &providers.ProviderError{
			Provider: a.name, Kind: providers.ErrCancelled, Message: err.Error(),
		}
	}
	return err
}
