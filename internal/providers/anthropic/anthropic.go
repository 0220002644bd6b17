// Package anthropic adapts the Anthropic Messages API (official SDK) to the
// gateway's provider contract. Structured output is prompt-based: the JSON
// schema is appended to the prompt and the reply is shape-checked.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic.
type Adapter struct {
	apiKey      string
	baseURL     string
	timeout     time.Duration
	defaultTemp *float64
	client      anthropic.Client
	catalog     *providers.Catalog
	models      []providers.ModelMetadata
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithDefaultTemperature sets the sampling temperature used when a request
// does not specify one.
func WithDefaultTemperature(t float64) Option {
	return func(a *Adapter) { a.defaultTemp = &t }
}

// New creates an Anthropic Adapter serving the given model catalog.
// Call Initialize before use.
func New(apiKey string, models []providers.ModelMetadata, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		timeout: providers.DefaultDispatchTimeout,
		models:  models,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropic.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: a.timeout}),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

// Initialize validates credentials against GET /v1/models and publishes the
// model catalog. No side effects on failure.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.apiKey == "" {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrAuthFailed,
			Status: 401, Message: "no API key configured",
		}
	}
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: initialize: %w", toProviderError(err))
	}
	a.catalog = providers.NewCatalog(a.models)
	return nil
}

// HealthCheck performs a cheap liveness probe (GET /v1/models limit=1).
func (a *Adapter) HealthCheck(ctx context.Context) providers.ProbeResult {
	start := time.Now()
	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	res := providers.ProbeResult{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
	}
	if err != nil {
		res.Err = toProviderError(err)
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

// GenerateText performs a messages call.
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generate(ctx, req, modelID, req.Prompt)
}

// GenerateStructuredOutput appends the schema to the prompt and validates the
// reply; a non-conforming reply yields a malformed_response error.
func (a *Adapter) GenerateStructuredOutput(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	prompt := providers.BuildSchemaPrompt(req.Prompt, req.OutputSchema)
	resp := a.generate(ctx, req, modelID, prompt)
	if resp.Error != "" {
		return resp
	}
	if err := providers.ValidateAgainstSchema(resp.Content, req.OutputSchema); err != nil {
		pe := &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrMalformedResponse,
			Message: err.Error(),
		}
		fail := providers.FailureResponse(providerName, modelID, time.Duration(resp.ResponseTime*float64(time.Second)), pe)
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

	meta, ok := a.lookupModel(modelID)
	if !ok {
		return providers.FailureResponse(providerName, modelID, time.Since(start), &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrUnknownModel,
			Status: 404, Message: fmt.Sprintf("model %q not in catalog", modelID),
		})
	}

	params := a.buildParams(req, meta, prompt)

	msg, err := a.client.Messages.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return providers.FailureResponse(providerName, modelID, elapsed, toProviderError(err))
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	content := sb.String()

	promptTokens := int(msg.Usage.InputTokens)
	completionTokens := int(msg.Usage.OutputTokens)
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = providers.EstimateTokens(prompt + req.SystemMessage)
		completionTokens = providers.EstimateTokens(content)
	}

	return &providers.GenerationResponse{
		Content:          content,
		ModelID:          modelID,
		ProviderName:     providerName,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Cost:             providers.ComputeCost(meta.CostPer1KTokens, promptTokens, completionTokens),
		ResponseTime:     elapsed.Seconds(),
		RawResponse:      []byte(msg.RawJSON()),
	}
}

func (a *Adapter) buildParams(req *providers.GenerationRequest, meta providers.ModelMetadata, prompt string) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	if meta.MaxOutputTokens > 0 && maxTokens > meta.MaxOutputTokens {
		maxTokens = meta.MaxOutputTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(meta.ModelID),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: prompt}},
				},
			},
		},
	}

	if req.SystemMessage != "" && meta.SupportsSystemMessages {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemMessage}}
	}
	temp := req.Temperature
	if temp == nil {
		temp = a.defaultTemp
	}
	if temp != nil && meta.SupportsTemperature {
		params.Temperature = anthropic.Float(*temp)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	return params
}

func (a *Adapter) lookupModel(modelID string) (providers.ModelMetadata, bool) {
	if a.catalog == nil {
		return providers.ModelMetadata{}, false
	}
	return a.catalog.Lookup(modelID)
}

func toProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider: providerName,
			Kind:     providers.ClassifyStatus(apierr.StatusCode),
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrTimeout, Message: err.Error(),
		}
	}
	if errors.Is(err, context.Canceled) {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrCancelled, Message: err.Error(),
		}
	}
	return err
}
