// Package openai adapts the OpenAI API (official SDK) to the gateway's
// provider contract. Structured output uses the native json_schema response
// format.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	apiKey      string
	baseURL     string
	timeout     time.Duration
	defaultTemp *float64
	client      openaiSDK.Client
	catalog     *providers.Catalog
	models      []providers.ModelMetadata
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing and proxies).
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

// New creates an OpenAI Adapter serving the given model catalog.
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

	httpClient := &http.Client{Timeout: a.timeout}
	if a.baseURL != "" && a.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, a.baseURL)
	}

	a.client = openaiSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

// Initialize validates credentials with a minimal probe and publishes the
// model catalog. It has no side effects on failure.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.apiKey == "" {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrAuthFailed,
			Status: 401, Message: "no API key configured",
		}
	}
	if _, err := a.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: initialize: %w", toProviderError(err))
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

// GenerateText performs a chat completion call.
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generate(ctx, req, modelID, nil)
}

// GenerateStructuredOutput performs a completion with the native json_schema
// response format and verifies the result against the schema shape.
func (a *Adapter) GenerateStructuredOutput(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	resp := a.generate(ctx, req, modelID, req.OutputSchema)
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

func (a *Adapter) generate(ctx context.Context, req *providers.GenerationRequest, modelID string, schema []byte) *providers.GenerationResponse {
	start := time.Now()

	meta, ok := a.lookupModel(modelID)
	if !ok {
		return providers.FailureResponse(providerName, modelID, time.Since(start), &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrUnknownModel,
			Status: 404, Message: fmt.Sprintf("model %q not in catalog", modelID),
		})
	}

	params := a.buildParams(req, meta, schema)

	completion, err := a.client.Chat.Completions.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		return providers.FailureResponse(providerName, modelID, elapsed, toProviderError(err))
	}

	content := ""
	if len(completion.Choices) > 0 {
		content = completion.Choices[0].Message.Content
	}

	promptTokens := int(completion.Usage.PromptTokens)
	completionTokens := int(completion.Usage.CompletionTokens)
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens = providers.EstimateTokens(req.Prompt + req.SystemMessage)
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
		RawResponse:      []byte(completion.RawJSON()),
	}
}

func (a *Adapter) buildParams(req *providers.GenerationRequest, meta providers.ModelMetadata, schema []byte) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemMessage != "" && meta.SupportsSystemMessages {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemMessage))
	}
	msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))

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

	if len(schema) > 0 {
		var schemaMap map[string]any
		_ = json.Unmarshal(schema, &schemaMap)
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "structured_output",
					Schema: schemaMap,
				},
			},
		}
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
	var apierr *openaiSDK.Error
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

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}
