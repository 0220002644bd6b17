// Package gemini adapts the Google Gemini API (official GenAI SDK) to the
// gateway's provider contract. Structured output requests JSON via the
// response MIME type plus a schema-bearing prompt, then shape-checks the
// reply.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	apiKey      string
	baseURL     string
	timeout     time.Duration
	defaultTemp *float64
	client      *genai.Client
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

// New creates a Gemini Adapter serving the given model catalog.
// Call Initialize before use; client construction is deferred there so a bad
// configuration surfaces as an initialize error, not a nil adapter.
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
	return a
}

func (a *Adapter) Name() string { return providerName }

// Initialize builds the SDK client, validates connectivity with a one-model
// list call, and publishes the catalog. No side effects on failure.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.apiKey == "" {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrAuthFailed,
			Status: 401, Message: "no API key configured",
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: a.timeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: a.baseURL},
	})
	if err != nil {
		return fmt.Errorf("gemini: initialize: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: initialize: %w", toProviderError(err))
	}

	a.client = client
	a.catalog = providers.NewCatalog(a.models)
	return nil
}

// HealthCheck performs a cheap liveness probe (list one model).
func (a *Adapter) HealthCheck(ctx context.Context) providers.ProbeResult {
	if a.client == nil {
		return providers.ProbeResult{Err: fmt.Errorf("gemini: not initialized")}
	}
	start := time.Now()
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
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

// GenerateText performs a content generation call.
func (a *Adapter) GenerateText(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	return a.generate(ctx, req, modelID, req.Prompt, false)
}

// GenerateStructuredOutput requests application/json output with the schema
// appended to the prompt, then validates the reply shape.
func (a *Adapter) GenerateStructuredOutput(ctx context.Context, req *providers.GenerationRequest, modelID string) *providers.GenerationResponse {
	prompt := providers.BuildSchemaPrompt(req.Prompt, req.OutputSchema)
	resp := a.generate(ctx, req, modelID, prompt, true)
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

func (a *Adapter) generate(ctx context.Context, req *providers.GenerationRequest, modelID, prompt string, wantJSON bool) *providers.GenerationResponse {
	start := time.Now()

	if a.client == nil {
		return providers.FailureResponse(providerName, modelID, time.Since(start),
			fmt.Errorf("gemini: not initialized"))
	}

	meta, ok := a.catalog.Lookup(modelID)
	if !ok {
		return providers.FailureResponse(providerName, modelID, time.Since(start), &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrUnknownModel,
			Status: 404, Message: fmt.Sprintf("model %q not in catalog", modelID),
		})
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{}

	if req.SystemMessage != "" && meta.SupportsSystemMessages {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemMessage}},
		}
	}
	temp := req.Temperature
	if temp == nil {
		temp = a.defaultTemp
	}
	if temp != nil && meta.SupportsTemperature {
		cfg.Temperature = genai.Ptr[float32](float32(*temp))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}
	if wantJSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := a.client.Models.GenerateContent(ctx, meta.ModelID, contents, cfg)
	elapsed := time.Since(start)
	if err != nil {
		return providers.FailureResponse(providerName, modelID, elapsed, toProviderError(err))
	}

	content := ""
	if resp != nil {
		content = resp.Text()
	}

	var promptTokens, completionTokens int
	if resp != nil && resp.UsageMetadata != nil {
		promptTokens = int(resp.UsageMetadata.PromptTokenCount)
		completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
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
	}
}

func toProviderError(err error) error {
	if err == nil {
		return nil
	}
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider: providerName,
			Kind:     providers.ClassifyStatus(apierr.Code),
			Status:   apierr.Code,
			Message:  apierr.Message,
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
	if strings.Contains(err.Error(), "API key") {
		return &providers.ProviderError{
			Provider: providerName, Kind: providers.ErrAuthFailed,
			Status: 401, Message: err.Error(),
		}
	}
	return err
}
