// Package server is the HTTP shell over the dispatch core.
//
// The surface is intentionally thin: parse and validate the inbound body,
// hand the normalized request to the dispatcher, and translate its response
// into JSON or a structured API error. All routing intelligence lives below
// this package.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/dispatch"
	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
)

// Dispatcher is the server's view of the dispatch core.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *providers.GenerationRequest, selector string, method dispatch.Method) *providers.GenerationResponse
}

// Config holds server tuning.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// ReadTimeout / WriteTimeout bound the HTTP exchange. Default 120s each;
	// they must comfortably exceed the dispatch timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the runnable HTTP surface.
type Server struct {
	cfg     Config
	disp    Dispatcher
	monitor *health.Monitor
	weights *weights.Manager
	metrics fasthttp.RequestHandler
	log     *slog.Logger

	srv     *fasthttp.Server
	started time.Time
}

// New builds a Server. metricsHandler may be nil to disable /metrics.
func New(cfg Config, disp Dispatcher, monitor *health.Monitor, wm *weights.Manager, metricsHandler fasthttp.RequestHandler, log *slog.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 120 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		disp:    disp,
		monitor: monitor,
		weights: wm,
		metrics: metricsHandler,
		log:     log,
		started: time.Now(),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.cfg.Addr }

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/generate", s.handleGenerate)
	r.POST("/v1/structured", s.handleStructured)
	r.GET("/health", s.handleHealth)
	r.GET("/v1/weights", s.handleWeights)
	r.GET("/v1/weights/events", s.handleWeightEvents)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
	)
}

// Start runs the listener until Close is called. It blocks.
func (s *Server) Start() error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info("http_listen", slog.String("addr", s.cfg.Addr))
	return s.srv.ListenAndServe(s.cfg.Addr)
}

// Close shuts the listener down gracefully.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// ── Inbound / outbound envelopes ─────────────────────────────────────────────

type (
	inboundGenerationRequest struct {
		// Model is the selector: an alias, "provider:model", or a bare model
		// ID. Empty falls through to the balanced alias.
		Model         string          `json:"model"`
		Prompt        string          `json:"prompt"`
		SystemMessage string          `json:"system_message"`
		Temperature   *float64        `json:"temperature"`
		MaxTokens     int             `json:"max_tokens"`
		StopSequences []string        `json:"stop_sequences"`
		TaskType      string          `json:"task_type"`
		Complexity    string          `json:"complexity"`
		OutputSchema  json.RawMessage `json:"output_schema"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundGenerationResponse struct {
		RequestID      string        `json:"request_id"`
		Content        string        `json:"content"`
		Provider       string        `json:"provider"`
		Model          string        `json:"model"`
		Usage          outboundUsage `json:"usage"`
		CostUSD        float64       `json:"cost_usd"`
		ResponseTimeMs int64         `json:"response_time_ms"`
	}

	providerHealth struct {
		Status              string    `json:"status"`
		Circuit             string    `json:"circuit"`
		ConsecutiveFailures int       `json:"consecutive_failures"`
		TotalErrors         int       `json:"total_errors"`
		LastError           string    `json:"last_error,omitempty"`
		LastProbeTime       time.Time `json:"last_probe_time"`
		ResponseTimeMs      int64     `json:"response_time_ms"`
	}

	healthResponse struct {
		Status        string                    `json:"status"`
		UptimeSeconds int64                     `json:"uptime_seconds"`
		Providers     map[string]providerHealth `json:"providers"`
	}
)

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, dispatch.MethodGenerateText)
}

func (s *Server) handleStructured(ctx *fasthttp.RequestCtx) {
	s.dispatch(ctx, dispatch.MethodGenerateStructuredOutput)
}

func (s *Server) dispatch(ctx *fasthttp.RequestCtx, method dispatch.Method) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var in inboundGenerationRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.InvalidRequest(fmt.Sprintf("invalid JSON: %s", err.Error())).Write(ctx)
		return
	}
	if msg := validate(&in, method); msg != "" {
		apierr.InvalidRequest(msg).Write(ctx)
		return
	}

	req := &providers.GenerationRequest{
		Prompt:        in.Prompt,
		SystemMessage: in.SystemMessage,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		StopSequences: in.StopSequences,
		TaskType:      in.TaskType,
		Complexity:    providers.Complexity(in.Complexity),
	}
	if method == dispatch.MethodGenerateStructuredOutput {
		req.OutputSchema = in.OutputSchema
	}

	s.log.Info("inbound_request",
		slog.String("request_id", reqID),
		slog.String("selector", in.Model),
		slog.String("task_type", in.TaskType),
		slog.Bool("structured", method == dispatch.MethodGenerateStructuredOutput),
	)

	resp := s.disp.Dispatch(ctx, req, in.Model, method)
	if resp.Error != "" {
		s.writeDispatchError(ctx, reqID, resp)
		return
	}

	out := outboundGenerationResponse{
		RequestID: reqID,
		Content:   resp.Content,
		Provider:  resp.ProviderName,
		Model:     resp.ModelID,
		Usage: outboundUsage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.TotalTokens,
		},
		CostUSD:        resp.Cost,
		ResponseTimeMs: int64(resp.ResponseTime * 1000),
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

// validate returns a human-readable problem description, or "" when the
// request is acceptable.
func validate(in *inboundGenerationRequest, method dispatch.Method) string {
	if strings.TrimSpace(in.Prompt) == "" {
		return "field 'prompt' is required"
	}
	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return "field 'temperature' must be within [0, 2]"
	}
	if in.MaxTokens < 0 {
		return "field 'max_tokens' must be >= 0"
	}
	switch providers.Complexity(in.Complexity) {
	case "", providers.ComplexitySimple, providers.ComplexityMedium, providers.ComplexityComplex:
	default:
		return "field 'complexity' must be one of: simple, medium, complex"
	}
	if method == dispatch.MethodGenerateStructuredOutput {
		if len(in.OutputSchema) == 0 {
			return "field 'output_schema' is required"
		}
		if !json.Valid(in.OutputSchema) {
			return "field 'output_schema' must be valid JSON"
		}
	}
	return ""
}

// writeDispatchError maps a failed dispatch onto the API error envelope.
// The dispatcher never returns a Go error; the failure kind is recovered
// from the response's Error string.
func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, resp *providers.GenerationResponse) {
	kind := providers.ClassifyErrorString(resp.Error)

	s.log.Warn("dispatch_failed",
		slog.String("request_id", reqID),
		slog.String("provider", resp.ProviderName),
		slog.String("error_kind", string(kind)),
		slog.String("error", resp.Error),
	)

	switch kind {
	case providers.ErrRateLimited:
		apierr.RateLimited(resp.Error).Write(ctx)
	case providers.ErrTimeout:
		apierr.Timeout(resp.Error).Write(ctx)
	default:
		apierr.Upstream(resp.Error).Write(ctx)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	out := healthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Providers:     make(map[string]providerHealth),
	}

	anyHealthy, anyAvailable := false, false
	for name, st := range s.monitor.SnapshotAll() {
		out.Providers[name] = providerHealth{
			Status:              string(st.Status),
			Circuit:             string(st.Circuit),
			ConsecutiveFailures: st.ConsecutiveFailures,
			TotalErrors:         st.TotalErrors,
			LastError:           st.LastError,
			LastProbeTime:       st.LastProbeTime,
			ResponseTimeMs:      st.LastResponseTime.Milliseconds(),
		}
		if st.Status == health.StatusHealthy || st.Status == health.StatusUnknown {
			anyHealthy = true
		}
		if s.monitor.IsAvailable(name) {
			anyAvailable = true
		}
	}

	status := fasthttp.StatusOK
	switch {
	case anyHealthy:
	case anyAvailable:
		out.Status = "degraded"
	default:
		out.Status = "unhealthy"
		status = fasthttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, out)
}

func (s *Server) handleWeights(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, s.weights.SnapshotAll())
}

func (s *Server) handleWeightEvents(ctx *fasthttp.RequestCtx) {
	limit := ctx.QueryArgs().GetUintOrZero("limit")
	if limit <= 0 {
		limit = 100
	}
	writeJSON(ctx, fasthttp.StatusOK, s.weights.Events(limit))
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.Internal("failed to serialize response").Write(ctx)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
