// Command upstream runs a mock OpenAI-compatible model endpoint for
// credential-free development and E2E runs. Point any provider at it with
// kind: openai_compat (or an openai provider with base_url), e.g.:
//
//	providers:
//	  local:
//	    kind: openai_compat
//	    base_url: http://localhost:19001/v1
//	    models:
//	      - id: mock-small
//	        cost_per_1k_tokens: 0.0
//
// It serves GET /v1/models and POST /v1/chat/completions.
//
// Behaviour flags (via env):
//
//	MOCK_PORT        — listen port (default 19001)
//	MOCK_LATENCY_MS  — artificial latency per response (default 0)
//	MOCK_ERROR_RATE  — fraction [0,1] of requests answered with HTTP 500 (default 0)
//	MOCK_RATE_429    — fraction [0,1] of requests answered with HTTP 429 (default 0)
//	MOCK_MODELS      — comma-separated model ids (default "mock-small,mock-large")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type settings struct {
	port      string
	latency   time.Duration
	errorRate float64
	rate429   float64
	models    []string
}

func loadSettings() settings {
	s := settings{
		port:   "19001",
		models: []string{"mock-small", "mock-large"},
	}
	if v := os.Getenv("MOCK_PORT"); v != "" {
		s.port = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			s.errorRate = f
		}
	}
	if v := os.Getenv("MOCK_RATE_429"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			s.rate429 = f
		}
	}
	if v := os.Getenv("MOCK_MODELS"); v != "" {
		s.models = strings.Split(v, ",")
	}
	return s
}

// chatRequest is the subset of the chat-completions body the mock reads.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int `json:"max_tokens"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeWireError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

// reply fabricates deterministic-looking content so responses are easy to
// correlate with requests in logs.
func reply(model, lastUserMessage string) string {
	trimmed := lastUserMessage
	if len(trimmed) > 48 {
		trimmed = trimmed[:48] + "…"
	}
	return fmt.Sprintf("[%s] simulated completion for: %s", model, trimmed)
}

func handler(cfg settings, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(cfg.latency)
		data := make([]map[string]any, 0, len(cfg.models))
		for _, id := range cfg.models {
			data = append(data, map[string]any{
				"id": id, "object": "model", "owned_by": "mock",
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	})

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(cfg.latency)

		switch roll := rand.Float64(); {
		case roll < cfg.errorRate:
			writeWireError(w, http.StatusInternalServerError, "simulated upstream failure", "server_error")
			return
		case roll < cfg.errorRate+cfg.rate429:
			w.Header().Set("Retry-After", "1")
			writeWireError(w, http.StatusTooManyRequests, "simulated rate limit", "rate_limit_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeWireError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = cfg.models[0]
		}
		prompt := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				prompt = m.Content
			}
		}

		content := reply(model, prompt)
		promptTokens := len(prompt)/4 + 1
		completionTokens := len(content)/4 + 1

		log.Info("completion",
			slog.String("model", model),
			slog.Int("prompt_tokens", promptTokens))

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock-%d", time.Now().UnixNano()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]string{"role": "assistant", "content": content},
			}},
			"usage": map[string]int{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
				"total_tokens":      promptTokens + completionTokens,
			},
		})
	})

	return mux
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := loadSettings()

	srv := &http.Server{
		Addr:         ":" + cfg.port,
		Handler:      handler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening",
			slog.String("addr", srv.Addr),
			slog.Any("models", cfg.models),
			slog.Duration("latency", cfg.latency),
			slog.Float64("error_rate", cfg.errorRate))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock upstream stopped")
}
