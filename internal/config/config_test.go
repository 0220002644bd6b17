package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig drops a config.yaml into a temp dir and returns the dir.
func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const minimalYAML = `
providers:
  openai:
    api_key: sk-test
    models:
      - id: gpt-test
        capabilities: [text_generation, structured_output]
        cost_per_1k_tokens: 0.01
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if !cfg.Gateway.FallbackEnabled {
		t.Error("FallbackEnabled = false, want default true")
	}
	if cfg.Gateway.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Gateway.Timeout)
	}
	if cfg.Gateway.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Gateway.MaxRetries)
	}
	if !cfg.Gateway.PerformanceTracking {
		t.Error("PerformanceTracking = false, want default true")
	}
	if cfg.Health.CheckInterval != 30*time.Second {
		t.Errorf("CheckInterval = %v, want 30s", cfg.Health.CheckInterval)
	}
	if cfg.Checkpoint.Mode != CheckpointNone {
		t.Errorf("Checkpoint.Mode = %q, want none", cfg.Checkpoint.Mode)
	}

	p := cfg.Providers["openai"]
	if p.Kind != KindOpenAI {
		t.Errorf("Kind = %q, want openai", p.Kind)
	}
	if p.BaseWeight != 1.0 {
		t.Errorf("BaseWeight = %v, want default 1.0", p.BaseWeight)
	}
	if !p.IsEnabled() {
		t.Error("IsEnabled = false, want default true")
	}
	if len(p.Models) != 1 || p.Models[0].ID != "gpt-test" {
		t.Fatalf("Models = %+v", p.Models)
	}
	if !p.Models[0].SystemMessages() || !p.Models[0].Temperature() {
		t.Error("model capability flags should default to true")
	}
}

func TestLoadAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")

	cfg, err := Load(writeConfig(t, `
providers:
  anthropic:
    models:
      - id: claude-test
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "sk-ant-env" {
		t.Fatalf("APIKey = %q, want env value", got)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
port: 9090
log_level: debug
gateway:
  fallback_enabled: false
  timeout: 10s
  max_retries: 1
  cost_optimization: true
  latency_probing: true
checkpoint:
  mode: file
  path: /var/lib/gateway/weights.json
score_weights:
  latency: 0.5
  reliability: 0.5
weights:
  rebalance:
    response_time: 0.5
    success_rate: 0.5
providers:
  openai:
    api_key: sk-test
    priority: 2
    temperature: 0.4
    base_weight: 2.5
    high_quality: true
    max_connections: 10
    models:
      - id: gpt-test
  local:
    base_url: http://localhost:11434/v1
    models:
      - id: llama-test
        supports_system_messages: false
model_aliases:
  fastest:
    - provider: openai
      model: gpt-test
      priority: 1
    - provider: local
      model: llama-test
      priority: 2
task_routing:
  triage:
    simple: fastest
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Fatalf("Port/LogLevel = %d/%q", cfg.Port, cfg.LogLevel)
	}
	if cfg.Gateway.FallbackEnabled || cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("Gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.MaxRetries != 1 {
		t.Fatalf("MaxRetries = %d, want 1", cfg.Gateway.MaxRetries)
	}
	if cfg.Checkpoint.Mode != CheckpointFile || cfg.Checkpoint.Path == "" {
		t.Fatalf("Checkpoint = %+v", cfg.Checkpoint)
	}
	if s := cfg.ScoreWeights.Sum(); s != 1.0 {
		t.Fatalf("ScoreWeights.Sum() = %v, want 1.0", s)
	}
	if s := cfg.Weights.Rebalance.Sum(); s != 1.0 {
		t.Fatalf("Rebalance.Sum() = %v, want 1.0", s)
	}

	oa := cfg.Providers["openai"]
	if oa.Priority != 2 {
		t.Fatalf("openai Priority = %d, want 2", oa.Priority)
	}
	if oa.Temperature == nil || *oa.Temperature != 0.4 {
		t.Fatalf("openai Temperature = %v, want 0.4", oa.Temperature)
	}

	local := cfg.Providers["local"]
	if local.Kind != KindOpenAICompat {
		t.Fatalf("local Kind = %q, want openai_compat", local.Kind)
	}
	if local.Models[0].SystemMessages() {
		t.Error("supports_system_messages: false not honoured")
	}

	targets := cfg.ModelAliases["fastest"]
	if len(targets) != 2 || targets[0].Provider != "openai" || targets[1].Priority != 2 {
		t.Fatalf("ModelAliases[fastest] = %+v", targets)
	}
	if cfg.TaskRouting["triage"]["simple"] != "fastest" {
		t.Fatalf("TaskRouting = %+v", cfg.TaskRouting)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"no providers",
			`log_level: info`,
			"no providers",
		},
		{
			"bad log level",
			"log_level: loud\n" + minimalYAML,
			"log_level",
		},
		{
			"score weights off balance",
			minimalYAML + "\nscore_weights:\n  latency: 0.5\n  cost: 0.4\n",
			"score_weights",
		},
		{
			"file checkpoint without path",
			minimalYAML + "\ncheckpoint:\n  mode: file\n",
			"checkpoint.path",
		},
		{
			"unknown checkpoint mode",
			minimalYAML + "\ncheckpoint:\n  mode: s3\n",
			"checkpoint.mode",
		},
		{
			"compat provider without base_url",
			`
providers:
  local:
    api_key: none
    models:
      - id: llama-test
`,
			"base_url",
		},
		{
			"provider without models",
			`
providers:
  openai:
    api_key: sk-test
`,
			"no models",
		},
		{
			"negative max_retries",
			minimalYAML + "\ngateway:\n  max_retries: -1\n",
			"max_retries",
		},
		{
			"temperature out of range",
			`
providers:
  openai:
    api_key: sk-test
    temperature: 2.5
    models:
      - id: gpt-test
`,
			"temperature",
		},
		{
			"bad task routing complexity",
			minimalYAML + "\ntask_routing:\n  triage:\n    hard: fastest\n",
			"complexity",
		},
		{
			"alias target without model",
			minimalYAML + "\nmodel_aliases:\n  fastest:\n    - provider: openai\n",
			"model_aliases",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSkipsKeylessProviders(t *testing.T) {
	// A keyless cloud provider is not enabled; a keyless local endpoint is.
	cfg, err := Load(writeConfig(t, `
providers:
  cloudy:
    kind: openai
    models:
      - id: gpt-test
  local:
    base_url: http://localhost:11434/v1
    models:
      - id: llama-test
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	enabled := cfg.EnabledProviders()
	if len(enabled) != 1 || enabled[0] != "local" {
		t.Fatalf("EnabledProviders = %v, want [local]", enabled)
	}
}

func TestEnvKeyName(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"openai", "OPENAI_API_KEY"},
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"my-local", "MY_LOCAL_API_KEY"},
	}
	for _, tt := range tests {
		if got := EnvKeyName(tt.provider); got != tt.want {
			t.Errorf("EnvKeyName(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}
