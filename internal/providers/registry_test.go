package providers

import (
	"context"
	"reflect"
	"testing"
)

// stubAdapter carries just enough for registry tests.
type stubAdapter struct {
	name   string
	models []ModelMetadata
}

func (a *stubAdapter) Name() string                     { return a.name }
func (a *stubAdapter) Initialize(context.Context) error { return nil }
func (a *stubAdapter) AvailableModels() []ModelMetadata { return a.models }

func (a *stubAdapter) GenerateText(_ context.Context, _ *GenerationRequest, modelID string) *GenerationResponse {
	return &GenerationResponse{Content: "ok", ModelID: modelID, ProviderName: a.name}
}

func (a *stubAdapter) GenerateStructuredOutput(ctx context.Context, req *GenerationRequest, modelID string) *GenerationResponse {
	return a.GenerateText(ctx, req, modelID)
}

func (a *stubAdapter) SupportsCapability(modelID string, cap Capability) bool {
	for _, m := range a.models {
		if m.ModelID == modelID {
			return m.HasCapability(cap)
		}
	}
	return false
}

func (a *stubAdapter) HealthCheck(context.Context) ProbeResult {
	return ProbeResult{Healthy: true}
}

func stub(name string, modelIDs ...string) *stubAdapter {
	a := &stubAdapter{name: name}
	for _, id := range modelIDs {
		a.models = append(a.models, ModelMetadata{
			ModelID:      id,
			ProviderName: name,
			Capabilities: []Capability{CapTextGeneration},
		})
	}
	return a
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", stub("openai", "m1"))
	r.Register("anthropic", stub("anthropic", "m2"))
	r.Register("gemini", stub("gemini", "m3"))

	want := []string{"openai", "anthropic", "gemini"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}

	// Re-registering keeps the original slot.
	r.Register("anthropic", stub("anthropic", "m2-v2"))
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names() after re-register = %v, want %v", got, want)
	}
	a, _ := r.Get("anthropic")
	if a.AvailableModels()[0].ModelID != "m2-v2" {
		t.Fatal("re-register did not replace the adapter")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", stub("openai", "m1"))
	r.Register("anthropic", stub("anthropic", "m2"))

	r.Unregister("openai")

	if r.Has("openai") {
		t.Fatal("Has(openai) = true after Unregister")
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"anthropic"}) {
		t.Fatalf("Names() = %v, want [anthropic]", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Unregister("never-there") // no-op
}

func TestRegistryFindModel(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", stub("openai", "shared", "gpt-only"))
	r.Register("anthropic", stub("anthropic", "shared"))
	r.Register("gemini", stub("gemini", "gemini-only"))

	if got := r.FindModel("shared"); !reflect.DeepEqual(got, []string{"openai", "anthropic"}) {
		t.Fatalf("FindModel(shared) = %v, want [openai anthropic]", got)
	}
	if got := r.FindModel("gpt-only"); !reflect.DeepEqual(got, []string{"openai"}) {
		t.Fatalf("FindModel(gpt-only) = %v, want [openai]", got)
	}
	if got := r.FindModel("nope"); got != nil {
		t.Fatalf("FindModel(nope) = %v, want nil", got)
	}
}

func TestRegistrySupportsCapability(t *testing.T) {
	r := NewRegistry()
	r.Register("openai", stub("openai", "m1"))

	if !r.SupportsCapability("openai", "m1", CapTextGeneration) {
		t.Fatal("SupportsCapability = false for advertised capability")
	}
	if r.SupportsCapability("openai", "m1", CapStructuredOutput) {
		t.Fatal("SupportsCapability = true for missing capability")
	}
	if r.SupportsCapability("unknown", "m1", CapTextGeneration) {
		t.Fatal("SupportsCapability = true for unknown provider")
	}
}

func TestCatalog(t *testing.T) {
	c := NewCatalog([]ModelMetadata{
		{ModelID: "b-model", Capabilities: []Capability{CapTextGeneration}},
		{ModelID: "a-model", Capabilities: []Capability{CapTextGeneration, CapStructuredOutput}},
	})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}

	m, ok := c.Lookup("a-model")
	if !ok || m.ModelID != "a-model" {
		t.Fatalf("Lookup(a-model) = %+v, %v", m, ok)
	}
	if _, ok := c.Lookup("missing"); ok {
		t.Fatal("Lookup(missing) = ok")
	}

	list := c.List()
	if list[0].ModelID != "a-model" || list[1].ModelID != "b-model" {
		t.Fatalf("List() not sorted by model ID: %v, %v", list[0].ModelID, list[1].ModelID)
	}

	if !c.SupportsCapability("a-model", CapStructuredOutput) {
		t.Fatal("SupportsCapability(a-model, structured_output) = false")
	}
	if c.SupportsCapability("b-model", CapStructuredOutput) {
		t.Fatal("SupportsCapability(b-model, structured_output) = true")
	}
	if c.SupportsCapability("missing", CapTextGeneration) {
		t.Fatal("SupportsCapability(missing, …) = true")
	}
}
