package providers

import "sort"

// Catalog is the per-adapter model table, populated during Initialize from
// configuration. It is read-only after initialization, so no locking is
// required on the request path.
type Catalog struct {
	models map[string]ModelMetadata
}

// NewCatalog builds a Catalog from the given metadata entries.
func NewCatalog(models []ModelMetadata) *Catalog {
	c := &Catalog{models: make(map[string]ModelMetadata, len(models))}
	for _, m := range models {
		c.models[m.ModelID] = m
	}
	return c
}

// Lookup returns the metadata for modelID.
func (c *Catalog) Lookup(modelID string) (ModelMetadata, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// List returns all models sorted by model ID for stable iteration.
func (c *Catalog) List() []ModelMetadata {
	out := make([]ModelMetadata, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// SupportsCapability reports whether modelID advertises cap.
// Unknown models support nothing.
func (c *Catalog) SupportsCapability(modelID string, cap Capability) bool {
	m, ok := c.models[modelID]
	if !ok {
		return false
	}
	return m.HasCapability(cap)
}

// Len returns the number of models in the catalog.
func (c *Catalog) Len() int { return len(c.models) }
