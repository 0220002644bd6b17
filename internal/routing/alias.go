// Package routing selects provider/model candidates for a request: the
// AliasResolver turns a selector string into an ordered candidate list, and
// the Router scores and reorders that list from live health, weight, and
// performance state.
package routing

import (
	"sort"
	"strings"
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// FallbackAlias is used when a selector resolves to nothing.
const FallbackAlias = "balanced"

// aliasSynonyms maps recognized selectors onto their canonical alias when
// the configuration does not define them directly.
var aliasSynonyms = map[string]string{
	"fast":     "fastest",
	"powerful": "best",
}

// Entry is one (provider, model) pair in an alias list. Lower priority sorts
// first.
type Entry struct {
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model" json:"model"`
	Priority int    `mapstructure:"priority" json:"priority"`
}

// AliasResolver maps symbolic model names ("fastest", "cheapest", ...) to
// ranked provider/model lists. The live table is re-derived from the static
// configuration on every registration change, keeping only entries whose
// provider is currently registered.
type AliasResolver struct {
	registry *providers.Registry

	mu       sync.RWMutex
	static   map[string][]Entry
	table    map[string][]Entry
	priority map[string]int
}

// NewAliasResolver builds a resolver over the static alias configuration.
// Call Rebuild after every registration change.
func NewAliasResolver(static map[string][]Entry, registry *providers.Registry) *AliasResolver {
	r := &AliasResolver{
		registry: registry,
		static:   static,
		table:    make(map[string][]Entry),
	}
	r.Rebuild()
	return r
}

// Rebuild filters the static table down to registered providers and sorts
// each list ascending by priority. The sort is stable so ties keep their
// configured order.
func (r *AliasResolver) Rebuild() {
	table := make(map[string][]Entry, len(r.static))
	for alias, entries := range r.static {
		kept := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if r.registry.Has(e.Provider) {
				kept = append(kept, e)
			}
		}
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Priority < kept[j].Priority })
		table[alias] = kept
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
}

// SetProviderPriorities installs the per-provider priority used to order
// entries when a bare model id resolves to several providers. Lower sorts
// first; unlisted providers rank as 0.
func (r *AliasResolver) SetProviderPriorities(p map[string]int) {
	r.mu.Lock()
	r.priority = p
	r.mu.Unlock()
}

// Aliases returns the names of all configured aliases.
func (r *AliasResolver) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.table))
	for alias := range r.table {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Resolve turns a selector into an ordered candidate list:
//
//  1. a configured alias returns its list
//  2. a synonym ("fast", "powerful") returns its canonical alias's list
//  3. "provider:model" returns a single entry when the provider is registered
//  4. a bare model id returns an entry per provider advertising it
//  5. anything else falls back to the "balanced" alias
func (r *AliasResolver) Resolve(selector string) []Entry {
	if entries := r.lookup(selector); len(entries) > 0 {
		return entries
	}
	if canon, ok := aliasSynonyms[selector]; ok {
		if entries := r.lookup(canon); len(entries) > 0 {
			return entries
		}
	}

	if provider, model, ok := strings.Cut(selector, ":"); ok {
		if r.registry.Has(provider) {
			return []Entry{{Provider: provider, Model: model}}
		}
	} else if selector != "" {
		if names := r.registry.FindModel(selector); len(names) > 0 {
			r.mu.RLock()
			entries := make([]Entry, len(names))
			for i, name := range names {
				entries[i] = Entry{Provider: name, Model: selector, Priority: r.priority[name]}
			}
			r.mu.RUnlock()
			sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })
			return entries
		}
	}

	if selector == FallbackAlias {
		return nil
	}
	return r.lookup(FallbackAlias)
}

func (r *AliasResolver) lookup(alias string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.table[alias]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
