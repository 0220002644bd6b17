package dispatch

import (
	"sync"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Pools tracks per-provider connection slots. Acquisition is non-blocking:
// a full pool is a routing signal, never a wait.
type Pools struct {
	mu    sync.Mutex
	pools map[string]*pool
	prom  *metrics.Registry
}

type pool struct {
	active int
	max    int
}

func NewPools(prom *metrics.Registry) *Pools {
	return &Pools{
		pools: make(map[string]*pool),
		prom:  prom,
	}
}

// Configure sets the slot limit for a provider. Non-positive max uses the
// default of 100.
func (p *Pools) Configure(name string, max int) {
	if max <= 0 {
		max = providers.DefaultMaxConnections
	}
	p.mu.Lock()
	if existing, ok := p.pools[name]; ok {
		existing.max = max
	} else {
		p.pools[name] = &pool{max: max}
	}
	p.mu.Unlock()
}

// Remove drops a provider's pool.
func (p *Pools) Remove(name string) {
	p.mu.Lock()
	delete(p.pools, name)
	p.mu.Unlock()
}

// TryAcquire claims a slot, reporting false when the pool is at capacity or
// the provider is unknown.
func (p *Pools) TryAcquire(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.pools[name]
	if !ok || pl.active >= pl.max {
		return false
	}
	pl.active++
	p.export(name, pl.active)
	return true
}

// Release returns a slot. Releasing below zero is a programming error and
// is clamped.
func (p *Pools) Release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.pools[name]
	if !ok {
		return
	}
	if pl.active > 0 {
		pl.active--
	}
	p.export(name, pl.active)
}

// Full reports whether the provider has no free slots.
func (p *Pools) Full(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[name]
	return ok && pl.active >= pl.max
}

// Active returns the current slot count for a provider.
func (p *Pools) Active(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[name]; ok {
		return pl.active
	}
	return 0
}

func (p *Pools) export(name string, active int) {
	if p.prom != nil {
		p.prom.SetActiveConnections(name, active)
	}
}
