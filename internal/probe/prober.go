// Package probe runs the optional out-of-band latency prober.
//
// Independently of the health monitor's liveness loop, the prober samples
// each provider's health-check latency on a slow cadence and feeds the
// observations to the weight manager's availability and latency signals.
// It changes no routing state of its own.
package probe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

const (
	// DefaultInterval is the probe cadence.
	DefaultInterval = 300 * time.Second
	// defaultProbeTimeout bounds a single probe call.
	defaultProbeTimeout = 10 * time.Second
)

// Sink receives probe observations, normally the weight manager.
type Sink interface {
	ReportProbe(provider string, available bool, rt time.Duration)
}

// Prober periodically samples provider latency out of band.
type Prober struct {
	interval time.Duration
	timeout  time.Duration
	registry *providers.Registry
	sink     Sink
	prom     *metrics.Registry
	log      *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a Prober over the registry. interval <= 0 selects the default.
func New(interval time.Duration, registry *providers.Registry, sink Sink, prom *metrics.Registry, log *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		interval: interval,
		timeout:  defaultProbeTimeout,
		registry: registry,
		sink:     sink,
		prom:     prom,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. The first round runs after one full
// interval; startup liveness is the health monitor's job.
func (p *Prober) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.probeAll(ctx)
			case <-ctx.Done():
				return
			case <-p.done:
				return
			}
		}
	}()
}

// Close stops the loop and waits for in-flight probes.
func (p *Prober) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Prober) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.registry.Names() {
		adapter, ok := p.registry.Get(name)
		if !ok {
			continue
		}
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeOne(ctx, name, adapter)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, name string, adapter providers.Adapter) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	res := adapter.HealthCheck(probeCtx)
	cancel()

	p.sink.ReportProbe(name, res.Healthy, res.ResponseTime)
	if p.prom != nil {
		p.prom.ObserveLatencyProbe(name, res.ResponseTime)
	}

	p.log.Debug("latency_probe",
		slog.String("provider", name),
		slog.Bool("healthy", res.Healthy),
		slog.Duration("response_time", res.ResponseTime),
	)
}
