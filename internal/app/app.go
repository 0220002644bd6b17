// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStores   — weight checkpoint backend (file or Redis when configured)
//  2. initAdapters — provider clients, registered with health and weights
//  3. initRouting  — alias resolver + intelligent router
//  4. initDispatch — dispatcher, latency prober, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/dispatch"
	"github.com/nulpointcorp/inference-gateway/internal/health"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/probe"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
	"github.com/nulpointcorp/inference-gateway/internal/routing"
	"github.com/nulpointcorp/inference-gateway/internal/server"
	"github.com/nulpointcorp/inference-gateway/internal/weights"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	prom *metrics.Registry

	// Optional checkpoint backend — nil when checkpoint.mode is "none".
	store weights.Store

	registry *providers.Registry
	monitor  *health.Monitor
	wm       *weights.Manager
	pools    *dispatch.Pools

	resolver *routing.AliasResolver
	router   *routing.Router

	reqLog *logger.Logger
	disp   *dispatch.Dispatcher
	prober *probe.Prober
	srv    *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(version)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"stores", a.initStores},
		{"adapters", a.initAdapters},
		{"routing", a.initRouting},
		{"dispatch", a.initDispatch},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the background loops and the HTTP server, then blocks until ctx
// is cancelled or the server fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.srv.Addr()),
		slog.Int("providers", a.registry.Len()),
		slog.String("checkpoint", a.cfg.Checkpoint.Mode),
		slog.Bool("latency_probing", a.prober != nil),
	)

	a.monitor.Start(ctx)
	a.wm.Start()
	if a.prober != nil {
		a.prober.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.srv != nil {
		if err := a.srv.Close(); err != nil {
			a.log.Error("server close error", slog.String("error", err.Error()))
		}
		a.srv = nil
	}
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.wm != nil {
		// Stop takes a final checkpoint before returning.
		a.wm.Stop()
		a.wm = nil
	}
	if a.reqLog != nil {
		if err := a.reqLog.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLog = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("checkpoint store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
}
