// Package app wires the polman components from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/icos-project/polman/pkg/admission"
	"github.com/icos-project/polman/pkg/api"
	"github.com/icos-project/polman/pkg/catalog"
	"github.com/icos-project/polman/pkg/config"
	"github.com/icos-project/polman/pkg/enforcer"
	"github.com/icos-project/polman/pkg/gateway"
	"github.com/icos-project/polman/pkg/keylock"
	"github.com/icos-project/polman/pkg/registry"
	"github.com/icos-project/polman/pkg/render"
	"github.com/icos-project/polman/pkg/stores"
	"github.com/icos-project/polman/pkg/telemetry"
	"github.com/icos-project/polman/pkg/watcher"
)

// MetricsSyncInterval is how often the policy gauges are rebuilt from the
// store while serving.
const MetricsSyncInterval = 30 * time.Second

// App holds the wired components.
type App struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger

	Store     stores.Store
	Catalog   *catalog.Catalog
	Renderer  *render.Renderer
	Rules     *gateway.Client
	Enforcer  *enforcer.Enforcer
	Watcher   *watcher.Watcher
	Registry  *registry.Registry
	Admission *admission.Engine
}

// New opens the store and builds every component. The caller must Close
// the returned App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	a := &App{Config: cfg, Telemetry: tel, Logger: logger}

	a.Catalog = catalog.Builtin()
	if cfg.Catalog.Path != "" {
		a.Catalog, err = catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load template catalog: %w", err)
		}
	}
	a.Renderer = render.New(a.Catalog)

	if cfg.Admission.Enabled {
		a.Admission, err = admission.NewEngine(logger)
		if err != nil {
			return nil, err
		}
		if len(cfg.Admission.Paths) > 0 {
			if err := a.Admission.LoadRules(ctx, cfg.Admission.Paths); err != nil {
				return nil, err
			}
		}
	}

	a.Store, err = stores.New(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.DB.Type, err)
	}

	a.Rules = gateway.New(cfg.Prometheus.RulesAPIURL, cfg.Prometheus.Timeout)

	enforcerOpts := []enforcer.Option{enforcer.WithTelemetry(tel)}
	if cfg.Authn.Configured() {
		enforcerOpts = append(enforcerOpts, enforcer.WithAuth(cfg.AuthConfig()))
	}
	a.Enforcer = enforcer.New(cfg.EnforcerConfig(), logger, enforcerOpts...)

	locks := keylock.New()
	a.Watcher = watcher.New(a.Store, a.Rules, a.Enforcer, logger,
		watcher.WithTelemetry(tel),
		watcher.WithLocks(locks),
		watcher.WithBackendName(cfg.Prometheus.BackendName),
	)

	registryOpts := []registry.Option{
		registry.WithTelemetry(tel),
		registry.WithLocks(locks),
	}
	if a.Admission != nil {
		registryOpts = append(registryOpts, registry.WithAdmission(a.Admission))
	}
	a.Registry = registry.New(a.Store, a.Renderer, a.Watcher, logger, registryOpts...)

	logger.Debug().
		Str("store", cfg.DB.Type).
		Str("rules_api", cfg.Prometheus.RulesAPIURL).
		Bool("admission", a.Admission != nil).
		Msg("Components initialized")

	return a, nil
}

// Serve runs the API server, the standalone metrics endpoint, the
// periodic metrics sync and the admission rule watcher until ctx is done
// or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Registry.SyncMetrics(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to sync policy metrics at startup")
	}

	server := api.New(api.Config{
		Address:            a.Config.Address(),
		Root:               a.Config.API.Root,
		AllowedCorsOrigins: a.Config.API.AllowedCorsOrigins,
		EnableDebugCalls:   a.Config.API.EnableDebugCalls,
		ServiceName:        a.Config.Telemetry.ServiceName,
	}, api.Deps{
		Registry: a.Registry,
		Watcher:  a.Watcher,
		Catalog:  a.Catalog,
		Metrics:  a.Telemetry.Metrics.Handler(),
		Health:   a.Store,
	}, a.Logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(gCtx)
	})

	if srv := a.Telemetry.Metrics.Server(); srv != nil {
		g.Go(func() error {
			return runMetricsServer(gCtx, srv, a.Logger)
		})
	}

	g.Go(func() error {
		a.Registry.RunMetricsSync(gCtx, MetricsSyncInterval)
		return nil
	})

	if a.Admission != nil && a.Config.Admission.Watch && len(a.Config.Admission.Paths) > 0 {
		if err := a.Admission.Watch(gCtx, a.Config.Admission.Paths); err != nil {
			a.Logger.Warn().Err(err).Msg("Admission rules will not be reloaded on change")
		}
	}

	return g.Wait()
}

func runMetricsServer(ctx context.Context, srv *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("address", srv.Addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases the store and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
	}
	return errors.Join(errs...)
}
