package cmd

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/GoCodeAlone/modsup"
	"github.com/GoCodeAlone/modsup/core"
	"github.com/GoCodeAlone/modsup/dispatcher"
	"github.com/GoCodeAlone/modsup/installer"
	"github.com/GoCodeAlone/modsup/registry"
	"github.com/GoCodeAlone/modsup/resolver"
	"github.com/GoCodeAlone/modsup/storage"
	"github.com/GoCodeAlone/modsup/supervisor"
)

// lifecycleLogObserver is the session's built-in modsup.Observer: it logs
// every module/supervisor lifecycle CloudEvent the Supervisor broadcasts,
// giving `serve`/`run` visibility without requiring an external sink.
type lifecycleLogObserver struct {
	logger modsup.Logger
}

func (o *lifecycleLogObserver) ObserverID() string { return "modkitctl-log-observer" }

func (o *lifecycleLogObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	var data map[string]interface{}
	_ = event.DataAs(&data)
	o.logger.Info("lifecycle event", "type", event.Type(), "data", data)
	return nil
}

// app bundles one session's wired-up collaborators, built fresh for every
// CLI invocation per spec.md §9 ("not global... each supervisor owns its
// own state").
type app struct {
	cfg        *modsup.SupervisorConfig
	logger     modsup.Logger
	layout     *storage.Layout
	installer  *installer.Installer
	reg        *registry.Registry
	sup        *supervisor.Supervisor
	dispatcher *dispatcher.Dispatcher
	core       *core.Endpoint
	closers    []func() error
}

// newApp wires a full session stack from cfg: resolver+github client,
// storage layout, registry (sqlite or in-memory), installer, core,
// dispatcher, supervisor, following the two-phase Supervisor/Dispatcher
// construction pattern (AttachDispatcher breaks the constructor cycle).
func newApp(cfg *modsup.SupervisorConfig) (*app, error) {
	logger := modsup.NewSlogLogger()
	layout := storage.NewLayout(cfg.DataDir)

	ghClient := resolver.NewGitHubClient(cfg.GitHubAPIHost, cfg.GitHubRawHost, cfg.UserAgent, 30*time.Second)

	res, err := resolver.New(ghClient, cfg.ResolverCacheSize, cfg.ResolverCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("modkitctl: create resolver: %w", err)
	}

	coreState := core.NewState()
	spawner := supervisor.ExecSpawner{}

	a := &app{cfg: cfg, logger: logger, layout: layout}

	var store registry.DocStore
	if cfg.Persistent {
		sqliteStore, err := registry.OpenSQLiteStore(cfg.DataDir + "/modules.db")
		if err != nil {
			return nil, fmt.Errorf("modkitctl: open registry store: %w", err)
		}
		a.closers = append(a.closers, sqliteStore.Close)
		store = sqliteStore
	} else {
		store = registry.NewMemoryStore()
	}

	deps := installer.NewExecDependencyInstaller(cfg.DependencyInstallBinary, cfg.DependencyInstallArgs)
	inst := installer.New(layout, ghClient, deps)

	manifests := registry.NewFileManifestSource(ghClient)

	// Supervisor, Registry, and Dispatcher form a three-way construction
	// cycle (Registry needs the Supervisor as a RunningChecker, Dispatcher
	// needs the Supervisor as its Registry, Supervisor needs the Registry
	// to resolve paths): build the Supervisor first with reg left nil,
	// wire the Registry through it, then attach both back.
	sup := supervisor.New(nil, inst, layout, coreState, spawner, logger)
	if err := sup.RegisterObserver(&lifecycleLogObserver{logger: logger}); err != nil {
		return nil, fmt.Errorf("modkitctl: register lifecycle observer: %w", err)
	}
	reg := registry.New(store, res, manifests, sup)
	sup.SetRegistry(reg)

	d := dispatcher.New(sup, coreState, logger)
	sup.AttachDispatcher(d)

	a.installer = inst
	a.reg = reg
	a.sup = sup
	a.dispatcher = d
	a.core = core.NewEndpoint(coreState, d)

	return a, nil
}

// close releases every resource newApp opened.
func (a *app) close() error {
	a.dispatcher.Stop()
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
