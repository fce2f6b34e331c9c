// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/keystone-run/keystone/internal/config"
	"github.com/keystone-run/keystone/internal/observability"
	plugins "github.com/keystone-run/keystone/internal/plugin"
	"github.com/keystone-run/keystone/internal/plugin/extension"
	"github.com/keystone-run/keystone/internal/plugin/goplugin"
	"github.com/keystone-run/keystone/internal/plugin/manifest"
	"github.com/keystone-run/keystone/internal/plugin/repository"
	"github.com/keystone-run/keystone/internal/plugin/status"
	"github.com/keystone-run/keystone/internal/store"
	"github.com/keystone-run/keystone/internal/xdg"
	"github.com/keystone-run/keystone/pkg/greeting"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// fallbackGreeter is the host's own greeting extension. It sorts after
// every bundled plugin.
const fallbackGreeter = "keystone.FallbackGreeter"

// host wires the plugin manager, extension registry and status store from
// configuration.
type host struct {
	cfg      *config.Config
	logger   *slog.Logger
	manager  *plugins.Manager
	registry *extension.Registry
	files    *status.FileStore
	closers  []func()
}

func newHostSymbols() (*pluginpkg.SymbolTable, error) {
	t := pluginpkg.NewSymbolTable(pluginpkg.HostOrigin)
	err := t.Extension(greeting.Contract, pluginpkg.CodeUnit{
		Name:    fallbackGreeter,
		Ordinal: 100,
		New: func(pluginpkg.Context) (any, error) {
			return greeting.Func(func(name string) string { return "Hi, " + name + "." }), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newRepository(cfg *config.Config, logger *slog.Logger) (*repository.Compound, error) {
	sources := make([]repository.Source, 0, len(cfg.PluginDirs))
	for _, dir := range cfg.PluginDirs {
		d, err := repository.NewDir(dir,
			repository.WithIgnore(cfg.Ignore...),
			repository.WithRequiredFile(manifest.FileName),
			repository.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		sources = append(sources, d)
	}
	return repository.NewCompound(sources...), nil
}

func (h *host) openStatusStore(ctx context.Context) (plugins.StatusStore, error) {
	switch h.cfg.StatusBackend {
	case config.BackendPostgres:
		s, err := store.NewPostgresStatusStore(ctx, h.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		h.closers = append(h.closers, s.Close)
		return s, nil
	default:
		if err := xdg.EnsureDir(h.cfg.StatusDir); err != nil {
			return nil, err
		}
		s, err := status.NewFileStore(h.cfg.StatusDir, status.WithLogger(h.logger))
		if err != nil {
			return nil, err
		}
		h.files = s
		return s, nil
	}
}

// newHost builds the runtime. metrics may be nil.
func newHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*host, error) {
	h := &host{cfg: cfg, logger: logger}

	symbols, err := newHostSymbols()
	if err != nil {
		return nil, oops.With("operation", "define host symbols").Wrap(err)
	}
	repo, err := newRepository(cfg, logger)
	if err != nil {
		return nil, err
	}
	statusStore, err := h.openStatusStore(ctx)
	if err != nil {
		return nil, err
	}

	h.manager = plugins.NewManager(
		plugins.WithRepository(repo),
		plugins.WithLoader(plugins.NewCompoundLoader(
			goplugin.NewLoader(goplugin.WithLogger(logger)),
			plugins.NewCatalogLoader(pluginpkg.DefaultCatalog()),
		)),
		plugins.WithStatusStore(statusStore),
		plugins.WithSystemVersion(cfg.SystemVersion),
		plugins.WithExactVersionAllowed(cfg.ExactVersionAllowed),
		plugins.WithHostSymbols(symbols),
		plugins.WithNamespaceMode(cfg.Mode()),
		plugins.WithMetrics(metrics),
		plugins.WithLogger(logger),
		plugins.WithObserver(plugins.LoggingObserver{Logger: logger}),
	)

	regOpts := []extension.Option{
		extension.WithHostTable(symbols),
		extension.WithMetrics(metrics),
		extension.WithLogger(logger),
	}
	if cfg.SingletonExtensions {
		regOpts = append(regOpts, extension.WithFactory(extension.NewSingletonFactory(nil)))
	}
	h.registry = extension.NewRegistry(h.manager, regOpts...)
	h.manager.Subscribe(h.registry)

	return h, nil
}

// start loads, resolves and starts every package.
func (h *host) start(ctx context.Context) ([]plugins.Outcome, error) {
	if _, err := h.manager.LoadAll(ctx); err != nil {
		return nil, err
	}
	return h.manager.StartAll(ctx), nil
}

// close stops and unloads every package, then releases the status store.
// It runs even when ctx is already cancelled.
func (h *host) close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.StopTimeout)
	defer cancel()

	err := h.manager.Close(ctx)
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	return err
}
