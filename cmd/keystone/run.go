// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keystone-run/keystone/internal/observability"
	plugins "github.com/keystone-run/keystone/internal/plugin"
	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start every plugin and serve until interrupted",
		Long: `Load, resolve and start every plugin, then serve metrics and health
checks until SIGINT or SIGTERM. Plugins are stopped in reverse dependency
order on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var (
				metrics *observability.Metrics
				server  *observability.Server
				started atomic.Bool
			)
			if cfg.MetricsAddr != "" {
				server = observability.NewServer(cfg.MetricsAddr, nil)
				metrics = server.Metrics()
			}

			// The subscriber outlives the plugins so shutdown transitions
			// are still delivered.
			events := plugins.NewSubscriber(cfg.EventBuffer,
				plugins.WithHandlerTimeout(cfg.HandlerTimeout),
				plugins.WithSubscriberMetrics(metrics),
				plugins.WithSubscriberLogger(logger))
			events.Subscribe("failures", func(_ context.Context, e plugins.StateEvent) error {
				errutil.LogError(logger.With("plugin", e.PluginID, "from", e.Old.String()), "plugin failed", e.Err)
				return nil
			}, pluginpkg.StateFailed)
			eventsCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
			events.Start(eventsCtx)
			defer func() {
				stopEvents()
				events.Stop()
			}()

			h, err := newHost(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer func() {
				if err := h.close(ctx); err != nil {
					errutil.LogError(logger, "plugin shutdown incomplete", err)
				}
			}()
			h.manager.Subscribe(events)

			if server != nil {
				server.SetReadinessChecker(readiness(h.manager, &started))
				errCh, err := server.Start()
				if err != nil {
					return err
				}
				defer func() {
					if err := server.Stop(context.WithoutCancel(ctx)); err != nil {
						errutil.LogError(logger, "observability server shutdown failed", err)
					}
				}()
				go func() {
					if err, ok := <-errCh; ok && err != nil {
						logger.Error("observability server stopped unexpectedly", "error", err)
						stop()
					}
				}()
			}

			if h.files != nil && cfg.WatchStatus {
				if err := h.files.Watch(ctx); err != nil {
					return err
				}
			}

			outcomes, err := h.start(ctx)
			if err != nil {
				return err
			}
			started.Store(true)

			running := 0
			for _, o := range outcomes {
				if o.State == pluginpkg.StateStarted {
					running++
				}
			}
			logger.Info("keystone running", "plugins", len(outcomes), "started", running)

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
}

// readiness reports ready once the start pass has run and no plugin is
// Failed.
func readiness(m *plugins.Manager, started *atomic.Bool) observability.ReadinessChecker {
	return func() bool {
		return started.Load() && len(m.PluginsByState(pluginpkg.StateFailed)) == 0
	}
}
