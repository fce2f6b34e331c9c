// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keystone-run/keystone/internal/plugin/extension"
	"github.com/keystone-run/keystone/pkg/greeting"
)

// NewGreetCmd creates the greet subcommand.
func NewGreetCmd(env envFunc) *cobra.Command {
	var pluginID string
	var hostOnly bool

	cmd := &cobra.Command{
		Use:   "greet NAME",
		Short: "Start every plugin and print each greeter's greeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			h, err := newHost(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer h.close(ctx) //nolint:errcheck // failures are logged by the manager

			if _, err := h.start(ctx); err != nil {
				return err
			}

			var greeters []greeting.Greeter
			switch {
			case hostOnly:
				greeters = extension.Host[greeting.Greeter](ctx, h.registry)
			case pluginID != "":
				greeters = extension.In[greeting.Greeter](ctx, h.registry, pluginID)
			default:
				greeters = extension.All[greeting.Greeter](ctx, h.registry)
			}
			for _, g := range greeters {
				fmt.Fprintln(cmd.OutOrStdout(), g.Greet(args[0]))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pluginID, "plugin", "", "only use greeters contributed by this plugin")
	cmd.Flags().BoolVar(&hostOnly, "host", false, "only use the host's greeters")
	cmd.MarkFlagsMutuallyExclusive("plugin", "host")
	return cmd
}
