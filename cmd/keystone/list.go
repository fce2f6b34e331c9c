// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	plugins "github.com/keystone-run/keystone/internal/plugin"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// NewListCmd creates the list subcommand.
func NewListCmd(env envFunc) *cobra.Command {
	var stateFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugin packages and their resolved state",
		Long: `Load and resolve every package in the plugin directories without
starting any, then print one line per package. Locations that could not
be loaded are listed with their error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter *pluginpkg.State
			if stateFilter != "" {
				st, err := pluginpkg.ParseState(stateFilter)
				if err != nil {
					return err
				}
				filter = &st
			}

			cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}
			h, err := newHost(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer h.close(cmd.Context()) //nolint:errcheck // listing only, nothing started

			outcomes, err := h.manager.LoadAll(cmd.Context())
			if err != nil {
				return err
			}
			return printPlugins(cmd.OutOrStdout(), h.manager, outcomes, filter)
		},
	}

	cmd.Flags().StringVar(&stateFilter, "state", "", "only list packages in this state")
	return cmd
}

func printPlugins(out io.Writer, mgr *plugins.Manager, outcomes []plugins.Outcome, filter *pluginpkg.State) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATE\tLOCATION\tERROR")

	for _, w := range mgr.Plugins() {
		st := w.State()
		if filter != nil && st != *filter {
			continue
		}
		errText := "-"
		if err := w.Err(); err != nil {
			errText = err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", w.ID(), w.Descriptor().Version, st, w.Location(), errText)
	}
	if filter == nil {
		for _, o := range outcomes {
			if o.PluginID != "" || o.Err == nil {
				continue
			}
			fmt.Fprintf(tw, "-\t-\t%s\t%s\t%s\n", pluginpkg.StateUnloaded, o.Location, o.Err.Error())
		}
	}
	return tw.Flush()
}
