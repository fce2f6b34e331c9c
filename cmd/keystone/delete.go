// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDeleteCmd creates the delete subcommand.
func NewDeleteCmd(env envFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a plugin package from its plugin directory",
		Long: `Load every package, then stop, unload and remove the named package
from disk. Packages that others depend on are refused.`,
		Args: cobra.ExactArgs(1),
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
			defer h.close(ctx) //nolint:errcheck // nothing started

			if _, err := h.manager.LoadAll(ctx); err != nil {
				return err
			}
			deleted, err := h.manager.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if !deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to delete\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted\n", args[0])
			return nil
		},
	}
}
