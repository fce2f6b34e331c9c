// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	plugins "github.com/keystone-run/keystone/internal/plugin"
)

// NewEnableCmd creates the enable subcommand.
func NewEnableCmd(env envFunc) *cobra.Command {
	return newStatusCmd(env, "enable", "Clear a plugin's disabled status",
		func(ctx context.Context, m *plugins.Manager, id string) error { return m.Enable(ctx, id) })
}

// NewDisableCmd creates the disable subcommand.
func NewDisableCmd(env envFunc) *cobra.Command {
	return newStatusCmd(env, "disable", "Mark a plugin disabled so it is never started",
		func(ctx context.Context, m *plugins.Manager, id string) error { return m.Disable(ctx, id) })
}

func newStatusCmd(env envFunc, verb, short string, apply func(context.Context, *plugins.Manager, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " ID",
		Short: short,
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
			defer h.close(ctx) //nolint:errcheck // nothing started

			if _, err := h.manager.LoadAll(ctx); err != nil {
				return err
			}
			if err := apply(ctx, h.manager, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %sd\n", args[0], verb)
			return nil
		},
	}
}
