// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/keystone-run/keystone/internal/config"
	"github.com/keystone-run/keystone/internal/logging"
)

// NewRootCmd creates the root command of the keystone CLI.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "keystone",
		Short: "Keystone - a runtime plugin host",
		Long: `Keystone discovers plugin packages in plugin directories, resolves
their dependencies, and drives them through their lifecycle while
serving the extensions they contribute.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	config.RegisterFlags(cmd.PersistentFlags())

	env := func(c *cobra.Command) (*config.Config, *slog.Logger, error) {
		return loadEnv(c, configFile)
	}

	cmd.AddCommand(
		NewListCmd(env),
		NewGreetCmd(env),
		NewRunCmd(env),
		NewEnableCmd(env),
		NewDisableCmd(env),
		NewDeleteCmd(env),
		NewMigrateCmd(env),
	)

	return cmd
}

// envFunc loads the configuration and logger for a subcommand.
type envFunc func(cmd *cobra.Command) (*config.Config, *slog.Logger, error)

func loadEnv(cmd *cobra.Command, configFile string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{
		Service: "keystone",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Writer:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
