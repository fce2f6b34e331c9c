// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/keystone-run/keystone/internal/config"
	"github.com/keystone-run/keystone/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd(env envFunc) *cobra.Command {
	var down bool
	var steps int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run plugin status database migrations",
		Long: `Apply pending migrations to the PostgreSQL database backing the
postgres status store. --down rolls every migration back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := env(cmd)
			if err != nil {
				return err
			}
			databaseURL, err := getDatabaseURL(cfg)
			if err != nil {
				return err
			}

			m, err := store.NewMigrator(databaseURL)
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck // migration result takes precedence

			switch {
			case down:
				err = m.Down()
			case steps != 0:
				err = m.Steps(steps)
			default:
				err = m.Up()
			}
			if err != nil {
				return err
			}

			v, dirty, err := m.Version()
			if err != nil {
				return err
			}
			cmd.Printf("schema version %d (dirty: %t)\n", v, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration")
	cmd.Flags().IntVar(&steps, "steps", 0, "apply n migrations, negative to roll back")
	cmd.MarkFlagsMutuallyExclusive("down", "steps")
	return cmd
}

// getDatabaseURL prefers the configured URL and falls back to DATABASE_URL.
func getDatabaseURL(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL, nil
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	return "", oops.Code("CONFIG_INVALID").Errorf("database-url or DATABASE_URL is required")
}
