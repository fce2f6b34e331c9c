// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package store provides PostgreSQL persistence for plugin enable/disable
// decisions and the schema migrations behind it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/keystone-run/keystone/internal/observability"
)

// Default connection retry policy.
const (
	DefaultConnectRetries = 5
	DefaultConnectBackoff = 200 * time.Millisecond
)

// poolIface is the subset of pgxpool.Pool the status store needs.
// pgxmock.PgxPoolIface satisfies it in tests.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStatusStore persists which plugins are disabled in the
// plugin_status table.
//
// A row with disabled set blocks a plugin outright. Rows with enabled set
// form an allow-list: once any exist, plugins without one are disabled too.
type PostgresStatusStore struct {
	pool poolIface
}

type connectConfig struct {
	retries uint64
	backoff time.Duration
}

// ConnectOption configures NewPostgresStatusStore.
type ConnectOption func(*connectConfig)

// WithConnectRetries sets how many times the initial ping is retried.
func WithConnectRetries(n uint64) ConnectOption {
	return func(c *connectConfig) { c.retries = n }
}

// WithConnectBackoff sets the base delay of the exponential retry backoff.
func WithConnectBackoff(d time.Duration) ConnectOption {
	return func(c *connectConfig) { c.backoff = d }
}

// NewPostgresStatusStore connects to the database at dsn. The first ping is
// retried with exponential backoff so the store tolerates a database that is
// still starting.
func NewPostgresStatusStore(ctx context.Context, dsn string, opts ...ConnectOption) (*PostgresStatusStore, error) {
	cfg := connectConfig{retries: DefaultConnectRetries, backoff: DefaultConnectBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STATUS_STORE_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	s := &PostgresStatusStore{pool: pool}
	if err := s.ping(ctx, cfg); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStatusStore) ping(ctx context.Context, cfg connectConfig) error {
	backoff := retry.WithMaxRetries(cfg.retries, retry.NewExponential(cfg.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.pool.Ping(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		observability.RecordStatusStoreError("connect")
		return oops.Code("STATUS_STORE_CONNECT_FAILED").
			With("operation", "ping").
			With("retries", cfg.retries).
			Wrap(err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStatusStore) Close() {
	s.pool.Close()
}

const isDisabledSQL = `SELECT
	EXISTS (SELECT 1 FROM plugin_status WHERE plugin_id = $1 AND disabled),
	EXISTS (SELECT 1 FROM plugin_status WHERE plugin_id = $1 AND enabled),
	EXISTS (SELECT 1 FROM plugin_status WHERE enabled)`

// IsDisabled reports whether pluginID is blocked or left off an active
// allow-list.
func (s *PostgresStatusStore) IsDisabled(ctx context.Context, pluginID string) (bool, error) {
	var disabled, allowed, allowList bool
	err := s.pool.QueryRow(ctx, isDisabledSQL, pluginID).Scan(&disabled, &allowed, &allowList)
	if err != nil {
		return false, s.wrap("is_disabled", pluginID, err)
	}
	return disabled || (allowList && !allowed), nil
}

const enableSQL = `INSERT INTO plugin_status (plugin_id, disabled, enabled, updated_at)
VALUES ($1, FALSE, CASE WHEN EXISTS (SELECT 1 FROM plugin_status WHERE enabled) THEN TRUE END, now())
ON CONFLICT (plugin_id) DO UPDATE
SET disabled = FALSE, enabled = EXCLUDED.enabled, updated_at = now()`

// Enable clears any block on pluginID. When an allow-list is active the
// plugin is added to it.
func (s *PostgresStatusStore) Enable(ctx context.Context, pluginID string) error {
	if _, err := s.pool.Exec(ctx, enableSQL, pluginID); err != nil {
		return s.wrap("enable", pluginID, err)
	}
	return nil
}

const disableSQL = `INSERT INTO plugin_status (plugin_id, disabled, enabled, updated_at)
VALUES ($1, TRUE, NULL, now())
ON CONFLICT (plugin_id) DO UPDATE
SET disabled = TRUE, enabled = NULL, updated_at = now()`

// Disable blocks pluginID and removes it from the allow-list.
func (s *PostgresStatusStore) Disable(ctx context.Context, pluginID string) error {
	if _, err := s.pool.Exec(ctx, disableSQL, pluginID); err != nil {
		return s.wrap("disable", pluginID, err)
	}
	return nil
}

const allowSQL = `INSERT INTO plugin_status (plugin_id, disabled, enabled, updated_at)
VALUES ($1, FALSE, TRUE, now())
ON CONFLICT (plugin_id) DO UPDATE
SET enabled = TRUE, updated_at = now()`

// Allow pins pluginID to the allow-list, activating allow-list mode if it
// was not already. An explicit block still takes precedence.
func (s *PostgresStatusStore) Allow(ctx context.Context, pluginID string) error {
	if _, err := s.pool.Exec(ctx, allowSQL, pluginID); err != nil {
		return s.wrap("allow", pluginID, err)
	}
	return nil
}

func (s *PostgresStatusStore) wrap(op, pluginID string, err error) error {
	observability.RecordStatusStoreError(op)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return oops.Code("STATUS_SCHEMA_MISSING").
			With("operation", op).
			With("plugin_id", pluginID).
			Hint("run `keystone migrate up` to create the plugin_status table").
			Wrap(err)
	}
	return oops.Code("STATUS_STORE_FAILED").
		With("operation", op).
		With("plugin_id", pluginID).
		Wrap(err)
}
