// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// StateEvent describes one lifecycle transition. Load events report Old as
// StateUnloaded.
type StateEvent struct {
	ID       ulid.ULID
	PluginID string
	Old      pluginpkg.State
	New      pluginpkg.State
	// Err is the failure behind a Failed, Disabled or Stopped transition.
	Err  error
	Time time.Time
}

func newStateEvent(pluginID string, from, to pluginpkg.State, err error) StateEvent {
	return StateEvent{
		ID:       ulid.Make(),
		PluginID: pluginID,
		Old:      from,
		New:      to,
		Err:      err,
		Time:     time.Now(),
	}
}

// Observer is notified of every state transition. Errors and panics are
// logged by the Manager and never affect the transition.
type Observer interface {
	OnStateChange(ctx context.Context, event StateEvent) error
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, event StateEvent) error

// OnStateChange calls f.
func (f ObserverFunc) OnStateChange(ctx context.Context, event StateEvent) error {
	return f(ctx, event)
}

// LoggingObserver logs every transition at info level, and failures at
// warn level.
type LoggingObserver struct {
	Logger *slog.Logger
}

// OnStateChange logs event.
func (o LoggingObserver) OnStateChange(_ context.Context, event StateEvent) error {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"plugin", event.PluginID,
		"from", event.Old.String(),
		"to", event.New.String(),
		"event_id", event.ID.String(),
	}
	if event.Err != nil {
		logger.Warn("plugin state changed", append(attrs, "error", event.Err.Error())...)
		return nil
	}
	logger.Info("plugin state changed", attrs...)
	return nil
}
