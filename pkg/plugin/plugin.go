// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"context"
	"log/slog"
)

// Plugin is the lifecycle object a package exposes as its entry point.
//
// Start and Stop run on the orchestrator's control goroutine without any
// orchestrator lock held. They receive the caller's context; a hook that
// ignores cancellation blocks the orchestrator until it returns.
type Plugin interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Deleter is implemented by plugins that clean up persistent data before
// their package is deleted from the repository.
type Deleter interface {
	Delete(ctx context.Context) error
}

// Resolver resolves symbol names through a package's namespace.
type Resolver interface {
	Resolve(name string) (CodeUnit, bool)
	ResolveAll(name string) []CodeUnit
}

// Context is handed to constructors.
type Context struct {
	// Descriptor is the owning package's descriptor; nil for host code.
	Descriptor *Descriptor
	// Logger is pre-scoped with the owning package id.
	Logger *slog.Logger
	// Symbols resolves names through the owning package's namespace.
	Symbols Resolver
}

// PluginID returns the owning package id, or HostOrigin for host code.
func (c Context) PluginID() string {
	if c.Descriptor == nil {
		return HostOrigin
	}
	return c.Descriptor.ID
}

// Base is an embeddable no-op Plugin.
type Base struct{}

// Start does nothing.
func (Base) Start(context.Context) error { return nil }

// Stop does nothing.
func (Base) Stop(context.Context) error { return nil }

var _ Plugin = Base{}
