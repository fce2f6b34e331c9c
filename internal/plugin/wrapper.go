// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"log/slog"
	"sync"

	"github.com/keystone-run/keystone/internal/plugin/namespace"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// Wrapper is the Manager's record of one loaded package. Its state is only
// changed by Manager operations; readers may call the accessors from any
// goroutine.
type Wrapper struct {
	descriptor *pluginpkg.Descriptor
	location   string
	namespace  *namespace.Namespace
	symbols    *pluginpkg.SymbolTable
	extensions pluginpkg.ExtensionSource
	release    func()
	logger     *slog.Logger

	mu       sync.RWMutex
	state    pluginpkg.State
	instance pluginpkg.Plugin
	err      error
}

// ID returns the package id.
func (w *Wrapper) ID() string { return w.descriptor.ID }

// Descriptor returns the package descriptor.
func (w *Wrapper) Descriptor() *pluginpkg.Descriptor { return w.descriptor }

// Location returns the repository location the package was loaded from.
func (w *Wrapper) Location() string { return w.location }

// Namespace returns the package's isolated namespace.
func (w *Wrapper) Namespace() *namespace.Namespace { return w.namespace }

// Symbols returns the package's private symbol table.
func (w *Wrapper) Symbols() *pluginpkg.SymbolTable { return w.symbols }

// Extensions returns the package's extension source.
func (w *Wrapper) Extensions() pluginpkg.ExtensionSource { return w.extensions }

// State returns the current lifecycle state.
func (w *Wrapper) State() pluginpkg.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Err returns the error behind the last Failed or Disabled transition, if any.
func (w *Wrapper) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// Instance returns the lifecycle object, or nil before the first start.
func (w *Wrapper) Instance() pluginpkg.Plugin {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance
}

// transition sets the new state and returns the old one.
func (w *Wrapper) transition(to pluginpkg.State, err error) pluginpkg.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	from := w.state
	w.state = to
	w.err = err
	return from
}

func (w *Wrapper) setInstance(p pluginpkg.Plugin) {
	w.mu.Lock()
	w.instance = p
	w.mu.Unlock()
}
