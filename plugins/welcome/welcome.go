// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package welcome is a dependency-free plugin contributing a greeter.
// Importing it registers the package with the default catalog.
package welcome

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/oops"

	"github.com/keystone-run/keystone/pkg/greeting"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// ID is the package id.
const ID = "welcome"

// Symbol names.
const (
	EntryPoint = "welcome.Plugin"
	GreeterSym = "welcome.Greeter"
	PhraseSym  = "welcome.Phrase"
)

func init() {
	pluginpkg.Register(ID, Build)
}

// Build defines the package's code units.
func Build(t *pluginpkg.SymbolTable) error {
	if err := t.Define(pluginpkg.CodeUnit{
		Name: EntryPoint,
		New: func(pc pluginpkg.Context) (any, error) {
			return &Plugin{logger: pc.Logger}, nil
		},
	}); err != nil {
		return err
	}
	if err := t.Define(pluginpkg.CodeUnit{Name: PhraseSym, Resource: []byte("Welcome")}); err != nil {
		return err
	}
	return t.Extension(greeting.Contract, pluginpkg.CodeUnit{
		Name:    GreeterSym,
		Ordinal: 10,
		New:     newGreeter,
	})
}

func newGreeter(pc pluginpkg.Context) (any, error) {
	unit, ok := pc.Symbols.Resolve(PhraseSym)
	if !ok || len(unit.Resource) == 0 {
		return nil, oops.Code("RESOURCE_NOT_FOUND").With("symbol", PhraseSym).Errorf("welcome phrase missing")
	}
	phrase := strings.TrimSpace(string(unit.Resource))
	return greeting.Func(func(name string) string {
		return phrase + ", " + name + "."
	}), nil
}

// Plugin is the package entry point.
type Plugin struct {
	logger *slog.Logger
}

// Start logs that the package is ready.
func (p *Plugin) Start(context.Context) error {
	if p.logger != nil {
		p.logger.Info("welcome ready")
	}
	return nil
}

// Stop does nothing.
func (p *Plugin) Stop(context.Context) error { return nil }
