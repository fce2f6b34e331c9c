// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package greeter is a plugin that depends on welcome. It counts the
// greetings it hands out and forgets the count when deleted.
package greeter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/samber/oops"

	"github.com/keystone-run/keystone/pkg/greeting"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
	"github.com/keystone-run/keystone/plugins/welcome"
)

// ID is the package id.
const ID = "greeter"

// Symbol names.
const (
	EntryPoint  = "greeter.Plugin"
	GreeterSym  = "greeter.Greeter"
	TemplateSym = "greeter.Template"
)

func init() {
	pluginpkg.Register(ID, Build)
}

// Build defines the package's code units.
func Build(t *pluginpkg.SymbolTable) error {
	counter := new(atomic.Int64)

	if err := t.Define(pluginpkg.CodeUnit{
		Name: EntryPoint,
		New: func(pc pluginpkg.Context) (any, error) {
			return &Plugin{logger: pc.Logger, greeted: counter}, nil
		},
	}); err != nil {
		return err
	}
	if err := t.Define(pluginpkg.CodeUnit{Name: TemplateSym, Resource: []byte("Hello, %s!")}); err != nil {
		return err
	}
	return t.Extension(greeting.Contract, pluginpkg.CodeUnit{
		Name:     GreeterSym,
		Ordinal:  20,
		Requires: []string{welcome.ID},
		New: func(pc pluginpkg.Context) (any, error) {
			unit, ok := pc.Symbols.Resolve(TemplateSym)
			if !ok || !strings.Contains(string(unit.Resource), "%s") {
				return nil, oops.Code("RESOURCE_NOT_FOUND").With("symbol", TemplateSym).Errorf("greeting template missing")
			}
			format := string(unit.Resource)
			return greeting.Func(func(name string) string {
				counter.Add(1)
				return fmt.Sprintf(format, name)
			}), nil
		},
	})
}

// Plugin is the package entry point.
type Plugin struct {
	logger  *slog.Logger
	greeted *atomic.Int64
}

var _ pluginpkg.Deleter = (*Plugin)(nil)

// Start does nothing.
func (p *Plugin) Start(context.Context) error { return nil }

// Stop logs how many greetings were produced.
func (p *Plugin) Stop(context.Context) error {
	if p.logger != nil {
		p.logger.Info("greeter stopped", "greeted", p.greeted.Load())
	}
	return nil
}

// Delete resets the greeting count.
func (p *Plugin) Delete(context.Context) error {
	p.greeted.Store(0)
	return nil
}

// Greeted returns the number of greetings produced since the package was
// built.
func (p *Plugin) Greeted() int64 { return p.greeted.Load() }
