// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package extension finds, instantiates and orders the implementations of
// a contract contributed by the host and by started packages.
package extension

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/keystone-run/keystone/internal/observability"
	plugins "github.com/keystone-run/keystone/internal/plugin"
	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// PackageView is the registry's read-only view of the loaded packages.
// *plugins.Manager implements it.
type PackageView interface {
	SortedIDs() []string
	Plugin(id string) (*plugins.Wrapper, bool)
}

var _ PackageView = (*plugins.Manager)(nil)

// Extension is one instantiated implementation of a contract.
type Extension struct {
	Contract string
	// Name is the implementation's symbol name.
	Name string
	// PluginID is the owning package, or empty for the host.
	PluginID string
	Ordinal  int
	Instance any
}

// IsHost reports whether the extension comes from the host.
func (e Extension) IsHost() bool { return e.PluginID == pluginpkg.HostOrigin }

// candidate is an indexed implementation before instantiation.
type candidate struct {
	pluginID string
	name     string
}

// Registry answers extension queries. It must be subscribed to the
// Manager so cached indexes follow state changes.
type Registry struct {
	view        PackageView
	hostSource  pluginpkg.ExtensionSource
	hostSymbols pluginpkg.Resolver
	factory     Factory
	metrics     *observability.Metrics
	logger      *slog.Logger

	mu         sync.RWMutex
	cache      map[string][]candidate
	generation uint64
}

var _ plugins.Observer = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithHostSource sets the index of host-provided extensions.
func WithHostSource(s pluginpkg.ExtensionSource) Option {
	return func(r *Registry) { r.hostSource = s }
}

// WithHostNamespace sets how host extension names resolve to code.
func WithHostNamespace(res pluginpkg.Resolver) Option {
	return func(r *Registry) { r.hostSymbols = res }
}

// WithHostTable uses t both as the host extension index and as the host
// namespace.
func WithHostTable(t *pluginpkg.SymbolTable) Option {
	return func(r *Registry) {
		r.hostSource = t
		r.hostSymbols = tableResolver{t}
	}
}

// WithFactory sets the instance factory. The default builds a fresh
// instance per query.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithMetrics counts lookups and instantiation failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry over view.
func NewRegistry(view PackageView, opts ...Option) *Registry {
	r := &Registry{
		view:    view,
		factory: DefaultFactory{},
		logger:  slog.Default(),
		cache:   make(map[string][]candidate),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnStateChange drops cached indexes and, when a package stops being
// Started, the singleton instances it owns.
func (r *Registry) OnStateChange(_ context.Context, event plugins.StateEvent) error {
	r.Invalidate()
	if event.Old == pluginpkg.StateStarted && event.New != pluginpkg.StateStarted {
		if f, ok := r.factory.(forgetter); ok {
			f.Forget(event.PluginID)
		}
	}
	return nil
}

// Invalidate drops every cached index. Hosts that change their own table
// after startup call it directly.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string][]candidate)
	r.generation++
	r.mu.Unlock()
}

// Find returns the extensions of contract from the host and every Started
// package, ordered by ordinal then discovery order.
func (r *Registry) Find(ctx context.Context, contract string) []Extension {
	return r.instantiate(ctx, contract, r.candidates(contract), nil)
}

// FindIn returns the extensions of contract contributed by pluginID. The
// result is empty unless the package is Started.
func (r *Registry) FindIn(ctx context.Context, contract, pluginID string) []Extension {
	if pluginID == pluginpkg.HostOrigin {
		return r.FindHost(ctx, contract)
	}
	return r.instantiate(ctx, contract, r.candidates(contract), func(c candidate) bool {
		return c.pluginID == pluginID
	})
}

// FindHost returns the host's extensions of contract.
func (r *Registry) FindHost(ctx context.Context, contract string) []Extension {
	return r.instantiate(ctx, contract, r.candidates(contract), func(c candidate) bool {
		return c.pluginID == pluginpkg.HostOrigin
	})
}

// Names returns the implementation names of contract, keyed by owning
// package, without instantiating anything. The host is keyed by "".
func (r *Registry) Names(contract string) map[string][]string {
	out := make(map[string][]string)
	for _, c := range r.candidates(contract) {
		out[c.pluginID] = append(out[c.pluginID], c.name)
	}
	return out
}

// Contracts returns every contract with at least one eligible
// implementation, sorted. An implementation is eligible when its symbol
// resolves and every package it requires is Started. Nothing is
// instantiated.
func (r *Registry) Contracts() []string {
	var indexed []string
	add := func(src pluginpkg.ExtensionSource, owner string) {
		index, err := src.ReadExtensionIndex()
		if err != nil {
			r.logIndexError(owner, err)
			return
		}
		for _, c := range index.Contracts() {
			if !slices.Contains(indexed, c) {
				indexed = append(indexed, c)
			}
		}
	}
	if r.hostSource != nil {
		add(r.hostSource, pluginpkg.HostOrigin)
	}
	for _, id := range r.view.SortedIDs() {
		w, ok := r.view.Plugin(id)
		if !ok || w.State() != pluginpkg.StateStarted {
			continue
		}
		add(w.Extensions(), id)
	}

	out := make([]string, 0, len(indexed))
	for _, contract := range indexed {
		if slices.ContainsFunc(r.candidates(contract), func(c candidate) bool {
			_, _, reason := r.resolve(c)
			return reason == eligible
		}) {
			out = append(out, contract)
		}
	}
	slices.Sort(out)
	return out
}

// candidates returns the merged index entries for contract: host first,
// then Started packages in dependency order.
func (r *Registry) candidates(contract string) []candidate {
	r.mu.RLock()
	cached, ok := r.cache[contract]
	gen := r.generation
	r.mu.RUnlock()
	if ok {
		return cached
	}

	var out []candidate
	if r.hostSource != nil {
		out = r.appendFrom(out, r.hostSource, pluginpkg.HostOrigin, contract)
	}
	for _, id := range r.view.SortedIDs() {
		w, ok := r.view.Plugin(id)
		if !ok || w.State() != pluginpkg.StateStarted {
			continue
		}
		out = r.appendFrom(out, w.Extensions(), id, contract)
	}

	r.mu.Lock()
	if r.generation == gen {
		r.cache[contract] = out
	}
	r.mu.Unlock()
	return out
}

func (r *Registry) appendFrom(out []candidate, src pluginpkg.ExtensionSource, owner, contract string) []candidate {
	index, err := src.ReadExtensionIndex()
	if err != nil {
		r.logIndexError(owner, err)
		return out
	}
	for _, name := range index.Implementations(contract) {
		out = append(out, candidate{pluginID: owner, name: name})
	}
	return out
}

func (r *Registry) logIndexError(owner string, err error) {
	errutil.LogWarn(r.logger.With("plugin", owner), "extension index unreadable", err)
}

func (r *Registry) instantiate(ctx context.Context, contract string, candidates []candidate, keep func(candidate) bool) []Extension {
	r.metrics.RecordExtensionLookup(contract)

	var out []Extension
	for _, c := range candidates {
		if keep != nil && !keep(c) {
			continue
		}
		ext, ok := r.create(ctx, contract, c)
		if ok {
			out = append(out, ext)
		}
	}
	slices.SortStableFunc(out, func(a, b Extension) int { return cmp.Compare(a.Ordinal, b.Ordinal) })
	return out
}

// skipReason says why a candidate is not eligible; empty means eligible.
type skipReason string

const (
	eligible            skipReason = ""
	skipNoHostNamespace skipReason = "no host namespace configured"
	skipNotStarted      skipReason = "plugin not started"
	skipSymbolNotFound  skipReason = "symbol not found"
	skipRequired        skipReason = "required plugin not started"
)

// resolve finds the code unit behind c and the context to build it with.
func (r *Registry) resolve(c candidate) (pluginpkg.CodeUnit, pluginpkg.Context, skipReason) {
	var (
		unit pluginpkg.CodeUnit
		ok   bool
		pc   pluginpkg.Context
	)
	if c.pluginID == pluginpkg.HostOrigin {
		if r.hostSymbols == nil {
			return unit, pc, skipNoHostNamespace
		}
		unit, ok = r.hostSymbols.Resolve(c.name)
		pc = pluginpkg.Context{Logger: r.logger, Symbols: r.hostSymbols}
	} else {
		w, loaded := r.view.Plugin(c.pluginID)
		if !loaded || w.State() != pluginpkg.StateStarted {
			return unit, pc, skipNotStarted
		}
		ns := w.Namespace()
		unit, ok = ns.Resolve(c.name)
		pc = pluginpkg.Context{
			Descriptor: w.Descriptor(),
			Logger:     r.logger.With("plugin", c.pluginID),
			Symbols:    ns,
		}
	}
	if !ok {
		return unit, pc, skipSymbolNotFound
	}
	for _, required := range unit.Requires {
		w, loaded := r.view.Plugin(required)
		if !loaded || w.State() != pluginpkg.StateStarted {
			return unit, pc, skipRequired
		}
	}
	return unit, pc, eligible
}

func (r *Registry) create(ctx context.Context, contract string, c candidate) (Extension, bool) {
	logger := r.logger.With("contract", contract, "extension", c.name, "plugin", c.pluginID)

	unit, pc, reason := r.resolve(c)
	switch reason {
	case eligible:
	case skipSymbolNotFound:
		r.metrics.RecordInstantiationFailure(contract)
		logger.Warn("extension skipped, symbol not found")
		return Extension{}, false
	case skipNoHostNamespace:
		logger.Warn("host extension skipped, no host namespace configured")
		return Extension{}, false
	default:
		logger.Debug("extension skipped", "reason", string(reason))
		return Extension{}, false
	}

	obj, err := r.factory.Create(ctx, unit, pc)
	if err != nil {
		r.metrics.RecordInstantiationFailure(contract)
		errutil.LogWarn(logger, "extension instantiation failed", err)
		return Extension{}, false
	}

	return Extension{
		Contract: contract,
		Name:     c.name,
		PluginID: c.pluginID,
		Ordinal:  unit.Ordinal,
		Instance: obj,
	}, true
}

// All returns the instances of every extension of contract T that
// implement T, in registry order.
func All[T any](ctx context.Context, r *Registry) []T {
	return typed[T](r.Find(ctx, pluginpkg.ContractName[T]()), r.logger)
}

// In returns the instances of contract T contributed by pluginID.
func In[T any](ctx context.Context, r *Registry, pluginID string) []T {
	return typed[T](r.FindIn(ctx, pluginpkg.ContractName[T](), pluginID), r.logger)
}

// Host returns the host's instances of contract T.
func Host[T any](ctx context.Context, r *Registry) []T {
	return typed[T](r.FindHost(ctx, pluginpkg.ContractName[T]()), r.logger)
}

func typed[T any](exts []Extension, logger *slog.Logger) []T {
	out := make([]T, 0, len(exts))
	for _, e := range exts {
		v, ok := e.Instance.(T)
		if !ok {
			logger.Warn("extension does not implement its contract",
				"contract", e.Contract,
				"extension", e.Name,
				"plugin", e.PluginID)
			continue
		}
		out = append(out, v)
	}
	return out
}

// tableResolver resolves names directly against a symbol table.
type tableResolver struct {
	t *pluginpkg.SymbolTable
}

func (r tableResolver) Resolve(name string) (pluginpkg.CodeUnit, bool) { return r.t.Lookup(name) }

func (r tableResolver) ResolveAll(name string) []pluginpkg.CodeUnit { return r.t.LookupAll(name) }
