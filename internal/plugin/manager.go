// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package plugin loads plugin packages, resolves their dependencies and
// drives them through their lifecycle.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keystone-run/keystone/internal/observability"
	"github.com/keystone-run/keystone/internal/plugin/dependency"
	"github.com/keystone-run/keystone/internal/plugin/manifest"
	"github.com/keystone-run/keystone/internal/plugin/namespace"
	"github.com/keystone-run/keystone/internal/plugin/status"
	"github.com/keystone-run/keystone/internal/version"
	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// Repository lists the locations packages can be loaded from.
type Repository interface {
	// Locations returns candidate locations in a stable order.
	Locations(ctx context.Context) ([]string, error)
	// Delete removes the package at location. It reports whether anything
	// was removed.
	Delete(ctx context.Context, location string) (bool, error)
}

// DescriptorFinder reads the descriptor of the package at a location.
// It returns an error wrapping pluginpkg.ErrDescriptorNotFound when the
// location holds no descriptor.
type DescriptorFinder interface {
	Find(ctx context.Context, location string) (*pluginpkg.Descriptor, error)
}

// StatusStore records which packages are disabled.
type StatusStore interface {
	IsDisabled(ctx context.Context, pluginID string) (bool, error)
	Enable(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID string) error
}

// Outcome is the per-package result of a batch operation.
type Outcome struct {
	PluginID string
	Location string
	State    pluginpkg.State
	// Skipped is set when the package was not attempted.
	Skipped bool
	Err     error
}

type observerEntry struct {
	id       uint64
	observer Observer
}

// Manager owns the set of loaded packages and every lifecycle transition.
//
// Lifecycle operations must be serialized by the caller. Queries are safe
// to call concurrently with them and with each other.
type Manager struct {
	repository Repository
	finder     DescriptorFinder
	loader     Loader
	status     StatusStore
	oracle     version.Oracle
	resolver   *dependency.Resolver
	space      *namespace.Space
	hostTable  *pluginpkg.SymbolTable

	systemVersion       string
	exactVersionAllowed bool
	defaultMode         namespace.Mode
	modes               map[string]namespace.Mode
	nsOpts              []namespace.Option

	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	mu         sync.RWMutex
	wrappers   map[string]*Wrapper
	order      []string
	locations  map[string]string
	resolution *dependency.Result

	obsMu        sync.RWMutex
	observers    []observerEntry
	nextObserver uint64
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRepository sets where LoadAll finds packages and Delete removes them.
func WithRepository(r Repository) ManagerOption {
	return func(m *Manager) { m.repository = r }
}

// WithDescriptorFinder sets how descriptors are read.
func WithDescriptorFinder(f DescriptorFinder) ManagerOption {
	return func(m *Manager) { m.finder = f }
}

// WithLoader sets how package code is materialized.
func WithLoader(l Loader) ManagerOption {
	return func(m *Manager) { m.loader = l }
}

// WithStatusStore sets the enable/disable store.
func WithStatusStore(s StatusStore) ManagerOption {
	return func(m *Manager) { m.status = s }
}

// WithVersionOracle sets the version constraint checker.
func WithVersionOracle(o version.Oracle) ManagerOption {
	return func(m *Manager) { m.oracle = o }
}

// WithSystemVersion sets the host version checked against each
// descriptor's Requires constraint. Empty or "0.0.0" disables the check.
func WithSystemVersion(v string) ManagerOption {
	return func(m *Manager) { m.systemVersion = v }
}

// WithExactVersionAllowed makes an exact Requires version match only that
// version instead of that version or newer.
func WithExactVersionAllowed(allowed bool) ManagerOption {
	return func(m *Manager) { m.exactVersionAllowed = allowed }
}

// WithHostSymbols sets the host symbol table every namespace delegates to.
func WithHostSymbols(t *pluginpkg.SymbolTable) ManagerOption {
	return func(m *Manager) { m.hostTable = t }
}

// WithNamespaceMode sets the default delegation mode.
func WithNamespaceMode(mode namespace.Mode) ManagerOption {
	return func(m *Manager) { m.defaultMode = mode }
}

// WithPackageMode overrides the delegation mode of one package.
func WithPackageMode(pluginID string, mode namespace.Mode) ManagerOption {
	return func(m *Manager) { m.modes[pluginID] = mode }
}

// WithNamespaceOptions adds options applied to every namespace, such as
// host exclusions.
func WithNamespaceOptions(opts ...namespace.Option) ManagerOption {
	return func(m *Manager) { m.nsOpts = append(m.nsOpts, opts...) }
}

// WithMetrics records transitions and hook failures in metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithObserver registers an observer at construction time.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.Subscribe(o) }
}

// NewManager creates a plugin manager. Without options it loads from the
// default catalog, reads plugin.yaml descriptors and keeps status in memory.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		modes:     make(map[string]namespace.Mode),
		wrappers:  make(map[string]*Wrapper),
		locations: make(map[string]string),
		logger:    slog.Default(),
		tracer:    otel.Tracer("keystone/plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.finder == nil {
		m.finder = manifest.NewFinder()
	}
	if m.loader == nil {
		m.loader = NewCatalogLoader(nil)
	}
	if m.status == nil {
		m.status = &status.MemoryStore{}
	}
	if m.oracle == nil {
		m.oracle = version.NewSemver()
	}
	if m.hostTable == nil {
		m.hostTable = pluginpkg.NewSymbolTable(pluginpkg.HostOrigin)
	}
	m.resolver = dependency.NewResolver(m.oracle)
	m.space = namespace.NewSpace(m.hostTable)
	return m
}

// Subscribe registers an observer and returns a function that removes it.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObserver++
	id := m.nextObserver
	m.observers = append(m.observers, observerEntry{id: id, observer: o})
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		m.observers = slices.DeleteFunc(m.observers, func(e observerEntry) bool { return e.id == id })
	}
}

// Load reads the descriptor at location, materializes its code and
// registers the package as Created.
func (m *Manager) Load(ctx context.Context, location string) (string, error) {
	descriptor, err := m.finder.Find(ctx, location)
	if err != nil {
		if errors.Is(err, pluginpkg.ErrDescriptorNotFound) {
			return "", oops.Code(CodeDescriptorNotFound).With("location", location).Wrap(err)
		}
		return "", oops.With("location", location).Wrap(err)
	}
	if err := descriptor.Validate(); err != nil {
		return "", oops.With("location", location).Wrap(err)
	}

	id := descriptor.ID
	m.mu.RLock()
	err = m.checkNotLoadedLocked(id, location)
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}

	bundle, err := m.loader.Load(ctx, descriptor, location)
	if err != nil {
		return "", oops.Code("PLUGIN_LOAD_FAILED").With("plugin", id).With("location", location).Wrap(err)
	}
	if bundle.Symbols == nil {
		bundle.release()
		return "", oops.Code("PLUGIN_LOAD_FAILED").
			With("plugin", id).
			With("location", location).
			Errorf("loader returned no symbols")
	}
	if bundle.Extensions == nil {
		bundle.Extensions = bundle.Symbols
	}

	ns, err := m.space.New(id, bundle.Symbols, m.namespaceOptions(id)...)
	if err != nil {
		bundle.release()
		return "", oops.With("plugin", id).With("location", location).Wrap(err)
	}

	w := &Wrapper{
		descriptor: descriptor,
		location:   location,
		namespace:  ns,
		symbols:    bundle.Symbols,
		extensions: bundle.Extensions,
		release:    bundle.release,
		logger:     m.logger.With("plugin", id),
		state:      pluginpkg.StateUnloaded,
	}

	m.mu.Lock()
	if err := m.checkNotLoadedLocked(id, location); err != nil {
		m.mu.Unlock()
		ns.Release()
		bundle.release()
		return "", err
	}
	m.wrappers[id] = w
	m.order = append(m.order, id)
	m.locations[location] = id
	m.mu.Unlock()

	m.setState(ctx, w, pluginpkg.StateCreated, nil)
	w.logger.Info("plugin loaded",
		"version", descriptor.Version,
		"location", location,
		"mode", ns.Mode().String())
	return id, nil
}

func (m *Manager) checkNotLoadedLocked(id, location string) error {
	if _, exists := m.wrappers[id]; exists {
		return oops.Code(CodeAlreadyLoaded).
			With("plugin", id).
			With("location", location).
			Wrapf(ErrAlreadyLoaded, "plugin %q is already loaded", id)
	}
	if owner, exists := m.locations[location]; exists {
		return oops.Code(CodeAlreadyLoaded).
			With("plugin", id).
			With("location", location).
			With("owner", owner).
			Wrapf(ErrAlreadyLoaded, "location %q is already loaded by %q", location, owner)
	}
	return nil
}

func (m *Manager) namespaceOptions(id string) []namespace.Option {
	mode := m.defaultMode
	if override, ok := m.modes[id]; ok {
		mode = override
	}
	return append(slices.Clone(m.nsOpts), namespace.WithMode(mode))
}

// LoadAll loads every repository location not loaded yet, then resolves.
// Load failures come first in the returned outcomes, followed by the
// resolution outcomes. The error is only set when the repository cannot be
// listed.
func (m *Manager) LoadAll(ctx context.Context) ([]Outcome, error) {
	var outcomes []Outcome
	if m.repository != nil {
		locations, err := m.repository.Locations(ctx)
		if err != nil {
			return nil, oops.Code("REPOSITORY_LIST_FAILED").Wrap(err)
		}
		for _, location := range locations {
			m.mu.RLock()
			_, loaded := m.locations[location]
			m.mu.RUnlock()
			if loaded {
				continue
			}
			if _, err := m.Load(ctx, location); err != nil {
				errutil.LogError(m.logger.With("location", location), "plugin load failed", err)
				outcomes = append(outcomes, Outcome{
					Location: location,
					State:    pluginpkg.StateUnloaded,
					Err:      err,
				})
			}
		}
	}

	_, resolved := m.Resolve(ctx)
	return append(outcomes, resolved...), nil
}

// Resolve runs the dependency resolver over every loaded package and moves
// Created packages to Resolved or Disabled. Packages with missing,
// version-mismatched or unresolved dependencies stay Created. A cycle stops
// the whole batch.
func (m *Manager) Resolve(ctx context.Context) (*dependency.Result, []Outcome) {
	wrappers := m.Plugins()
	result := m.resolver.Resolve(descriptorsOf(wrappers))

	m.mu.Lock()
	m.resolution = result
	m.mu.Unlock()

	var outcomes []Outcome
	if result.Cyclic {
		m.logger.Error("dependency cycle detected, no plugin resolved")
		for _, w := range wrappers {
			if w.State() != pluginpkg.StateCreated {
				continue
			}
			outcomes = append(outcomes, Outcome{
				PluginID: w.ID(),
				Location: w.location,
				State:    pluginpkg.StateCreated,
				Err: oops.Code(CodeDependencyCyclic).
					With("plugin", w.ID()).
					Wrapf(ErrDependencyCyclic, "dependency graph contains a cycle"),
			})
		}
		return result, outcomes
	}

	byID := indexByID(wrappers)
	for _, id := range result.SortedIDs {
		w := byID[id]
		if w == nil || w.State() != pluginpkg.StateCreated {
			continue
		}
		outcomes = append(outcomes, m.resolveOne(ctx, w, result, byID))
	}
	return result, outcomes
}

func (m *Manager) resolveOne(ctx context.Context, w *Wrapper, result *dependency.Result, byID map[string]*Wrapper) Outcome {
	id := w.ID()
	out := Outcome{PluginID: id, Location: w.location, State: pluginpkg.StateCreated}

	disabled, err := m.status.IsDisabled(ctx, id)
	if err != nil {
		out.Err = oops.With("plugin", id).Wrap(err)
		errutil.LogError(w.logger, "plugin status lookup failed", out.Err)
		return out
	}
	if disabled {
		m.setState(ctx, w, pluginpkg.StateDisabled, nil)
		w.logger.Info("plugin disabled")
		out.State = pluginpkg.StateDisabled
		return out
	}

	if err := m.checkPlatform(w.descriptor); err != nil {
		m.setState(ctx, w, pluginpkg.StateDisabled, err)
		w.logger.Warn("plugin disabled, system version not supported",
			"requires", w.descriptor.Requires,
			"system_version", m.systemVersion)
		out.State = pluginpkg.StateDisabled
		out.Err = err
		return out
	}

	if missing := result.MissingFor(id); len(missing) > 0 {
		out.Err = oops.Code(CodeDependencyMissing).
			With("plugin", id).
			With("missing", missing).
			Wrapf(ErrDependencyMissing, "missing dependencies: %s", strings.Join(missing, ", "))
		w.logger.Warn("plugin not resolved, dependencies missing", "missing", missing)
		return out
	}

	if wrong := result.WrongVersionsFor(id); len(wrong) > 0 {
		details := make([]string, len(wrong))
		for i, wv := range wrong {
			details[i] = wv.String()
		}
		out.Err = oops.Code(CodeDependencyVersion).
			With("plugin", id).
			With("mismatches", details).
			Wrapf(ErrDependencyVersion, "dependency version mismatch: %s", strings.Join(details, "; "))
		w.logger.Warn("plugin not resolved, dependency version mismatch", "mismatches", details)
		return out
	}

	for _, dep := range w.descriptor.Dependencies {
		if dep.Optional {
			continue
		}
		if dw := byID[dep.ID]; dw == nil || !dw.State().IsResolved() {
			out.Err = oops.Code(CodeDependencyNotResolved).
				With("plugin", id).
				With("dependency", dep.ID).
				Wrapf(ErrDependencyNotResolved, "dependency %q is not resolved", dep.ID)
			w.logger.Warn("plugin not resolved, dependency not resolved", "dependency", dep.ID)
			return out
		}
	}

	m.setState(ctx, w, pluginpkg.StateResolved, nil)
	out.State = pluginpkg.StateResolved
	return out
}

// checkPlatform verifies the descriptor's Requires constraint against the
// system version. A bare version such as "1.2.0" means that version or newer
// unless exact versions are allowed.
func (m *Manager) checkPlatform(d *pluginpkg.Descriptor) error {
	requires := strings.TrimSpace(d.Requires)
	if requires == "" || requires == pluginpkg.AnyVersion || m.systemVersion == "" || m.systemVersion == "0.0.0" {
		return nil
	}
	if !m.exactVersionAllowed && version.IsExact(requires) {
		requires = ">=" + requires
	}

	ok, err := m.oracle.Satisfies(requires, m.systemVersion)
	if err != nil {
		return oops.Code(CodePlatformMismatch).
			With("plugin", d.ID).
			With("requires", d.Requires).
			With("system_version", m.systemVersion).
			Wrap(withCause(ErrPlatformMismatch, err))
	}
	if !ok {
		return oops.Code(CodePlatformMismatch).
			With("plugin", d.ID).
			With("requires", d.Requires).
			With("system_version", m.systemVersion).
			Wrapf(ErrPlatformMismatch, "plugin requires system version %s, running %s", d.Requires, m.systemVersion)
	}
	return nil
}

// Plugin returns the wrapper of a loaded package.
func (m *Manager) Plugin(id string) (*Wrapper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wrappers[id]
	return w, ok
}

// Plugins returns every loaded package in load order.
func (m *Manager) Plugins() []*Wrapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Wrapper, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.wrappers[id])
	}
	return out
}

// PluginsByState returns the loaded packages currently in state.
func (m *Manager) PluginsByState(state pluginpkg.State) []*Wrapper {
	var out []*Wrapper
	for _, w := range m.Plugins() {
		if w.State() == state {
			out = append(out, w)
		}
	}
	return out
}

// State returns the state of a package, or StateUnloaded if it is not loaded.
func (m *Manager) State(id string) (pluginpkg.State, bool) {
	w, ok := m.Plugin(id)
	if !ok {
		return pluginpkg.StateUnloaded, false
	}
	return w.State(), true
}

// SortedIDs returns the loaded packages in dependency order, computed over
// the current set. If the set has a cycle the load order is returned.
func (m *Manager) SortedIDs() []string {
	wrappers := m.Plugins()
	result := m.resolver.Resolve(descriptorsOf(wrappers))
	if result.Cyclic {
		ids := make([]string, len(wrappers))
		for i, w := range wrappers {
			ids[i] = w.ID()
		}
		return ids
	}
	return result.SortedIDs
}

// Resolution returns the result of the last Resolve call, or nil.
func (m *Manager) Resolution() *dependency.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolution
}

// Namespace returns the namespace of a loaded package.
func (m *Manager) Namespace(id string) (*namespace.Namespace, bool) {
	w, ok := m.Plugin(id)
	if !ok {
		return nil, false
	}
	return w.namespace, true
}

// ExtensionSource returns the extension source of a loaded package.
func (m *Manager) ExtensionSource(id string) (pluginpkg.ExtensionSource, bool) {
	w, ok := m.Plugin(id)
	if !ok {
		return nil, false
	}
	return w.extensions, true
}

// SystemVersion returns the host version packages are checked against.
func (m *Manager) SystemVersion() string { return m.systemVersion }

// Space returns the namespace space, whose host table is shared by every
// package.
func (m *Manager) Space() *namespace.Space { return m.space }

func (m *Manager) lookup(id string) (*Wrapper, error) {
	w, ok := m.Plugin(id)
	if !ok {
		return nil, oops.Code(CodeNotFound).With("plugin", id).Wrapf(ErrNotFound, "plugin %q is not loaded", id)
	}
	return w, nil
}

// setState commits a transition and publishes it.
func (m *Manager) setState(ctx context.Context, w *Wrapper, to pluginpkg.State, err error) {
	from := w.transition(to, err)
	m.emit(ctx, w, from, to, err)
}

// emit records a committed transition and notifies observers in
// registration order. Observer errors and panics are logged only.
func (m *Manager) emit(ctx context.Context, w *Wrapper, from, to pluginpkg.State, err error) {
	m.metrics.RecordTransition(metricState(from), metricState(to))
	w.logger.Debug("plugin state changed", "from", from.String(), "to", to.String())

	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()

	event := newStateEvent(w.ID(), from, to, err)
	for _, entry := range observers {
		m.notify(ctx, entry.observer, event)
	}
}

func (m *Manager) notify(ctx context.Context, o Observer, event StateEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state observer panicked",
				"plugin", event.PluginID,
				"event_id", event.ID.String(),
				"panic", fmt.Sprint(r))
		}
	}()
	if err := o.OnStateChange(ctx, event); err != nil {
		errutil.LogError(m.logger.With("plugin", event.PluginID, "event_id", event.ID.String()),
			"state observer failed", err)
	}
}

func metricState(s pluginpkg.State) string {
	if s == pluginpkg.StateUnloaded {
		return ""
	}
	return s.String()
}

func descriptorsOf(wrappers []*Wrapper) []*pluginpkg.Descriptor {
	out := make([]*pluginpkg.Descriptor, len(wrappers))
	for i, w := range wrappers {
		out[i] = w.descriptor
	}
	return out
}

func indexByID(wrappers []*Wrapper) map[string]*Wrapper {
	out := make(map[string]*Wrapper, len(wrappers))
	for _, w := range wrappers {
		out[w.ID()] = w
	}
	return out
}

func cyclicOutcomes(wrappers []*Wrapper) []Outcome {
	var out []Outcome
	for _, w := range wrappers {
		if w.State().IsStarted() {
			continue
		}
		out = append(out, Outcome{
			PluginID: w.ID(),
			Location: w.location,
			State:    w.State(),
			Skipped:  true,
			Err: oops.Code(CodeDependencyCyclic).
				With("plugin", w.ID()).
				Wrapf(ErrDependencyCyclic, "dependency graph contains a cycle"),
		})
	}
	return out
}

func reversed(ids []string) []string {
	out := slices.Clone(ids)
	slices.Reverse(out)
	return out
}
