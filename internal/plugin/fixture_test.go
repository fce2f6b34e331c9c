// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin_test

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/keystone-run/keystone/internal/plugin"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// memFinder serves descriptors from memory, keyed by location.
type memFinder struct {
	mu          sync.RWMutex
	descriptors map[string]*pluginpkg.Descriptor
}

func (f *memFinder) Find(_ context.Context, location string) (*pluginpkg.Descriptor, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.descriptors[location]
	if !ok {
		return nil, oops.With("location", location).Wrap(pluginpkg.ErrDescriptorNotFound)
	}
	return d, nil
}

// staticRepository lists fixed locations and forgets deleted ones.
type staticRepository struct {
	mu        sync.Mutex
	locations []string
}

func (r *staticRepository) Locations(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.locations), nil
}

func (r *staticRepository) Delete(_ context.Context, location string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.locations)
	r.locations = slices.DeleteFunc(r.locations, func(l string) bool { return l == location })
	return len(r.locations) < before, nil
}

// fixture wires a Manager to an in-memory catalog and records every hook
// call and state event.
type fixture struct {
	t          *testing.T
	catalog    *pluginpkg.Catalog
	finder     *memFinder
	repository *staticRepository

	mu        sync.Mutex
	calls     []string
	events    []plugins.StateEvent
	startErr  map[string]error
	stopErr   map[string]error
	deleteErr map[string]error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:          t,
		catalog:    pluginpkg.NewCatalog(),
		finder:     &memFinder{descriptors: make(map[string]*pluginpkg.Descriptor)},
		repository: &staticRepository{},
		startErr:   make(map[string]error),
		stopErr:    make(map[string]error),
		deleteErr:  make(map[string]error),
	}
}

func location(id string) string { return "/plugins/" + id }

// add registers a package whose entry point is "<id>.Plugin". Dependencies
// use the compact "id[?][@constraint]" form.
func (f *fixture) add(id, version string, deps ...string) *pluginpkg.Descriptor {
	f.t.Helper()
	d := &pluginpkg.Descriptor{ID: id, Version: version, EntryPoint: id + ".Plugin"}
	for _, raw := range deps {
		dep, err := pluginpkg.ParseDependency(raw)
		require.NoError(f.t, err)
		d.Dependencies = append(d.Dependencies, dep)
	}
	f.addDescriptor(d, func(t *pluginpkg.SymbolTable) error {
		return t.Define(pluginpkg.CodeUnit{
			Name: d.EntryPoint,
			New: func(pluginpkg.Context) (any, error) {
				return &fakePlugin{id: id, f: f}, nil
			},
		})
	})
	return d
}

// addDescriptor registers d with a custom builder.
func (f *fixture) addDescriptor(d *pluginpkg.Descriptor, b pluginpkg.Builder) {
	f.t.Helper()
	require.NoError(f.t, f.catalog.Register(d.ID, b))
	f.finder.mu.Lock()
	f.finder.descriptors[location(d.ID)] = d
	f.finder.mu.Unlock()
	f.repository.mu.Lock()
	f.repository.locations = append(f.repository.locations, location(d.ID))
	f.repository.mu.Unlock()
}

func (f *fixture) manager(opts ...plugins.ManagerOption) *plugins.Manager {
	base := []plugins.ManagerOption{
		plugins.WithDescriptorFinder(f.finder),
		plugins.WithLoader(plugins.NewCatalogLoader(f.catalog)),
		plugins.WithRepository(f.repository),
		plugins.WithObserver(plugins.ObserverFunc(func(_ context.Context, e plugins.StateEvent) error {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
			return nil
		})),
	}
	return plugins.NewManager(append(base, opts...)...)
}

// loadAll loads and resolves every registered package, failing the test on
// any load error.
func (f *fixture) loadAll(m *plugins.Manager) []plugins.Outcome {
	f.t.Helper()
	outcomes, err := m.LoadAll(context.Background())
	require.NoError(f.t, err)
	return outcomes
}

func (f *fixture) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fixture) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fixture) recordedEvents() []plugins.StateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

func (f *fixture) hookErr(errs map[string]error, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return errs[id]
}

type fakePlugin struct {
	id string
	f  *fixture
}

func (p *fakePlugin) Start(context.Context) error {
	p.f.record(p.id + ".start")
	return p.f.hookErr(p.f.startErr, p.id)
}

func (p *fakePlugin) Stop(context.Context) error {
	p.f.record(p.id + ".stop")
	return p.f.hookErr(p.f.stopErr, p.id)
}

type deletablePlugin struct {
	fakePlugin
}

func (p *deletablePlugin) Delete(context.Context) error {
	p.f.record(p.id + ".delete")
	return p.f.hookErr(p.f.deleteErr, p.id)
}

func requireState(t *testing.T, m *plugins.Manager, id string, want pluginpkg.State) {
	t.Helper()
	got, ok := m.State(id)
	require.True(t, ok, "plugin %q not loaded", id)
	assert.Equal(t, want.String(), got.String(), "state of %q", id)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	assert.Equal(t, code, oopsErr.Code())
}

func outcomeFor(outcomes []plugins.Outcome, id string) (plugins.Outcome, bool) {
	for _, o := range outcomes {
		if o.PluginID == id {
			return o, true
		}
	}
	return plugins.Outcome{}, false
}
