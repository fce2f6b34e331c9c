// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// HostOrigin is the Origin label of code units owned by the host.
const HostOrigin = ""

// Constructor builds an instance of a code unit.
type Constructor func(Context) (any, error)

// CodeUnit is a named piece of code a namespace can resolve: a constructor,
// an embedded resource, or both.
type CodeUnit struct {
	// Name is the fully-qualified symbol name, e.g. "greeter.Plugin".
	Name string
	// Origin is the id of the owning package, or HostOrigin.
	Origin string
	// Ordinal orders extensions of the same contract; lower sorts first.
	Ordinal int
	// Requires lists package ids that must be started for this unit to be used.
	Requires []string
	// New constructs an instance. Nil for resource-only units.
	New Constructor
	// Resource holds static data such as templates or default configuration.
	Resource []byte
}

// IsHost reports whether the unit belongs to the host.
func (u CodeUnit) IsHost() bool { return u.Origin == HostOrigin }

// SymbolTable is an ordered, concurrency-safe lookup table of code units.
// A name may be defined more than once; lookups return the first
// definition, ResolveAll returns every definition in insertion order.
type SymbolTable struct {
	mu         sync.RWMutex
	origin     string
	units      []CodeUnit
	byName     map[string][]int
	index      ExtensionIndex
	generation atomic.Uint64
}

// NewSymbolTable creates an empty table whose units are labeled origin.
func NewSymbolTable(origin string) *SymbolTable {
	return &SymbolTable{
		origin: origin,
		byName: make(map[string][]int),
		index:  make(ExtensionIndex),
	}
}

// Origin returns the owner label stamped on every unit of the table.
func (t *SymbolTable) Origin() string { return t.origin }

// Define adds a code unit. The unit's Origin is overwritten with the
// table's origin.
func (t *SymbolTable) Define(u CodeUnit) error {
	if u.Name == "" {
		return oops.Code("INVALID_ARGUMENT").With("origin", t.origin).Errorf("code unit name is empty")
	}
	u.Origin = t.origin

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName[u.Name] = append(t.byName[u.Name], len(t.units))
	t.units = append(t.units, u)
	t.generation.Add(1)
	return nil
}

// Extension defines a code unit and indexes it as an implementation of contract.
func (t *SymbolTable) Extension(contract string, u CodeUnit) error {
	if contract == "" {
		return oops.Code("INVALID_ARGUMENT").With("origin", t.origin).Errorf("contract name is empty")
	}
	if u.New == nil {
		return oops.Code("INVALID_ARGUMENT").
			With("origin", t.origin).
			With("symbol", u.Name).
			Errorf("extension %q has no constructor", u.Name)
	}
	if err := t.Define(u); err != nil {
		return err
	}

	t.mu.Lock()
	t.index.Add(contract, u.Name)
	t.mu.Unlock()
	return nil
}

// Lookup returns the first unit defined under name.
func (t *SymbolTable) Lookup(name string) (CodeUnit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byName[name]
	if !ok || len(idx) == 0 {
		return CodeUnit{}, false
	}
	return t.units[idx[0]], true
}

// LookupAll returns every unit defined under name, in insertion order.
func (t *SymbolTable) LookupAll(name string) []CodeUnit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.byName[name]
	out := make([]CodeUnit, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.units[i])
	}
	return out
}

// Names returns the distinct symbol names in first-definition order.
func (t *SymbolTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.byName))
	names := make([]string, 0, len(t.byName))
	for _, u := range t.units {
		if _, ok := seen[u.Name]; ok {
			continue
		}
		seen[u.Name] = struct{}{}
		names = append(names, u.Name)
	}
	return names
}

// Len returns the number of defined units.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.units)
}

// Generation increases every time the table changes.
func (t *SymbolTable) Generation() uint64 { return t.generation.Load() }

// ReadExtensionIndex returns a copy of the table's contract index.
func (t *SymbolTable) ReadExtensionIndex() (ExtensionIndex, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Clone(), nil
}
