// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// ErrCodeNotFound is returned when no builder is registered for a package id.
var ErrCodeNotFound = errors.New("plugin code not found")

// Builder populates a package's private symbol table.
type Builder func(t *SymbolTable) error

// Catalog maps package ids to the builders that define their code.
// Packages register at link time from init, so the host binary carries every
// package it can load and nothing is looked up by type name at runtime.
type Catalog struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{builders: make(map[string]Builder)}
}

// Register adds a builder for id. Registering an id twice is an error.
func (c *Catalog) Register(id string, b Builder) error {
	if id == "" || b == nil {
		return oops.Code("INVALID_ARGUMENT").With("plugin", id).Errorf("catalog entry requires an id and a builder")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.builders[id]; exists {
		return oops.Code("PLUGIN_ALREADY_REGISTERED").With("plugin", id).Errorf("plugin %q already registered", id)
	}
	c.builders[id] = b
	return nil
}

// Build runs the builder for id against a fresh symbol table.
// Every call returns a new table so a reloaded package never shares
// state with its previous incarnation.
func (c *Catalog) Build(id string) (*SymbolTable, error) {
	c.mu.RLock()
	b, ok := c.builders[id]
	c.mu.RUnlock()
	if !ok {
		return nil, oops.Code("PLUGIN_CODE_NOT_FOUND").With("plugin", id).Wrap(ErrCodeNotFound)
	}

	t := NewSymbolTable(id)
	if err := b(t); err != nil {
		return nil, oops.Code("PLUGIN_BUILD_FAILED").With("plugin", id).Wrap(err)
	}
	return t, nil
}

// Has reports whether a builder is registered for id.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.builders[id]
	return ok
}

// IDs returns the registered ids, sorted.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.builders))
	for id := range c.builders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var defaultCatalog = NewCatalog()

// DefaultCatalog returns the catalog populated by Register.
func DefaultCatalog() *Catalog { return defaultCatalog }

// Register adds a builder to the default catalog. It is meant to be called
// from a package's init function and panics on a duplicate id.
func Register(id string, b Builder) {
	if err := defaultCatalog.Register(id, b); err != nil {
		panic(fmt.Sprintf("plugin: %v", err))
	}
}

// ContractName returns the stable name of contract type T, used as the key
// of extension indexes.
func ContractName[T any]() string {
	t := reflect.TypeFor[T]()
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// ExtensionIndex maps a contract name to its implementation symbol names,
// in discovery order and without duplicates.
type ExtensionIndex map[string][]string

// Add records impl as an implementation of contract. Duplicates are ignored.
func (x ExtensionIndex) Add(contract, impl string) {
	if slices.Contains(x[contract], impl) {
		return
	}
	x[contract] = append(x[contract], impl)
}

// Implementations returns the implementation names recorded for contract.
func (x ExtensionIndex) Implementations(contract string) []string {
	return slices.Clone(x[contract])
}

// Contracts returns the indexed contract names, sorted.
func (x ExtensionIndex) Contracts() []string {
	out := make([]string, 0, len(x))
	for c := range x {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the index.
func (x ExtensionIndex) Clone() ExtensionIndex {
	out := make(ExtensionIndex, len(x))
	for c, impls := range x {
		out[c] = slices.Clone(impls)
	}
	return out
}

// ExtensionSource yields the extension index of one code location.
type ExtensionSource interface {
	ReadExtensionIndex() (ExtensionIndex, error)
}

var _ ExtensionSource = (*SymbolTable)(nil)
