// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"context"

	"github.com/samber/oops"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// Bundle is the code a Loader produced for one package.
type Bundle struct {
	// Symbols is the package's private symbol table. It must not be shared
	// with any other package.
	Symbols *pluginpkg.SymbolTable
	// Extensions indexes the package's extensions. Nil means Symbols.
	Extensions pluginpkg.ExtensionSource
	// Release frees resources held outside the symbol table, such as a
	// plugin process. It is called once when the package is unloaded or
	// fails to load. Nil means nothing to free.
	Release func()
}

func (b Bundle) release() {
	if b.Release != nil {
		b.Release()
	}
}

// Loader materializes the code of a package found at a location.
type Loader interface {
	Load(ctx context.Context, descriptor *pluginpkg.Descriptor, location string) (Bundle, error)
}

// Selector is implemented by loaders that only handle some packages.
type Selector interface {
	Applies(descriptor *pluginpkg.Descriptor, location string) bool
}

// CompoundLoader delegates each package to the first of its loaders that
// applies. Loaders that do not implement Selector apply to every package.
type CompoundLoader struct {
	loaders []Loader
}

// NewCompoundLoader creates a loader trying loaders in order.
func NewCompoundLoader(loaders ...Loader) *CompoundLoader {
	return &CompoundLoader{loaders: loaders}
}

// Load loads the package with the first applicable loader.
func (l *CompoundLoader) Load(ctx context.Context, descriptor *pluginpkg.Descriptor, location string) (Bundle, error) {
	for _, loader := range l.loaders {
		if s, ok := loader.(Selector); ok && !s.Applies(descriptor, location) {
			continue
		}
		return loader.Load(ctx, descriptor, location)
	}
	return Bundle{}, oops.Code("PLUGIN_CODE_NOT_FOUND").
		With("plugin", descriptor.ID).
		With("location", location).
		Wrapf(pluginpkg.ErrCodeNotFound, "no loader applies")
}

// CatalogLoader builds packages from builders registered in a catalog,
// keyed by package id.
type CatalogLoader struct {
	catalog *pluginpkg.Catalog
}

// NewCatalogLoader creates a loader over catalog. A nil catalog means the
// process-wide default catalog.
func NewCatalogLoader(catalog *pluginpkg.Catalog) *CatalogLoader {
	if catalog == nil {
		catalog = pluginpkg.DefaultCatalog()
	}
	return &CatalogLoader{catalog: catalog}
}

// Load builds a fresh symbol table for the package.
func (l *CatalogLoader) Load(_ context.Context, descriptor *pluginpkg.Descriptor, location string) (Bundle, error) {
	symbols, err := l.catalog.Build(descriptor.ID)
	if err != nil {
		return Bundle{}, oops.With("location", location).Wrap(err)
	}
	return Bundle{Symbols: symbols, Extensions: symbols}, nil
}
