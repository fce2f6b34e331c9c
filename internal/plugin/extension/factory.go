// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package extension

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/oops"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// ErrFactoryFailed is returned when an extension cannot be instantiated.
var ErrFactoryFailed = errors.New("extension factory failed")

// Factory turns a resolved code unit into an extension instance.
type Factory interface {
	Create(ctx context.Context, unit pluginpkg.CodeUnit, pc pluginpkg.Context) (any, error)
}

// forgetter is implemented by factories that keep instances per package.
type forgetter interface {
	Forget(pluginID string)
}

// DefaultFactory builds a new instance on every call.
type DefaultFactory struct{}

// Create calls the unit's constructor, converting panics into errors.
func (DefaultFactory) Create(_ context.Context, unit pluginpkg.CodeUnit, pc pluginpkg.Context) (obj any, err error) {
	if unit.New == nil {
		return nil, oops.Code("FACTORY_FAILED").
			With("extension", unit.Name).
			With("plugin", unit.Origin).
			Wrapf(ErrFactoryFailed, "extension %q has no constructor", unit.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("FACTORY_FAILED").
				With("extension", unit.Name).
				With("plugin", unit.Origin).
				Wrapf(ErrFactoryFailed, "constructor panicked: %v", r)
		}
	}()

	obj, err = unit.New(pc)
	if err != nil {
		return nil, oops.Code("FACTORY_FAILED").
			With("extension", unit.Name).
			With("plugin", unit.Origin).
			Wrap(fmt.Errorf("%w: %s", ErrFactoryFailed, err.Error()))
	}
	if obj == nil {
		return nil, oops.Code("FACTORY_FAILED").
			With("extension", unit.Name).
			With("plugin", unit.Origin).
			Wrapf(ErrFactoryFailed, "constructor of %q returned nil", unit.Name)
	}
	return obj, nil
}

// SingletonFactory hands out one instance per extension and owning package
// until that package leaves the Started state.
type SingletonFactory struct {
	next      Factory
	instances cmap.ConcurrentMap[string, any]
}

var _ forgetter = (*SingletonFactory)(nil)

// NewSingletonFactory caches instances built by next. A nil next means
// DefaultFactory.
func NewSingletonFactory(next Factory) *SingletonFactory {
	if next == nil {
		next = DefaultFactory{}
	}
	return &SingletonFactory{next: next, instances: cmap.New[any]()}
}

func singletonKey(origin, name string) string {
	return origin + "\x00" + name
}

// Create returns the cached instance or builds and caches one.
func (f *SingletonFactory) Create(ctx context.Context, unit pluginpkg.CodeUnit, pc pluginpkg.Context) (any, error) {
	key := singletonKey(unit.Origin, unit.Name)
	if obj, ok := f.instances.Get(key); ok {
		return obj, nil
	}
	obj, err := f.next.Create(ctx, unit, pc)
	if err != nil {
		return nil, err
	}
	if !f.instances.SetIfAbsent(key, obj) {
		// Another caller won the race; hand out its instance.
		existing, _ := f.instances.Get(key)
		return existing, nil
	}
	return obj, nil
}

// Forget drops every instance owned by pluginID.
func (f *SingletonFactory) Forget(pluginID string) {
	prefix := pluginID + "\x00"
	for _, key := range f.instances.Keys() {
		if strings.HasPrefix(key, prefix) {
			f.instances.Remove(key)
		}
	}
}

// Len returns the number of cached instances.
func (f *SingletonFactory) Len() int { return f.instances.Count() }
