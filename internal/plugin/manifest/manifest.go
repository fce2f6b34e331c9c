// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package manifest reads package descriptors from plugin.yaml files.
package manifest

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// FileName is the descriptor file looked up in a package directory.
const FileName = "plugin.yaml"

// Finder reads descriptors from a package directory.
type Finder struct {
	fileName string
	validate bool
}

// Option configures a Finder.
type Option func(*Finder)

// WithFileName overrides the descriptor file name.
func WithFileName(name string) Option {
	return func(f *Finder) { f.fileName = name }
}

// WithSchemaValidation toggles JSON Schema validation of descriptor files.
// It is on by default.
func WithSchemaValidation(enabled bool) Option {
	return func(f *Finder) { f.validate = enabled }
}

// NewFinder creates a Finder.
func NewFinder(opts ...Option) *Finder {
	f := &Finder{fileName: FileName, validate: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Find reads the descriptor of the package at location. Location may be the
// package directory or the descriptor file itself. A missing file yields an
// error wrapping pluginpkg.ErrDescriptorNotFound.
func (f *Finder) Find(ctx context.Context, location string) (*pluginpkg.Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := location
	if info, err := os.Stat(location); err == nil && info.IsDir() {
		path = filepath.Join(location, f.fileName)
	}

	//nolint:gosec // location comes from the configured repository
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, oops.With("path", path).Wrapf(pluginpkg.ErrDescriptorNotFound, "no %s at %s", f.fileName, location)
		}
		return nil, oops.Code("DESCRIPTOR_READ_FAILED").With("path", path).Wrap(err)
	}

	var d *pluginpkg.Descriptor
	if f.validate {
		d, err = Parse(data)
	} else {
		d, err = decode(data)
	}
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return d, nil
}

// Parse validates data against the descriptor schema, decodes it and
// checks the result.
func Parse(data []byte) (*pluginpkg.Descriptor, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(data []byte) (*pluginpkg.Descriptor, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, oops.Code("DESCRIPTOR_INVALID").Wrapf(pluginpkg.ErrDescriptorInvalid, "descriptor is empty")
	}

	var d pluginpkg.Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		if errors.Is(err, pluginpkg.ErrDescriptorInvalid) {
			return nil, err
		}
		return nil, oops.Code("DESCRIPTOR_INVALID").Wrap(errors.Join(pluginpkg.ErrDescriptorInvalid, err))
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
