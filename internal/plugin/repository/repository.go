// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package repository lists the locations plugin packages are loaded from.
package repository

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Dir is a repository where every subdirectory of a root directory is one
// package location. Hidden entries and files are skipped.
type Dir struct {
	root    string
	ignore  []glob.Glob
	logger  *slog.Logger
	isValid func(path string) bool
}

// Option configures a Dir.
type Option func(*Dir) error

// WithIgnore skips entries whose name matches any of the glob patterns.
func WithIgnore(patterns ...string) Option {
	return func(d *Dir) error {
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return oops.Code("INVALID_ARGUMENT").With("pattern", p).Wrapf(err, "compile ignore pattern")
			}
			d.ignore = append(d.ignore, g)
		}
		return nil
	}
}

// WithRequiredFile lists only directories containing name, such as the
// descriptor file.
func WithRequiredFile(name string) Option {
	return func(d *Dir) error {
		d.isValid = func(path string) bool {
			info, err := os.Stat(filepath.Join(path, name))
			return err == nil && !info.IsDir()
		}
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dir) error {
		d.logger = l
		return nil
	}
}

// NewDir creates a repository rooted at root.
func NewDir(root string, opts ...Option) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, oops.Code("INVALID_ARGUMENT").With("root", root).Wrap(err)
	}
	d := &Dir{root: abs, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// Locations returns the package directories sorted by name. A missing root
// holds no packages.
func (d *Dir) Locations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.logger.Debug("plugin repository root does not exist", "root", d.root)
			return nil, nil
		}
		return nil, oops.Code("REPOSITORY_READ_FAILED").With("root", d.root).Wrap(err)
	}

	var out []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || d.ignored(name) {
			continue
		}
		path := filepath.Join(d.root, name)
		if d.isValid != nil && !d.isValid(path) {
			d.logger.Debug("skipping directory without descriptor", "dir", name)
			continue
		}
		out = append(out, path)
	}
	return out, nil
}

func (d *Dir) ignored(name string) bool {
	for _, g := range d.ignore {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// Delete removes the package directory at location. Locations outside the
// root are refused; a location that no longer exists reports false.
func (d *Dir) Delete(_ context.Context, location string) (bool, error) {
	abs, err := filepath.Abs(location)
	if err != nil {
		return false, oops.Code("INVALID_ARGUMENT").With("location", location).Wrap(err)
	}
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return false, oops.Code("INVALID_ARGUMENT").
			With("location", location).
			With("root", d.root).
			Errorf("location %q is not a package of %s", location, d.root)
	}

	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, oops.Code("REPOSITORY_DELETE_FAILED").With("location", location).Wrap(err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return false, oops.Code("REPOSITORY_DELETE_FAILED").With("location", location).Wrap(err)
	}
	d.logger.Info("plugin package deleted", "location", abs)
	return true, nil
}

// Source is what Compound combines; it matches the manager's repository
// contract.
type Source interface {
	Locations(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, location string) (bool, error)
}

// Compound merges several repositories. Locations are deduplicated in
// repository order; Delete stops at the first repository that removes the
// location.
type Compound struct {
	sources []Source
}

// NewCompound combines sources. Nil sources are ignored.
func NewCompound(sources ...Source) *Compound {
	c := &Compound{}
	for _, s := range sources {
		if s != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// Locations lists every source.
func (c *Compound) Locations(ctx context.Context) ([]string, error) {
	var out []string
	for _, s := range c.sources {
		locations, err := s.Locations(ctx)
		if err != nil {
			return nil, err
		}
		for _, l := range locations {
			if !slices.Contains(out, l) {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// Delete asks each source in turn to delete location.
func (c *Compound) Delete(ctx context.Context, location string) (bool, error) {
	var errs []error
	for _, s := range c.sources {
		deleted, err := s.Delete(ctx, location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			return true, nil
		}
	}
	if len(errs) == len(c.sources) && len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	return false, nil
}
