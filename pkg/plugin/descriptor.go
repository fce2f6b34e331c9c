// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package plugin defines the API shared by the host and extension packages:
// descriptors, lifecycle states, symbol tables and the link-time catalog.
package plugin

import (
	"errors"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// AnyVersion is the constraint that every version satisfies.
const AnyVersion = "*"

// ErrDescriptorInvalid is returned when a descriptor lacks a required field.
var ErrDescriptorInvalid = errors.New("descriptor invalid")

// ErrDescriptorNotFound is returned by descriptor finders when a location
// holds no descriptor.
var ErrDescriptorNotFound = errors.New("descriptor not found")

// maxIDLength is the maximum allowed length for package ids.
const maxIDLength = 64

// idPattern validates package ids: must start with a lowercase letter,
// followed by lowercase letters, digits, dots, or hyphens. Cannot end with
// a hyphen or dot.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9.-]*[a-z0-9])?$`)

// Dependency is one entry of a descriptor's dependency list.
type Dependency struct {
	ID         string `yaml:"id" json:"id" jsonschema:"required,minLength=1,maxLength=64"`
	Constraint string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"description=Semantic version constraint; defaults to *"`
	Optional   bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// ParseDependency parses the compact "id[?][@constraint]" form.
// A trailing '?' on the id marks the dependency optional.
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)
	id, constraint, hasConstraint := strings.Cut(s, "@")
	id = strings.TrimSpace(id)

	var d Dependency
	if rest, ok := strings.CutSuffix(id, "?"); ok {
		d.Optional = true
		id = rest
	}
	if id == "" {
		return Dependency{}, oops.Code("DESCRIPTOR_INVALID").
			With("dependency", s).
			Wrapf(ErrDescriptorInvalid, "dependency id is empty")
	}
	d.ID = id

	constraint = strings.TrimSpace(constraint)
	if !hasConstraint || constraint == "" {
		constraint = AnyVersion
	}
	d.Constraint = constraint
	return d, nil
}

// String returns the compact form accepted by ParseDependency.
func (d Dependency) String() string {
	var b strings.Builder
	b.WriteString(d.ID)
	if d.Optional {
		b.WriteByte('?')
	}
	if c := d.VersionConstraint(); c != AnyVersion {
		b.WriteByte('@')
		b.WriteString(c)
	}
	return b.String()
}

// UnmarshalYAML accepts either the compact string form or a mapping with
// id, version and optional keys.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseDependency(node.Value)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	}

	type plain Dependency
	var p plain
	if err := node.Decode(&p); err != nil {
		return oops.Code("DESCRIPTOR_INVALID").Wrap(errors.Join(ErrDescriptorInvalid, err))
	}
	*d = Dependency(p)
	return nil
}

// VersionConstraint returns the declared constraint, defaulting to AnyVersion.
func (d Dependency) VersionConstraint() string {
	if strings.TrimSpace(d.Constraint) == "" {
		return AnyVersion
	}
	return d.Constraint
}

// Descriptor identifies a package and declares what it needs.
// Descriptors are immutable once produced by a descriptor finder.
type Descriptor struct {
	ID           string       `yaml:"id" json:"id" jsonschema:"required,minLength=1,maxLength=64,pattern=^[a-z]([a-z0-9.-]*[a-z0-9])?$"`
	Version      string       `yaml:"version" json:"version" jsonschema:"required,minLength=1"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Provider     string       `yaml:"provider,omitempty" json:"provider,omitempty"`
	License      string       `yaml:"license,omitempty" json:"license,omitempty"`
	EntryPoint   string       `yaml:"entry-point" json:"entry-point" jsonschema:"required,minLength=1"`
	Executable   string       `yaml:"executable,omitempty" json:"executable,omitempty" jsonschema:"description=Plugin binary relative to the package directory; served over go-plugin"`
	Requires     string       `yaml:"requires,omitempty" json:"requires,omitempty" jsonschema:"description=Constraint against the host version"`
	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// Validate checks that the descriptor carries a well-formed id, a semantic
// version and an entry point.
func (d *Descriptor) Validate() error {
	if d == nil {
		return oops.Code("DESCRIPTOR_INVALID").Wrapf(ErrDescriptorInvalid, "descriptor is nil")
	}
	if d.ID == "" || !idPattern.MatchString(d.ID) {
		return oops.Code("DESCRIPTOR_INVALID").
			With("plugin", d.ID).
			Wrapf(ErrDescriptorInvalid, "id %q must start with a-z, contain only a-z, 0-9, dots and hyphens", d.ID)
	}
	if len(d.ID) > maxIDLength {
		return oops.Code("DESCRIPTOR_INVALID").
			With("plugin", d.ID).
			Wrapf(ErrDescriptorInvalid, "id must be %d characters or less, got %d", maxIDLength, len(d.ID))
	}
	if d.Version == "" {
		return oops.Code("DESCRIPTOR_INVALID").
			With("plugin", d.ID).
			Wrapf(ErrDescriptorInvalid, "version is required")
	}
	if _, err := semver.NewVersion(strings.TrimSpace(d.Version)); err != nil {
		return oops.Code("DESCRIPTOR_INVALID").
			With("plugin", d.ID).
			With("version", d.Version).
			Wrapf(ErrDescriptorInvalid, "version %q is not a semantic version: %v", d.Version, err)
	}
	if d.EntryPoint == "" {
		return oops.Code("DESCRIPTOR_INVALID").
			With("plugin", d.ID).
			Wrapf(ErrDescriptorInvalid, "entry-point is required")
	}
	seen := make(map[string]struct{}, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		if dep.ID == "" {
			return oops.Code("DESCRIPTOR_INVALID").
				With("plugin", d.ID).
				Wrapf(ErrDescriptorInvalid, "dependency id is required")
		}
		if dep.ID == d.ID {
			return oops.Code("DESCRIPTOR_INVALID").
				With("plugin", d.ID).
				Wrapf(ErrDescriptorInvalid, "package cannot depend on itself")
		}
		if _, dup := seen[dep.ID]; dup {
			return oops.Code("DESCRIPTOR_INVALID").
				With("plugin", d.ID).
				With("dependency", dep.ID).
				Wrapf(ErrDescriptorInvalid, "duplicate dependency %q", dep.ID)
		}
		seen[dep.ID] = struct{}{}
	}
	return nil
}

// DependsOn reports whether the descriptor declares a dependency on id.
func (d *Descriptor) DependsOn(id string) bool {
	for _, dep := range d.Dependencies {
		if dep.ID == id {
			return true
		}
	}
	return false
}

// Dependency returns the declared dependency on id, if any.
func (d *Descriptor) Dependency(id string) (Dependency, bool) {
	for _, dep := range d.Dependencies {
		if dep.ID == id {
			return dep, true
		}
	}
	return Dependency{}, false
}
