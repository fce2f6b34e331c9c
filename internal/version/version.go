// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package version answers version-constraint questions for the resolver and
// the platform compatibility check.
package version

import (
	"errors"
	"strings"

	mm "github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
)

// Any is the constraint every version satisfies.
const Any = "*"

// Sentinel errors for version checks.
var (
	ErrInvalidVersion  = errors.New("invalid version")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Oracle decides whether versions satisfy constraints and orders versions.
type Oracle interface {
	// Satisfies reports whether version satisfies constraint.
	Satisfies(constraint, version string) (bool, error)
	// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
	Compare(a, b string) (int, error)
}

// constraintCacheSize bounds the number of parsed constraints kept around.
const constraintCacheSize = 256

// Semver is an Oracle backed by Masterminds semantic versioning.
// Constraint syntax follows that library: ">=1.2.0, <2.0.0", "^1.4", "~1.4",
// "1.x", "||" alternatives. Empty and "*" constraints match every version.
type Semver struct {
	constraints *lru.Cache[string, *mm.Constraints]
}

var _ Oracle = (*Semver)(nil)

// NewSemver creates a semantic version oracle.
func NewSemver() *Semver {
	cache, err := lru.New[string, *mm.Constraints](constraintCacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &Semver{constraints: cache}
}

// Satisfies reports whether version satisfies constraint.
func (s *Semver) Satisfies(constraint, version string) (bool, error) {
	v, err := parseVersion(version)
	if err != nil {
		return false, err
	}

	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == Any {
		return true, nil
	}

	c, err := s.parseConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func (s *Semver) Compare(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

func (s *Semver) parseConstraint(raw string) (*mm.Constraints, error) {
	if c, ok := s.constraints.Get(raw); ok {
		return c, nil
	}
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return nil, oops.Code("INVALID_VERSION").
			With("constraint", raw).
			Wrapf(errors.Join(ErrInvalidVersion, err), "parse constraint %q", raw)
	}
	s.constraints.Add(raw, c)
	return c, nil
}

func parseVersion(raw string) (*mm.Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, oops.Code("INVALID_ARGUMENT").Wrapf(ErrInvalidArgument, "version is empty")
	}
	v, err := mm.NewVersion(raw)
	if err != nil {
		return nil, oops.Code("INVALID_VERSION").
			With("version", raw).
			Wrapf(errors.Join(ErrInvalidVersion, err), "parse version %q", raw)
	}
	return v, nil
}

// Valid reports whether raw parses as a version.
func Valid(raw string) bool {
	_, err := parseVersion(raw)
	return err == nil
}

// IsExact reports whether raw is a plain version rather than a constraint
// expression.
func IsExact(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, "<>=!~^*xX|, ") {
		return false
	}
	_, err := mm.StrictNewVersion(strings.TrimPrefix(raw, "v"))
	return err == nil
}
