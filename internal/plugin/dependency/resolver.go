// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package dependency builds the package dependency graph and computes load
// order, missing dependencies, version mismatches and cycles.
package dependency

import (
	"fmt"
	"slices"

	"github.com/keystone-run/keystone/internal/version"
	"github.com/keystone-run/keystone/pkg/plugin"
)

// Edge is one declared dependency: From requires To at Constraint.
type Edge struct {
	From       string
	To         string
	Constraint string
	Optional   bool
}

// WrongVersion is an edge whose target exists but does not satisfy the
// declared constraint.
type WrongVersion struct {
	DependentID     string
	DependencyID    string
	RequiredVersion string
	ExistingVersion string
	// Err is set when the constraint or version could not be evaluated.
	Err error
}

// String describes the mismatch for logs and CLI output.
func (w WrongVersion) String() string {
	s := fmt.Sprintf("%s requires %s %s, found %s", w.DependentID, w.DependencyID, w.RequiredVersion, w.ExistingVersion)
	if w.Err != nil {
		s += fmt.Sprintf(" (%v)", w.Err)
	}
	return s
}

// Result is the outcome of one resolution. It is computed fresh on every
// call and never reused across descriptor-set changes.
type Result struct {
	// SortedIDs lists every present package, dependencies first. Empty
	// when Cyclic is set.
	SortedIDs []string
	// Missing lists required dependency ids that no descriptor provides,
	// deduplicated, in first-reference order.
	Missing []string
	// WrongVersions lists edges whose present target fails its constraint.
	WrongVersions []WrongVersion
	// Cyclic is set when the graph contains at least one cycle.
	Cyclic bool

	graph   *Graph
	edges   []Edge
	missing map[string]struct{}
}

// Dependencies returns the direct dependencies of id recorded in the graph,
// including missing ones.
func (r *Result) Dependencies(id string) []string {
	if r.graph == nil {
		return nil
	}
	return r.graph.Dependencies(id)
}

// Dependents returns the ids that directly depend on id.
func (r *Result) Dependents(id string) []string {
	if r.graph == nil {
		return nil
	}
	return r.graph.Dependents(id)
}

// Edges returns every declared edge in descriptor order.
func (r *Result) Edges() []Edge {
	return slices.Clone(r.edges)
}

// MissingFor returns the missing required dependencies of id.
func (r *Result) MissingFor(id string) []string {
	var out []string
	for _, dep := range r.Dependencies(id) {
		if _, ok := r.missing[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// WrongVersionsFor returns the version mismatches declared by id.
func (r *Result) WrongVersionsFor(id string) []WrongVersion {
	var out []WrongVersion
	for _, w := range r.WrongVersions {
		if w.DependentID == id {
			out = append(out, w)
		}
	}
	return out
}

// OK reports whether the result has no cycle, missing or mismatched dependency.
func (r *Result) OK() bool {
	return !r.Cyclic && len(r.Missing) == 0 && len(r.WrongVersions) == 0
}

// Resolver computes a Result from a set of descriptors.
type Resolver struct {
	oracle version.Oracle
}

// NewResolver creates a resolver that checks constraints with oracle.
func NewResolver(oracle version.Oracle) *Resolver {
	return &Resolver{oracle: oracle}
}

// Resolve builds the dependency graph of descriptors and orders it.
// It has no side effects. Descriptor order is significant: it is the
// tie-break between packages that could load at the same time. When two
// descriptors share an id the first one is used.
//
// Absent optional dependencies are ignored. Present optional dependencies
// are ordered and version-checked like required ones.
func (r *Resolver) Resolve(descriptors []*plugin.Descriptor) *Result {
	byID := make(map[string]*plugin.Descriptor, len(descriptors))
	ordered := make([]*plugin.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if _, dup := byID[d.ID]; dup {
			continue
		}
		byID[d.ID] = d
		ordered = append(ordered, d)
	}

	g := NewGraph()
	for _, d := range ordered {
		g.AddVertex(d.ID)
	}

	res := &Result{
		graph:   g,
		missing: make(map[string]struct{}),
	}

	for _, d := range ordered {
		for _, dep := range d.Dependencies {
			target, present := byID[dep.ID]
			if !present && dep.Optional {
				continue
			}

			edge := Edge{From: d.ID, To: dep.ID, Constraint: dep.VersionConstraint(), Optional: dep.Optional}
			res.edges = append(res.edges, edge)
			g.AddEdge(d.ID, dep.ID)

			if !present {
				if _, seen := res.missing[dep.ID]; !seen {
					res.missing[dep.ID] = struct{}{}
					res.Missing = append(res.Missing, dep.ID)
				}
				continue
			}

			if wv, bad := r.checkVersion(edge, target.Version); bad {
				res.WrongVersions = append(res.WrongVersions, wv)
			}
		}
	}

	order, ok := g.TopologicalSort()
	if !ok {
		res.Cyclic = true
		res.SortedIDs = []string{}
		return res
	}

	res.SortedIDs = make([]string, 0, len(ordered))
	for _, id := range order {
		if _, ok := byID[id]; ok {
			res.SortedIDs = append(res.SortedIDs, id)
		}
	}
	return res
}

func (r *Resolver) checkVersion(e Edge, existing string) (WrongVersion, bool) {
	ok, err := r.oracle.Satisfies(e.Constraint, existing)
	if err == nil && ok {
		return WrongVersion{}, false
	}
	return WrongVersion{
		DependentID:     e.From,
		DependencyID:    e.To,
		RequiredVersion: e.Constraint,
		ExistingVersion: existing,
		Err:             err,
	}, true
}
