// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package dependency

import (
	"slices"
)

// Graph is a directed graph of package ids. An edge from a dependent to a
// dependency means the dependency must be loaded first. Vertices keep
// their insertion order, which is the tie-break of TopologicalSort.
type Graph struct {
	vertices     []string
	index        map[string]int
	dependencies map[string][]string // dependent -> dependencies
	dependents   map[string][]string // dependency -> dependents
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index:        make(map[string]int),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// AddVertex adds id if it is not already present.
func (g *Graph) AddVertex(id string) {
	if _, ok := g.index[id]; ok {
		return
	}
	g.index[id] = len(g.vertices)
	g.vertices = append(g.vertices, id)
}

// AddEdge records that dependent requires dependency. Both vertices are
// added if missing. Parallel edges are collapsed.
func (g *Graph) AddEdge(dependent, dependency string) {
	g.AddVertex(dependent)
	g.AddVertex(dependency)
	if slices.Contains(g.dependencies[dependent], dependency) {
		return
	}
	g.dependencies[dependent] = append(g.dependencies[dependent], dependency)
	g.dependents[dependency] = append(g.dependents[dependency], dependent)
}

// Has reports whether id is a vertex.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Vertices returns every vertex in insertion order.
func (g *Graph) Vertices() []string {
	return slices.Clone(g.vertices)
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return slices.Clone(g.dependencies[id])
}

// Dependents returns the direct dependents of id.
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// TopologicalSort orders the vertices dependency-first using Kahn's
// algorithm. Among vertices that are ready at the same time the one added
// earliest wins. ok is false when the graph has a cycle, in which case the
// returned order is nil.
func (g *Graph) TopologicalSort() (order []string, ok bool) {
	inDegree := make([]int, len(g.vertices))
	var ready []int
	for i, v := range g.vertices {
		inDegree[i] = len(g.dependencies[v])
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order = make([]string, 0, len(g.vertices))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		v := g.vertices[i]
		order = append(order, v)

		for _, dependent := range g.dependents[v] {
			j := g.index[dependent]
			inDegree[j]--
			if inDegree[j] == 0 {
				pos, _ := slices.BinarySearch(ready, j)
				ready = slices.Insert(ready, pos, j)
			}
		}
	}

	if len(order) < len(g.vertices) {
		return nil, false
	}
	return order, true
}

// ReverseTopologicalSort is TopologicalSort reversed: dependents first.
func (g *Graph) ReverseTopologicalSort() ([]string, bool) {
	order, ok := g.TopologicalSort()
	if !ok {
		return nil, false
	}
	slices.Reverse(order)
	return order, true
}
