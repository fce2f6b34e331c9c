// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package dependency_test

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/keystone-run/keystone/internal/plugin/dependency"
	"github.com/keystone-run/keystone/internal/version"
	"github.com/keystone-run/keystone/pkg/plugin"
)

func desc(id, ver string, deps ...string) *plugin.Descriptor {
	d := &plugin.Descriptor{ID: id, Version: ver, EntryPoint: id + ".Plugin"}
	for _, s := range deps {
		dep, err := plugin.ParseDependency(s)
		if err != nil {
			panic(err)
		}
		d.Dependencies = append(d.Dependencies, dep)
	}
	return d
}

func resolve(descs ...*plugin.Descriptor) *dependency.Result {
	return dependency.NewResolver(version.NewSemver()).Resolve(descs)
}

func TestResolve_DependencyFirstOrder(t *testing.T) {
	res := resolve(desc("p1", "1.0.0", "p2"), desc("p2", "1.0.0"))

	assert.Equal(t, []string{"p2", "p1"}, res.SortedIDs)
	assert.Empty(t, res.Missing)
	assert.Empty(t, res.WrongVersions)
	assert.False(t, res.Cyclic)
	assert.True(t, res.OK())
}

func TestResolve_MissingDependencies(t *testing.T) {
	res := resolve(desc("p1", "1.0.0", "p2", "p3"))

	assert.Equal(t, []string{"p2", "p3"}, res.Missing)
	assert.Equal(t, []string{"p1"}, res.SortedIDs, "missing ids do not occupy a slot")
	assert.Equal(t, []string{"p2", "p3"}, res.MissingFor("p1"))
	assert.False(t, res.OK())
}

func TestResolve_MissingDeduplicatedInReferenceOrder(t *testing.T) {
	res := resolve(
		desc("a", "1.0.0", "z", "y"),
		desc("b", "1.0.0", "y", "x"),
	)

	assert.Equal(t, []string{"z", "y", "x"}, res.Missing)
	assert.Equal(t, []string{"a", "b"}, res.SortedIDs)
}

func TestResolve_Cycle(t *testing.T) {
	res := resolve(
		desc("p1", "1.0.0", "p2"),
		desc("p2", "1.0.0", "p3"),
		desc("p3", "1.0.0", "p1"),
	)

	assert.True(t, res.Cyclic)
	assert.Empty(t, res.SortedIDs)
	assert.NotNil(t, res.SortedIDs)
}

func TestResolve_CycleWithUnrelatedPackages(t *testing.T) {
	res := resolve(
		desc("free", "1.0.0"),
		desc("a", "1.0.0", "b"),
		desc("b", "1.0.0", "a"),
	)

	assert.True(t, res.Cyclic)
	assert.Empty(t, res.SortedIDs, "no partial ordering on a cyclic graph")
}

func TestResolve_WrongVersion(t *testing.T) {
	res := resolve(
		desc("p1", "1.0.0", "p2@>=1.5.0, <1.6.0"),
		desc("p2", "1.4.0"),
	)

	require.Len(t, res.WrongVersions, 1)
	wv := res.WrongVersions[0]
	assert.Equal(t, "p1", wv.DependentID)
	assert.Equal(t, "p2", wv.DependencyID)
	assert.Equal(t, ">=1.5.0, <1.6.0", wv.RequiredVersion)
	assert.Equal(t, "1.4.0", wv.ExistingVersion)
	assert.NoError(t, wv.Err)
	assert.Equal(t, []string{"p2", "p1"}, res.SortedIDs)
	assert.Len(t, res.WrongVersionsFor("p1"), 1)
	assert.Empty(t, res.WrongVersionsFor("p2"))
	assert.Contains(t, wv.String(), "p1 requires p2 >=1.5.0, <1.6.0, found 1.4.0")
}

func TestResolve_MissingTargetsAreNotVersionChecked(t *testing.T) {
	res := resolve(desc("p1", "1.0.0", "p2@>=9.0.0"))

	assert.Equal(t, []string{"p2"}, res.Missing)
	assert.Empty(t, res.WrongVersions)
}

func TestResolve_OptionalDependencies(t *testing.T) {
	t.Run("absent optional is ignored", func(t *testing.T) {
		res := resolve(desc("p1", "1.0.0", "extra?"))
		assert.Empty(t, res.Missing)
		assert.Equal(t, []string{"p1"}, res.SortedIDs)
		assert.Empty(t, res.Dependencies("p1"))
	})

	t.Run("present optional is ordered and checked", func(t *testing.T) {
		res := resolve(
			desc("p1", "1.0.0", "extra?@>=2.0.0"),
			desc("extra", "1.0.0"),
		)
		assert.Equal(t, []string{"extra", "p1"}, res.SortedIDs)
		require.Len(t, res.WrongVersions, 1)
		assert.Equal(t, "extra", res.WrongVersions[0].DependencyID)
	})
}

func TestResolve_DuplicateIDsKeepFirst(t *testing.T) {
	res := resolve(
		desc("p1", "1.0.0", "p2@>=2.0.0"),
		desc("p2", "2.0.0"),
		desc("p2", "1.0.0"),
	)

	assert.Equal(t, []string{"p2", "p1"}, res.SortedIDs)
	assert.Empty(t, res.WrongVersions)
}

func TestResolve_GraphQueries(t *testing.T) {
	res := resolve(
		desc("app", "1.0.0", "lib", "log"),
		desc("lib", "1.0.0", "log"),
		desc("log", "1.0.0"),
	)

	assert.Equal(t, []string{"log", "lib", "app"}, res.SortedIDs)
	assert.Equal(t, []string{"lib", "log"}, res.Dependencies("app"))
	assert.Equal(t, []string{"app", "lib"}, res.Dependents("log"))
	assert.Len(t, res.Edges(), 3)
}

func TestResolve_TieBreakFollowsInputOrder(t *testing.T) {
	res := resolve(
		desc("c", "1.0.0"),
		desc("a", "1.0.0", "c"),
		desc("b", "1.0.0"),
	)
	assert.Equal(t, []string{"c", "a", "b"}, res.SortedIDs)

	res = resolve(
		desc("b", "1.0.0"),
		desc("a", "1.0.0", "c"),
		desc("c", "1.0.0"),
	)
	assert.Equal(t, []string{"b", "c", "a"}, res.SortedIDs)
}

func TestResolve_NilAndEmptyInput(t *testing.T) {
	res := resolve()
	assert.Empty(t, res.SortedIDs)
	assert.False(t, res.Cyclic)

	res = resolve(nil, desc("a", "1.0.0"))
	assert.Equal(t, []string{"a"}, res.SortedIDs)
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Satisfies(constraint, v string) (bool, error) {
	args := m.Called(constraint, v)
	return args.Bool(0), args.Error(1)
}

func (m *mockOracle) Compare(a, b string) (int, error) {
	args := m.Called(a, b)
	return args.Int(0), args.Error(1)
}

func TestResolve_OracleErrorIsRecordedAsWrongVersion(t *testing.T) {
	oracle := &mockOracle{}
	oracle.On("Satisfies", "*", "garbage").Return(false, version.ErrInvalidVersion)

	res := dependency.NewResolver(oracle).Resolve([]*plugin.Descriptor{
		desc("p1", "1.0.0", "p2"),
		desc("p2", "garbage"),
	})

	require.Len(t, res.WrongVersions, 1)
	assert.True(t, errors.Is(res.WrongVersions[0].Err, version.ErrInvalidVersion))
	assert.Equal(t, []string{"p2", "p1"}, res.SortedIDs)
	oracle.AssertExpectations(t)
}

// randomDAG builds n descriptors where package i may only depend on
// packages with a larger index, then shuffles the input order.
func randomDAG(r *rand.Rand, n int) []*plugin.Descriptor {
	descs := make([]*plugin.Descriptor, n)
	for i := range n {
		d := &plugin.Descriptor{ID: fmt.Sprintf("p%02d", i), Version: "1.0.0", EntryPoint: "x"}
		for j := i + 1; j < n; j++ {
			if r.IntN(4) == 0 {
				d.Dependencies = append(d.Dependencies, plugin.Dependency{ID: fmt.Sprintf("p%02d", j)})
			}
		}
		if r.IntN(5) == 0 {
			d.Dependencies = append(d.Dependencies, plugin.Dependency{ID: fmt.Sprintf("missing%d", i)})
		}
		descs[i] = d
	}
	r.Shuffle(len(descs), func(i, j int) { descs[i], descs[j] = descs[j], descs[i] })
	return descs
}

func TestResolve_AcyclicProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	for iter := range 50 {
		descs := randomDAG(r, 2+r.IntN(15))
		res := resolve(descs...)

		require.False(t, res.Cyclic, "iteration %d", iter)
		require.Len(t, res.SortedIDs, len(descs), "every present id appears exactly once")

		pos := make(map[string]int, len(res.SortedIDs))
		for i, id := range res.SortedIDs {
			_, dup := pos[id]
			require.False(t, dup, "duplicate id %s", id)
			pos[id] = i
		}
		for _, d := range descs {
			for _, dep := range d.Dependencies {
				depPos, present := pos[dep.ID]
				if !present {
					assert.Contains(t, res.Missing, dep.ID)
					continue
				}
				assert.Less(t, depPos, pos[d.ID], "%s must precede %s", dep.ID, d.ID)
			}
		}

		again := resolve(descs...)
		assert.Equal(t, res.SortedIDs, again.SortedIDs, "resolution is deterministic")
	}
}

func TestResolve_CyclicProperty(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 30 {
		descs := randomDAG(r, 3+r.IntN(10))
		// Close a cycle through two packages that are already linked.
		var from, to *plugin.Descriptor
		for _, d := range descs {
			for _, dep := range d.Dependencies {
				if !slices.ContainsFunc(descs, func(o *plugin.Descriptor) bool { return o.ID == dep.ID }) {
					continue
				}
				from = d
				to = descs[slices.IndexFunc(descs, func(o *plugin.Descriptor) bool { return o.ID == dep.ID })]
				break
			}
			if from != nil {
				break
			}
		}
		if from == nil {
			continue
		}
		to.Dependencies = append(to.Dependencies, plugin.Dependency{ID: from.ID})

		res := resolve(descs...)
		assert.True(t, res.Cyclic)
		assert.Empty(t, res.SortedIDs)
	}
}
