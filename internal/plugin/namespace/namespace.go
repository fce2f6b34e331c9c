// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package namespace isolates each package's private code behind its own
// symbol-resolution scope, with configurable delegation to the host.
package namespace

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"

	"github.com/keystone-run/keystone/pkg/plugin"
)

// ErrLocationShared is returned when a private table is already owned by
// another live namespace.
var ErrLocationShared = errors.New("code location already owned by another namespace")

// Mode selects which source a namespace consults first.
type Mode uint8

// Delegation modes.
const (
	// HostFirst consults the host before the package's own code.
	HostFirst Mode = iota
	// PackageFirst consults the package's own code before the host.
	PackageFirst
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case HostFirst:
		return "host-first"
	case PackageFirst:
		return "package-first"
	default:
		return "unknown"
	}
}

// ParseMode parses "host-first" or "package-first". An empty string is HostFirst.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "host-first":
		return HostFirst, nil
	case "package-first":
		return PackageFirst, nil
	default:
		return 0, oops.Code("INVALID_ARGUMENT").With("mode", s).Errorf("unknown delegation mode %q", s)
	}
}

// DefaultCacheSize is the number of resolved names each namespace remembers.
const DefaultCacheSize = 128

// Option configures a Namespace.
type Option func(*options)

type options struct {
	mode       Mode
	filter     func(name string) bool
	exclusions []string
	cacheSize  int
}

// WithMode sets the delegation mode.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithDelegationFilter installs a hook that decides, per symbol name,
// whether the host may be consulted. Returning false hides the host's
// definitions of that name from the package.
func WithDelegationFilter(fn func(name string) bool) Option {
	return func(o *options) { o.filter = fn }
}

// WithHostExclusions hides host symbols matching any of the glob patterns.
// Patterns use '.' as the separator, so "acme.internal.*" matches one
// segment and "acme.internal.**" matches any depth.
func WithHostExclusions(patterns ...string) Option {
	return func(o *options) { o.exclusions = append(o.exclusions, patterns...) }
}

// WithCacheSize sets the resolution cache size. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// Space hands out namespaces over a shared host table and guarantees that
// no two live namespaces own the same private table.
type Space struct {
	host *plugin.SymbolTable

	mu     sync.Mutex
	claims map[*plugin.SymbolTable]string
}

// NewSpace creates a space whose namespaces delegate to host. A nil host
// is treated as an empty table.
func NewSpace(host *plugin.SymbolTable) *Space {
	if host == nil {
		host = plugin.NewSymbolTable(plugin.HostOrigin)
	}
	return &Space{
		host:   host,
		claims: make(map[*plugin.SymbolTable]string),
	}
}

// Host returns the shared host table.
func (s *Space) Host() *plugin.SymbolTable { return s.host }

// Owner returns the package that currently owns t.
func (s *Space) Owner(t *plugin.SymbolTable) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.claims[t]
	return id, ok
}

// New creates the namespace of pluginID over its private table.
func (s *Space) New(pluginID string, private *plugin.SymbolTable, opts ...Option) (*Namespace, error) {
	if private == nil {
		return nil, oops.Code("INVALID_ARGUMENT").With("plugin", pluginID).Errorf("private symbol table is nil")
	}
	if private == s.host {
		return nil, oops.Code("NAMESPACE_LOCATION_SHARED").
			With("plugin", pluginID).
			Wrapf(ErrLocationShared, "package cannot own the host table")
	}

	o := options{mode: HostFirst, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	ns := &Namespace{
		space:    s,
		pluginID: pluginID,
		host:     s.host,
		private:  private,
		mode:     o.mode,
		filter:   o.filter,
	}
	for _, pattern := range o.exclusions {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, oops.Code("INVALID_ARGUMENT").
				With("plugin", pluginID).
				With("pattern", pattern).
				Wrapf(err, "compile host exclusion")
		}
		ns.exclusions = append(ns.exclusions, g)
	}
	if o.cacheSize > 0 {
		cache, err := lru.New[string, cacheEntry](o.cacheSize)
		if err != nil {
			return nil, oops.Code("INVALID_ARGUMENT").With("plugin", pluginID).Wrap(err)
		}
		ns.cache = cache
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, taken := s.claims[private]; taken {
		return nil, oops.Code("NAMESPACE_LOCATION_SHARED").
			With("plugin", pluginID).
			With("owner", owner).
			Wrapf(ErrLocationShared, "code location of %q is owned by %q", pluginID, owner)
	}
	s.claims[private] = pluginID
	return ns, nil
}

func (s *Space) release(t *plugin.SymbolTable) {
	s.mu.Lock()
	delete(s.claims, t)
	s.mu.Unlock()
}

type cacheEntry struct {
	units   []plugin.CodeUnit
	hostGen uint64
	ownGen  uint64
}

// Namespace resolves symbol names for one package. It is safe for
// concurrent use.
type Namespace struct {
	space      *Space
	pluginID   string
	host       *plugin.SymbolTable
	private    *plugin.SymbolTable
	mode       Mode
	filter     func(string) bool
	exclusions []glob.Glob
	cache      *lru.Cache[string, cacheEntry]
	released   atomic.Bool
}

var _ plugin.Resolver = (*Namespace)(nil)

// PluginID returns the owning package id.
func (n *Namespace) PluginID() string { return n.pluginID }

// Mode returns the delegation mode.
func (n *Namespace) Mode() Mode { return n.mode }

// Released reports whether Release has been called.
func (n *Namespace) Released() bool { return n.released.Load() }

// Resolve returns the first code unit named name in delegation order.
func (n *Namespace) Resolve(name string) (plugin.CodeUnit, bool) {
	units := n.ResolveAll(name)
	if len(units) == 0 {
		return plugin.CodeUnit{}, false
	}
	return units[0], true
}

// ResolveAll returns every code unit named name: host and package results
// ordered by mode, insertion order within each source.
func (n *Namespace) ResolveAll(name string) []plugin.CodeUnit {
	if n.released.Load() {
		return nil
	}

	hostGen, ownGen := n.host.Generation(), n.private.Generation()
	if n.cache != nil {
		if e, ok := n.cache.Get(name); ok && e.hostGen == hostGen && e.ownGen == ownGen {
			return clone(e.units)
		}
	}

	var hostUnits []plugin.CodeUnit
	if n.delegates(name) {
		hostUnits = n.host.LookupAll(name)
	}
	ownUnits := n.private.LookupAll(name)

	units := make([]plugin.CodeUnit, 0, len(hostUnits)+len(ownUnits))
	if n.mode == PackageFirst {
		units = append(append(units, ownUnits...), hostUnits...)
	} else {
		units = append(append(units, hostUnits...), ownUnits...)
	}

	if n.cache != nil {
		n.cache.Add(name, cacheEntry{units: units, hostGen: hostGen, ownGen: ownGen})
	}
	return clone(units)
}

// Delegates reports whether name may be resolved from the host.
func (n *Namespace) Delegates(name string) bool { return n.delegates(name) }

func (n *Namespace) delegates(name string) bool {
	if n.filter != nil && !n.filter(name) {
		return false
	}
	for _, g := range n.exclusions {
		if g.Match(name) {
			return false
		}
	}
	return true
}

// Release frees the namespace's claim on its code location. Subsequent
// lookups find nothing. Calling Release more than once is a no-op.
func (n *Namespace) Release() {
	if !n.released.CompareAndSwap(false, true) {
		return
	}
	n.space.release(n.private)
	if n.cache != nil {
		n.cache.Purge()
	}
}

func clone(units []plugin.CodeUnit) []plugin.CodeUnit {
	if len(units) == 0 {
		return nil
	}
	out := make([]plugin.CodeUnit, len(units))
	copy(out, units)
	return out
}
