// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"strings"

	"github.com/samber/oops"
)

// State is the lifecycle state of a loaded package.
type State uint8

// Lifecycle states. The zero value is Created.
const (
	StateCreated State = iota
	StateDisabled
	StateResolved
	StateStarted
	StateStopped
	StateFailed
	StateUnloaded
)

var stateNames = [...]string{
	StateCreated:  "created",
	StateDisabled: "disabled",
	StateResolved: "resolved",
	StateStarted:  "started",
	StateStopped:  "stopped",
	StateFailed:   "failed",
	StateUnloaded: "unloaded",
}

// String returns the lowercase name of the state.
// Unrecognized states return "unknown".
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ParseState returns the state named by s (case-insensitive).
func ParseState(s string) (State, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, oops.Code("INVALID_ARGUMENT").With("state", s).Errorf("unknown plugin state %q", s)
}

// States returns every lifecycle state in declaration order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

// IsStarted reports whether s is StateStarted.
func (s State) IsStarted() bool { return s == StateStarted }

// IsStartable reports whether a package in state s may be started.
func (s State) IsStartable() bool {
	return s == StateResolved || s == StateStopped || s == StateFailed
}

// IsResolved reports whether s is at or past resolution and the package is
// usable as a dependency.
func (s State) IsResolved() bool {
	return s == StateResolved || s == StateStarted || s == StateStopped
}
