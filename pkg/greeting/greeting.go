// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package greeting defines the contract the bundled plugins extend.
package greeting

import pluginpkg "github.com/keystone-run/keystone/pkg/plugin"

// Greeter produces a greeting for name.
type Greeter interface {
	Greet(name string) string
}

// Contract is the extension index key of Greeter.
var Contract = pluginpkg.ContractName[Greeter]()

// Func adapts a function to Greeter.
type Func func(name string) string

// Greet calls f.
func (f Func) Greet(name string) string { return f(name) }
