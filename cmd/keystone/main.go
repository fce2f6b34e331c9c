// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package main is the keystone plugin host.
package main

import (
	"fmt"
	"os"

	_ "github.com/keystone-run/keystone/plugins/greeter"
	_ "github.com/keystone-run/keystone/plugins/welcome"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
