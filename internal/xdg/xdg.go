// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package xdg resolves the XDG Base Directory paths used by keystone.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "keystone"

func resolve(env string, fallback ...string) (string, error) {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", oops.Code("XDG_HOME_UNKNOWN").
				With("env", env).
				Wrapf(err, "cannot resolve %s", env)
		}
	}
	return filepath.Join(append(append([]string{home}, fallback...), appName)...), nil
}

// ConfigDir returns $XDG_CONFIG_HOME/keystone or ~/.config/keystone.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns $XDG_DATA_HOME/keystone or ~/.local/share/keystone.
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns $XDG_STATE_HOME/keystone or ~/.local/state/keystone.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", ".local", "state")
}

// PluginsDir is the default plugin repository root.
func PluginsDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plugins"), nil
}

// EnsureDir creates path and its parents with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.Code("XDG_MKDIR_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
