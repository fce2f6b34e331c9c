// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package manifest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-run/keystone/internal/plugin/manifest"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

const greeterYAML = `
id: greeter
version: 1.2.0
description: Says hello
provider: keystone
entry-point: greeter.Plugin
requires: ">=0.3.0"
dependencies:
  - welcome@>=1.0.0
  - audit?
  - id: clock
    version: "~1.4"
    optional: true
`

func TestParse(t *testing.T) {
	d, err := manifest.Parse([]byte(greeterYAML))
	require.NoError(t, err)

	assert.Equal(t, "greeter", d.ID)
	assert.Equal(t, "1.2.0", d.Version)
	assert.Equal(t, "greeter.Plugin", d.EntryPoint)
	assert.Equal(t, ">=0.3.0", d.Requires)
	assert.Equal(t, []pluginpkg.Dependency{
		{ID: "welcome", Constraint: ">=1.0.0"},
		{ID: "audit", Constraint: pluginpkg.AnyVersion, Optional: true},
		{ID: "clock", Constraint: "~1.4", Optional: true},
	}, d.Dependencies)
}

func TestParse_Executable(t *testing.T) {
	d, err := manifest.Parse([]byte("id: audit\nversion: 1.0.0\nentry-point: audit.Plugin\nexecutable: bin/audit\n"))
	require.NoError(t, err)
	assert.Equal(t, "bin/audit", d.Executable)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"whitespace only", "   \n"},
		{"malformed yaml", "id: [unterminated"},
		{"missing id", "version: 1.0.0\nentry-point: a.B\n"},
		{"missing version", "id: greeter\nentry-point: a.B\n"},
		{"missing entry point", "id: greeter\nversion: 1.0.0\n"},
		{"non-semantic version", "id: greeter\nversion: banana\nentry-point: a.B\n"},
		{"uppercase id", "id: Greeter\nversion: 1.0.0\nentry-point: a.B\n"},
		{"unknown field", "id: greeter\nversion: 1.0.0\nentry-point: a.B\ncolour: red\n"},
		{"self dependency", "id: greeter\nversion: 1.0.0\nentry-point: a.B\ndependencies: [greeter]\n"},
		{"duplicate dependency", "id: greeter\nversion: 1.0.0\nentry-point: a.B\ndependencies: [a, a@1.0.0]\n"},
		{"dependency without id", "id: greeter\nversion: 1.0.0\nentry-point: a.B\ndependencies:\n  - version: 1.0.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := manifest.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, pluginpkg.ErrDescriptorInvalid)

			oopsErr, ok := oops.AsOops(err)
			require.True(t, ok)
			assert.Equal(t, "DESCRIPTOR_INVALID", oopsErr.Code())
		})
	}
}

func TestFinder_FindDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(greeterYAML), 0o600))

	d, err := manifest.NewFinder().Find(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "greeter", d.ID)
}

func TestFinder_FindFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greeterYAML), 0o600))

	d, err := manifest.NewFinder().Find(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", d.Version)
}

func TestFinder_CustomFileName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keystone.yaml"), []byte(greeterYAML), 0o600))

	_, err := manifest.NewFinder().Find(context.Background(), dir)
	require.ErrorIs(t, err, pluginpkg.ErrDescriptorNotFound)

	d, err := manifest.NewFinder(manifest.WithFileName("keystone.yaml")).Find(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "greeter", d.ID)
}

func TestFinder_NotFoundCarriesNoCode(t *testing.T) {
	_, err := manifest.NewFinder().Find(context.Background(), t.TempDir())
	require.ErrorIs(t, err, pluginpkg.ErrDescriptorNotFound)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Empty(t, oopsErr.Code())
}

func TestFinder_SchemaValidationOff(t *testing.T) {
	dir := t.TempDir()
	data := greeterYAML + "colour: red\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), []byte(data), 0o600))

	_, err := manifest.NewFinder().Find(context.Background(), dir)
	require.ErrorIs(t, err, pluginpkg.ErrDescriptorInvalid)

	d, err := manifest.NewFinder(manifest.WithSchemaValidation(false)).Find(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "greeter", d.ID)
}

func TestFinder_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manifest.NewFinder().Find(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
