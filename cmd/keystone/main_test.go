// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-run/keystone/internal/config"
	plugins "github.com/keystone-run/keystone/internal/plugin"
	"github.com/keystone-run/keystone/internal/plugin/status"
	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// sandbox copies the bundled plugin descriptors into a temporary plugin
// directory and returns the flags pointing the CLI at it.
type sandbox struct {
	pluginDir string
	statusDir string
}

func newSandbox(t *testing.T) *sandbox {
	t.Helper()
	s := &sandbox{pluginDir: t.TempDir(), statusDir: t.TempDir()}
	for _, id := range []string{"welcome", "greeter"} {
		data, err := os.ReadFile(filepath.Join("..", "..", "plugins", id, "plugin.yaml"))
		require.NoError(t, err)
		dir := filepath.Join(s.pluginDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), data, 0o600))
	}
	return s
}

func (s *sandbox) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return s.runContext(t, context.Background(), args...)
}

func (s *sandbox) runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args,
		"--plugin-dirs="+s.pluginDir,
		"--status-dir="+s.statusDir,
		"--metrics-addr=",
		"--log-level=error",
	))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// stateColumn returns the STATE column of id's row in list output.
func stateColumn(t *testing.T, out, id string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[0] == id {
			return fields[2]
		}
	}
	t.Fatalf("no row for %s in:\n%s", id, out)
	return ""
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	for _, sub := range []string{"list", "greet", "run", "enable", "disable", "delete", "migrate"} {
		assert.Contains(t, buf.String(), sub, "help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFile(t *testing.T) {
	s := newSandbox(t)
	path := filepath.Join(t.TempDir(), "keystone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system-version: 0.0.1\nexact-version-allowed: true\n"), 0o600))

	out, err := s.run(t, "list", "--config", path)
	require.NoError(t, err)
	// Both bundled plugins require >=0.1.0.
	assert.Equal(t, "disabled", stateColumn(t, out, "welcome"))
	assert.Equal(t, "disabled", stateColumn(t, out, "greeter"))
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	s := newSandbox(t)
	_, err := s.run(t, "list", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_READ_FAILED")
}

func TestList(t *testing.T) {
	s := newSandbox(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.pluginDir, "broken"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.pluginDir, "broken", "plugin.yaml"), []byte("id: Broken\n"), 0o600))

	out, err := s.run(t, "list")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4, out)
	assert.Contains(t, lines[0], "STATE")
	assert.Equal(t, "resolved", stateColumn(t, out, "welcome"))
	assert.Equal(t, "resolved", stateColumn(t, out, "greeter"))
	assert.Contains(t, lines[3], filepath.Join(s.pluginDir, "broken"))
}

func TestList_StateFilter(t *testing.T) {
	s := newSandbox(t)

	_, err := s.run(t, "disable", "greeter")
	require.NoError(t, err)

	out, err := s.run(t, "list", "--state", "disabled")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter")
	assert.NotContains(t, out, "welcome")

	_, err = s.run(t, "list", "--state", "sleeping")
	require.Error(t, err)
}

func TestGreet(t *testing.T) {
	s := newSandbox(t)

	out, err := s.run(t, "greet", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Ada.\nHello, Ada!\nHi, Ada.\n", out)
}

func TestGreet_Filters(t *testing.T) {
	s := newSandbox(t)

	out, err := s.run(t, "greet", "Ada", "--plugin", "greeter")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Ada!\n", out)

	out, err = s.run(t, "greet", "Ada", "--host")
	require.NoError(t, err)
	assert.Equal(t, "Hi, Ada.\n", out)

	_, err = s.run(t, "greet", "Ada", "--host", "--plugin", "greeter")
	require.Error(t, err)
}

func TestGreet_DisabledDependency(t *testing.T) {
	s := newSandbox(t)

	out, err := s.run(t, "disable", "welcome")
	require.NoError(t, err)
	assert.Equal(t, "welcome: disabled\n", out)

	// greeter cannot resolve without welcome; only the host greets.
	out, err = s.run(t, "greet", "Ada", "--singleton-extensions")
	require.NoError(t, err)
	assert.Equal(t, "Hi, Ada.\n", out)

	_, err = s.run(t, "enable", "welcome")
	require.NoError(t, err)
	out, err = s.run(t, "greet", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "Welcome, Ada.\nHello, Ada!\nHi, Ada.\n", out)

	disabled, err := os.ReadFile(filepath.Join(s.statusDir, status.DisabledFile))
	require.NoError(t, err)
	assert.NotContains(t, string(disabled), "welcome")
}

func TestDelete(t *testing.T) {
	s := newSandbox(t)

	_, err := s.run(t, "delete", "welcome")
	require.Error(t, err, "welcome has a dependent")
	assert.DirExists(t, filepath.Join(s.pluginDir, "welcome"))

	out, err := s.run(t, "delete", "greeter")
	require.NoError(t, err)
	assert.Equal(t, "greeter: deleted\n", out)
	assert.NoDirExists(t, filepath.Join(s.pluginDir, "greeter"))
}

func TestDelete_Unknown(t *testing.T) {
	s := newSandbox(t)
	_, err := s.run(t, "delete", "nobody")
	require.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newSandbox(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := s.runContext(t, ctx, "run", "--watch-status")
	require.NoError(t, err)
}

func TestGetDatabaseURL(t *testing.T) {
	t.Run("config wins", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://env/db")
		url, err := getDatabaseURL(&config.Config{DatabaseURL: "postgres://cfg/db"})
		require.NoError(t, err)
		assert.Equal(t, "postgres://cfg/db", url)
	})
	t.Run("environment fallback", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://env/db")
		url, err := getDatabaseURL(&config.Config{})
		require.NoError(t, err)
		assert.Equal(t, "postgres://env/db", url)
	})
	t.Run("missing", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := getDatabaseURL(&config.Config{})
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	})
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	s := newSandbox(t)
	_, err := s.run(t, "migrate")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

type oneDescriptor struct{ d *pluginpkg.Descriptor }

func (f oneDescriptor) Find(context.Context, string) (*pluginpkg.Descriptor, error) { return f.d, nil }

type refusingPlugin struct{ pluginpkg.Base }

func (refusingPlugin) Start(context.Context) error { return errors.New("refused") }

func TestReadiness(t *testing.T) {
	ctx := context.Background()
	catalog := pluginpkg.NewCatalog()
	require.NoError(t, catalog.Register("flaky", func(st *pluginpkg.SymbolTable) error {
		return st.Define(pluginpkg.CodeUnit{Name: "flaky.Plugin", New: func(pluginpkg.Context) (any, error) {
			return refusingPlugin{}, nil
		}})
	}))
	m := plugins.NewManager(
		plugins.WithDescriptorFinder(oneDescriptor{&pluginpkg.Descriptor{ID: "flaky", Version: "1.0.0", EntryPoint: "flaky.Plugin"}}),
		plugins.WithLoader(plugins.NewCatalogLoader(catalog)),
	)
	_, err := m.Load(ctx, "/plugins/flaky")
	require.NoError(t, err)
	m.Resolve(ctx)

	var started atomic.Bool
	ready := readiness(m, &started)
	assert.False(t, ready(), "not ready before the start pass")

	started.Store(true)
	assert.True(t, ready())

	m.StartAll(ctx)
	assert.False(t, ready(), "a failed plugin makes the host not ready")

	require.NoError(t, m.Unload(ctx, "flaky"))
	assert.True(t, ready())
}
