// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package status_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-run/keystone/internal/plugin/status"
	"github.com/keystone-run/keystone/pkg/errutil"
)

type store interface {
	IsDisabled(ctx context.Context, pluginID string) (bool, error)
	Enable(ctx context.Context, pluginID string) error
	Disable(ctx context.Context, pluginID string) error
}

func assertDisabled(t *testing.T, s store, id string, want bool) {
	t.Helper()
	got, err := s.IsDisabled(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, want, got, "IsDisabled(%q)", id)
}

func TestMemoryStore_ZeroValue(t *testing.T) {
	var s status.MemoryStore
	assertDisabled(t, &s, "greeter", false)

	require.NoError(t, s.Disable(context.Background(), "greeter"))
	assertDisabled(t, &s, "greeter", true)

	require.NoError(t, s.Enable(context.Background(), "greeter"))
	assertDisabled(t, &s, "greeter", false)
	assert.Empty(t, s.Disabled())
}

func TestMemoryStore_AllowList(t *testing.T) {
	ctx := context.Background()
	s := status.NewMemoryStore(nil, []string{"greeter", "greeter", ""})
	assert.Equal(t, []string{"greeter"}, s.Enabled())

	assertDisabled(t, s, "greeter", false)
	assertDisabled(t, s, "welcome", true)

	require.NoError(t, s.Enable(ctx, "welcome"))
	assertDisabled(t, s, "welcome", false)
	assert.Equal(t, []string{"greeter", "welcome"}, s.Enabled())

	require.NoError(t, s.Disable(ctx, "welcome"))
	assertDisabled(t, s, "welcome", true)
	assert.Equal(t, []string{"greeter"}, s.Enabled())
	assert.Equal(t, []string{"welcome"}, s.Disabled())
}

func TestMemoryStore_BlockBeatsAllowList(t *testing.T) {
	s := status.NewMemoryStore([]string{"greeter"}, []string{"greeter"})
	assertDisabled(t, s, "greeter", true)
}

func TestFileStore_MissingFilesMeanAllEnabled(t *testing.T) {
	s, err := status.NewFileStore(t.TempDir())
	require.NoError(t, err)
	assertDisabled(t, s, "anything", false)
}

func TestFileStore_ReadsCommentsAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, status.DisabledFile),
		[]byte("# blocked plugins\n\nwelcome\n  welcome  \nlegacy\n"), 0o600))

	s, err := status.NewFileStore(dir)
	require.NoError(t, err)
	assertDisabled(t, s, "welcome", true)
	assertDisabled(t, s, "legacy", true)
	assertDisabled(t, s, "greeter", false)
}

func TestFileStore_PersistsChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, status.EnabledFile), []byte("greeter\n"), 0o600))

	s, err := status.NewFileStore(dir)
	require.NoError(t, err)
	assertDisabled(t, s, "welcome", true)

	require.NoError(t, s.Enable(ctx, "welcome"))
	require.NoError(t, s.Disable(ctx, "greeter"))

	enabled, err := os.ReadFile(filepath.Join(dir, status.EnabledFile))
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(enabled))

	disabled, err := os.ReadFile(filepath.Join(dir, status.DisabledFile))
	require.NoError(t, err)
	assert.Equal(t, "greeter\n", string(disabled))

	reopened, err := status.NewFileStore(dir)
	require.NoError(t, err)
	assertDisabled(t, reopened, "welcome", false)
	assertDisabled(t, reopened, "greeter", true)
}

func TestFileStore_WriteFailureKeepsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.Mkdir(dir, 0o750))
	s, err := status.NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(dir))

	err = s.Disable(context.Background(), "greeter")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "STATUS_WRITE_FAILED")
	assertDisabled(t, s, "greeter", false)
}

func TestFileStore_UnreadableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, status.DisabledFile), 0o750))

	_, err := status.NewFileStore(dir)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "STATUS_READ_FAILED")
}

func TestFileStore_WatchReloadsExternalEdits(t *testing.T) {
	dir := t.TempDir()
	s, err := status.NewFileStore(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, status.DisabledFile), []byte("greeter\n"), 0o600))

	assert.Eventually(t, func() bool {
		disabled, err := s.IsDisabled(context.Background(), "greeter")
		return err == nil && disabled
	}, 2*time.Second, 10*time.Millisecond)
}
