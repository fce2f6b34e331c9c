// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package status

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/atomicwriter"
	"github.com/samber/oops"

	"github.com/keystone-run/keystone/internal/observability"
	"github.com/keystone-run/keystone/pkg/errutil"
)

// File names inside the plugins root.
const (
	DisabledFile = "disabled.txt"
	EnabledFile  = "enabled.txt"
)

// FileStore keeps plugin status in two line-oriented files next to the
// plugins: disabled.txt is the block list and enabled.txt the allow-list.
// Lines starting with # and blank lines are ignored.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	disabled []string
	enabled  []string
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(logger *slog.Logger) FileOption {
	return func(s *FileStore) { s.logger = logger }
}

// NewFileStore reads the status files in dir. Missing files are treated
// as empty.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory holding the status files.
func (s *FileStore) Dir() string {
	return s.dir
}

// Reload re-reads both files from disk.
func (s *FileStore) Reload() error {
	disabled, err := readLines(filepath.Join(s.dir, DisabledFile))
	if err != nil {
		return err
	}
	enabled, err := readLines(filepath.Join(s.dir, EnabledFile))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.disabled, s.enabled = disabled, enabled
	s.mu.Unlock()

	s.logger.Debug("plugin status loaded",
		"dir", s.dir,
		"disabled", disabled,
		"enabled", enabled)
	return nil
}

// IsDisabled reports whether pluginID is blocked or left off the allow-list.
func (s *FileStore) IsDisabled(_ context.Context, pluginID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isDisabled(s.disabled, s.enabled, pluginID), nil
}

// Enable unblocks pluginID and adds it to the allow-list when one is active.
func (s *FileStore) Enable(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	disabled, enabled := enable(slices.Clone(s.disabled), slices.Clone(s.enabled), pluginID)
	return s.persist("enable", disabled, enabled)
}

// Disable blocks pluginID and removes it from the allow-list.
func (s *FileStore) Disable(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	disabled, enabled := disable(slices.Clone(s.disabled), slices.Clone(s.enabled), pluginID)
	return s.persist("disable", disabled, enabled)
}

// persist writes both lists and adopts them only when both writes succeed.
// Callers hold s.mu.
func (s *FileStore) persist(op string, disabled, enabled []string) error {
	if err := writeLines(filepath.Join(s.dir, DisabledFile), disabled); err != nil {
		observability.RecordStatusStoreError(op)
		return oops.With("operation", op).Wrap(err)
	}
	if err := writeLines(filepath.Join(s.dir, EnabledFile), enabled); err != nil {
		observability.RecordStatusStoreError(op)
		return oops.With("operation", op).Wrap(err)
	}
	s.disabled, s.enabled = disabled, enabled
	return nil
}

// Watch reloads the store whenever either status file changes on disk,
// until ctx is cancelled. It returns once the watcher is running.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.Code("STATUS_WATCH_FAILED").Wrap(err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return oops.Code("STATUS_WATCH_FAILED").With("dir", s.dir).Wrap(err)
	}

	go func() {
		defer watcher.Close() //nolint:errcheck // nothing to report on shutdown
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(event.Name)
				if name != DisabledFile && name != EnabledFile {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					errutil.LogError(s.logger, "plugin status reload failed", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("plugin status watcher error", "error", err)
			}
		}
	}()
	return nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is the configured plugins root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("STATUS_READ_FAILED").With("path", path).Wrap(err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, oops.Code("STATUS_READ_FAILED").With("path", path).Wrap(err)
	}
	return normalize(lines), nil
}

func writeLines(path string, lines []string) error {
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := atomicwriter.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return oops.Code("STATUS_WRITE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
