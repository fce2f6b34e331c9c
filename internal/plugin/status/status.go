// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package status records which plugins are enabled or disabled.
//
// Every store applies the same rules: an explicit block always disables a
// plugin, and a non-empty allow-list disables every plugin not on it.
package status

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps plugin status in memory. The zero value is ready to use.
type MemoryStore struct {
	mu       sync.RWMutex
	disabled []string
	enabled  []string
}

// NewMemoryStore creates a MemoryStore with an initial block list and
// allow-list. Either may be nil.
func NewMemoryStore(disabled, enabled []string) *MemoryStore {
	return &MemoryStore{
		disabled: normalize(disabled),
		enabled:  normalize(enabled),
	}
}

// IsDisabled reports whether pluginID is blocked or left off the allow-list.
func (s *MemoryStore) IsDisabled(_ context.Context, pluginID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isDisabled(s.disabled, s.enabled, pluginID), nil
}

// Enable unblocks pluginID and adds it to the allow-list when one is active.
func (s *MemoryStore) Enable(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled, s.enabled = enable(s.disabled, s.enabled, pluginID)
	return nil
}

// Disable blocks pluginID and removes it from the allow-list.
func (s *MemoryStore) Disable(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled, s.enabled = disable(s.disabled, s.enabled, pluginID)
	return nil
}

// Disabled returns the block list.
func (s *MemoryStore) Disabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.disabled)
}

// Enabled returns the allow-list.
func (s *MemoryStore) Enabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.enabled)
}

func isDisabled(disabled, enabled []string, id string) bool {
	if slices.Contains(disabled, id) {
		return true
	}
	return len(enabled) > 0 && !slices.Contains(enabled, id)
}

func enable(disabled, enabled []string, id string) ([]string, []string) {
	disabled = remove(disabled, id)
	if len(enabled) > 0 && !slices.Contains(enabled, id) {
		enabled = append(enabled, id)
	}
	return disabled, enabled
}

func disable(disabled, enabled []string, id string) ([]string, []string) {
	if !slices.Contains(disabled, id) {
		disabled = append(disabled, id)
	}
	return disabled, remove(enabled, id)
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(v string) bool { return v == id })
}

// normalize drops blanks and duplicates, keeping first-seen order.
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
