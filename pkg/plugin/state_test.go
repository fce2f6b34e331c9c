// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import "testing"

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateCreated, "created"},
		{StateDisabled, "disabled"},
		{StateResolved, "resolved"},
		{StateStarted, "started"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{StateUnloaded, "unloaded"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	for _, s := range States() {
		got, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q) error = %v", s, err)
		}
		if got != s {
			t.Errorf("ParseState(%q) = %v, want %v", s, got, s)
		}
	}

	if got, err := ParseState(" Started "); err != nil || got != StateStarted {
		t.Errorf("ParseState(\" Started \") = %v, %v", got, err)
	}
	if _, err := ParseState("running"); err == nil {
		t.Error("ParseState(\"running\") expected error")
	}
}

func TestState_Predicates(t *testing.T) {
	startable := map[State]bool{StateResolved: true, StateStopped: true, StateFailed: true}
	resolved := map[State]bool{StateResolved: true, StateStarted: true, StateStopped: true}

	for _, s := range States() {
		if got := s.IsStartable(); got != startable[s] {
			t.Errorf("%v.IsStartable() = %v", s, got)
		}
		if got := s.IsResolved(); got != resolved[s] {
			t.Errorf("%v.IsResolved() = %v", s, got)
		}
		if got := s.IsStarted(); got != (s == StateStarted) {
			t.Errorf("%v.IsStarted() = %v", s, got)
		}
	}
}
