// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors returned by the Manager, always wrapped in an oops error
// carrying the matching code and the plugin id.
var (
	ErrAlreadyLoaded         = errors.New("plugin already loaded")
	ErrNotFound              = errors.New("plugin not found")
	ErrNotResolved           = errors.New("plugin not resolved")
	ErrDisabled              = errors.New("plugin disabled")
	ErrStarted               = errors.New("plugin started")
	ErrHasDependents         = errors.New("plugin has loaded dependents")
	ErrPlatformMismatch      = errors.New("plugin requires a different system version")
	ErrDependencyMissing     = errors.New("dependency missing")
	ErrDependencyVersion     = errors.New("dependency version mismatch")
	ErrDependencyCyclic      = errors.New("dependency cycle")
	ErrDependencyNotStarted  = errors.New("dependency not started")
	ErrDependencyNotResolved = errors.New("dependency not resolved")
	ErrHookFailed            = errors.New("lifecycle hook failed")
	ErrEntryPointInvalid     = errors.New("entry point invalid")
)

// Error codes attached to Manager errors.
const (
	CodeDescriptorInvalid     = "DESCRIPTOR_INVALID"
	CodeDescriptorNotFound    = "DESCRIPTOR_NOT_FOUND"
	CodeAlreadyLoaded         = "PLUGIN_ALREADY_LOADED"
	CodeNotFound              = "PLUGIN_NOT_FOUND"
	CodeNotResolved           = "PLUGIN_NOT_RESOLVED"
	CodeDisabled              = "PLUGIN_DISABLED"
	CodeStarted               = "PLUGIN_STARTED"
	CodeHasDependents         = "PLUGIN_HAS_DEPENDENTS"
	CodePlatformMismatch      = "PLATFORM_VERSION_MISMATCH"
	CodeDependencyMissing     = "DEPENDENCY_MISSING"
	CodeDependencyVersion     = "DEPENDENCY_VERSION_MISMATCH"
	CodeDependencyCyclic      = "DEPENDENCY_CYCLIC"
	CodeDependencyNotStarted  = "DEPENDENCY_NOT_STARTED"
	CodeDependencyNotResolved = "DEPENDENCY_NOT_RESOLVED"
	CodeHookFailed            = "LIFECYCLE_HOOK_FAILED"
	CodeEntryPointInvalid     = "ENTRY_POINT_INVALID"
)

// withCause attaches cause to sentinel. An oops cause is flattened into the
// message so its code does not take precedence over the lifecycle code.
func withCause(sentinel, cause error) error {
	if _, ok := oops.AsOops(cause); ok {
		return fmt.Errorf("%w: %s", sentinel, cause.Error())
	}
	return errors.Join(sentinel, cause)
}
