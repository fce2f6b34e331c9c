// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keystone-run/keystone/pkg/errutil"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// Start starts one package, starting its Resolved or Stopped dependencies
// first. A dependency that is Failed, Disabled or not loaded blocks the
// start without changing any state.
func (m *Manager) Start(ctx context.Context, id string) (pluginpkg.State, error) {
	return m.start(ctx, id, make(map[string]bool))
}

func (m *Manager) start(ctx context.Context, id string, visiting map[string]bool) (pluginpkg.State, error) {
	w, err := m.lookup(id)
	if err != nil {
		return pluginpkg.StateUnloaded, err
	}

	switch st := w.State(); st {
	case pluginpkg.StateStarted:
		return st, nil
	case pluginpkg.StateDisabled:
		return st, oops.Code(CodeDisabled).With("plugin", id).Wrapf(ErrDisabled, "plugin %q is disabled", id)
	case pluginpkg.StateCreated:
		return st, oops.Code(CodeNotResolved).With("plugin", id).Wrapf(ErrNotResolved, "plugin %q is not resolved", id)
	}

	visiting[id] = true
	for _, dep := range w.descriptor.Dependencies {
		dw, ok := m.Plugin(dep.ID)
		if !ok {
			if dep.Optional {
				continue
			}
			return w.State(), oops.Code(CodeDependencyMissing).
				With("plugin", id).
				With("dependency", dep.ID).
				Wrapf(ErrDependencyMissing, "dependency %q is not loaded", dep.ID)
		}

		ds := dw.State()
		if ds == pluginpkg.StateStarted {
			continue
		}
		if (ds == pluginpkg.StateResolved || ds == pluginpkg.StateStopped) && !visiting[dep.ID] {
			_, err := m.start(ctx, dep.ID, visiting)
			if err != nil && !dep.Optional {
				return w.State(), oops.Code(CodeDependencyNotStarted).
					With("plugin", id).
					With("dependency", dep.ID).
					Wrap(withCause(ErrDependencyNotStarted, err))
			}
			continue
		}
		if dep.Optional {
			continue
		}
		return w.State(), oops.Code(CodeDependencyNotStarted).
			With("plugin", id).
			With("dependency", dep.ID).
			With("dependency_state", ds.String()).
			Wrapf(ErrDependencyNotStarted, "dependency %q is %s", dep.ID, ds)
	}

	return m.startWrapper(ctx, w)
}

// startWrapper instantiates the entry point if needed and runs the start
// hook. The hook runs without any manager lock held.
func (m *Manager) startWrapper(ctx context.Context, w *Wrapper) (pluginpkg.State, error) {
	id := w.ID()
	instance := w.Instance()
	if instance == nil {
		p, err := m.instantiate(w)
		if err != nil {
			m.metrics.RecordHookFailure(id, "instantiate")
			errutil.LogError(w.logger, "plugin instantiation failed", err)
			m.setState(ctx, w, pluginpkg.StateFailed, err)
			return pluginpkg.StateFailed, err
		}
		w.setInstance(p)
		instance = p
	}

	err := m.runHook(ctx, w, "start", instance.Start)
	if err != nil {
		// A failed start leaves the instance in an unknown state; the next
		// attempt builds a fresh one.
		w.setInstance(nil)
		m.setState(ctx, w, pluginpkg.StateFailed, err)
		return pluginpkg.StateFailed, err
	}

	m.setState(ctx, w, pluginpkg.StateStarted, nil)
	w.logger.Info("plugin started")
	return pluginpkg.StateStarted, nil
}

func (m *Manager) instantiate(w *Wrapper) (p pluginpkg.Plugin, err error) {
	id, entryPoint := w.ID(), w.descriptor.EntryPoint

	unit, ok := w.namespace.Resolve(entryPoint)
	if !ok || unit.New == nil {
		return nil, oops.Code(CodeEntryPointInvalid).
			With("plugin", id).
			With("entry_point", entryPoint).
			Wrapf(ErrEntryPointInvalid, "entry point %q has no constructor", entryPoint)
	}

	defer func() {
		if r := recover(); r != nil {
			err = oops.Code(CodeEntryPointInvalid).
				With("plugin", id).
				With("entry_point", entryPoint).
				Wrapf(ErrEntryPointInvalid, "entry point constructor panicked: %v", r)
		}
	}()

	obj, err := unit.New(pluginpkg.Context{
		Descriptor: w.descriptor,
		Logger:     w.logger,
		Symbols:    w.namespace,
	})
	if err != nil {
		return nil, oops.Code(CodeEntryPointInvalid).
			With("plugin", id).
			With("entry_point", entryPoint).
			Wrap(withCause(ErrEntryPointInvalid, err))
	}

	p, ok = obj.(pluginpkg.Plugin)
	if !ok {
		return nil, oops.Code(CodeEntryPointInvalid).
			With("plugin", id).
			With("entry_point", entryPoint).
			Wrapf(ErrEntryPointInvalid, "entry point built %T, which does not implement Plugin", obj)
	}
	return p, nil
}

// runHook runs a lifecycle hook inside a span, recovering panics. A failure
// is counted, logged and returned as LIFECYCLE_HOOK_FAILED.
func (m *Manager) runHook(ctx context.Context, w *Wrapper, hook string, fn func(context.Context) error) error {
	ctx, span := m.tracer.Start(ctx, "plugin."+hook,
		trace.WithAttributes(
			attribute.String("plugin.id", w.ID()),
			attribute.String("plugin.version", w.descriptor.Version),
		),
	)
	defer span.End()

	err := callHook(ctx, fn)
	if err == nil {
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.metrics.RecordHookFailure(w.ID(), hook)

	err = oops.Code(CodeHookFailed).
		With("plugin", w.ID()).
		With("hook", hook).
		Wrap(withCause(ErrHookFailed, err))
	errutil.LogError(w.logger, "plugin "+hook+" hook failed", err)
	return err
}

func callHook(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// StartAll starts every Resolved or Stopped package in dependency order.
// Failed packages are not retried. A package whose required dependency is
// not Started is reported as skipped and left as it is.
func (m *Manager) StartAll(ctx context.Context) []Outcome {
	wrappers := m.Plugins()
	result := m.resolver.Resolve(descriptorsOf(wrappers))
	if result.Cyclic {
		m.logger.Error("dependency cycle detected, no plugin started")
		return cyclicOutcomes(wrappers)
	}

	byID := indexByID(wrappers)
	var outcomes []Outcome
	for _, id := range result.SortedIDs {
		w := byID[id]
		st := w.State()
		if st != pluginpkg.StateResolved && st != pluginpkg.StateStopped {
			continue
		}

		if err := m.blockedBy(w, byID); err != nil {
			w.logger.Warn("plugin start skipped", "reason", err.Error())
			outcomes = append(outcomes, Outcome{
				PluginID: id,
				Location: w.location,
				State:    st,
				Skipped:  true,
				Err:      err,
			})
			continue
		}

		state, err := m.startWrapper(ctx, w)
		outcomes = append(outcomes, Outcome{PluginID: id, Location: w.location, State: state, Err: err})
	}
	return outcomes
}

// blockedBy returns why w cannot start now, or nil.
func (m *Manager) blockedBy(w *Wrapper, byID map[string]*Wrapper) error {
	for _, dep := range w.descriptor.Dependencies {
		if dep.Optional {
			continue
		}
		dw := byID[dep.ID]
		if dw == nil {
			return oops.Code(CodeDependencyMissing).
				With("plugin", w.ID()).
				With("dependency", dep.ID).
				Wrapf(ErrDependencyMissing, "dependency %q is not loaded", dep.ID)
		}
		if ds := dw.State(); ds != pluginpkg.StateStarted {
			return oops.Code(CodeDependencyNotStarted).
				With("plugin", w.ID()).
				With("dependency", dep.ID).
				With("dependency_state", ds.String()).
				Wrapf(ErrDependencyNotStarted, "dependency %q is %s", dep.ID, ds)
		}
	}
	return nil
}

// Stop stops one package after stopping every started package that
// depends on it. A package that is not Started is left as it is. The
// package reaches Stopped even when its stop hook fails; the hook error is
// returned.
func (m *Manager) Stop(ctx context.Context, id string) (pluginpkg.State, error) {
	w, err := m.lookup(id)
	if err != nil {
		return pluginpkg.StateUnloaded, err
	}
	if st := w.State(); st != pluginpkg.StateStarted {
		return st, nil
	}

	for _, dependent := range m.dependents(id, true) {
		if _, err := m.Stop(ctx, dependent); err != nil {
			errutil.LogWarn(w.logger.With("dependent", dependent), "dependent stopped with error", err)
		}
	}
	return m.stopWrapper(ctx, w)
}

func (m *Manager) stopWrapper(ctx context.Context, w *Wrapper) (pluginpkg.State, error) {
	var err error
	if instance := w.Instance(); instance != nil {
		err = m.runHook(ctx, w, "stop", instance.Stop)
	}
	m.setState(ctx, w, pluginpkg.StateStopped, err)
	w.logger.Info("plugin stopped")
	return pluginpkg.StateStopped, err
}

// StopAll stops every Started package, dependents first.
func (m *Manager) StopAll(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, id := range reversed(m.SortedIDs()) {
		w, ok := m.Plugin(id)
		if !ok || w.State() != pluginpkg.StateStarted {
			continue
		}
		state, err := m.stopWrapper(ctx, w)
		outcomes = append(outcomes, Outcome{PluginID: id, Location: w.location, State: state, Err: err})
	}
	return outcomes
}

// Unload stops the package if needed, releases its namespace and forgets
// it. It fails without changing anything if another loaded package
// declares a dependency on it.
func (m *Manager) Unload(ctx context.Context, id string) error {
	w, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := m.checkNoDependents(id); err != nil {
		return err
	}

	if w.State() == pluginpkg.StateStarted {
		// The hook error is already logged and the package still stops.
		_, _ = m.stopWrapper(ctx, w)
	}

	from := w.transition(pluginpkg.StateUnloaded, nil)
	m.mu.Lock()
	delete(m.wrappers, id)
	delete(m.locations, w.location)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	m.mu.Unlock()
	w.namespace.Release()
	w.release()

	m.emit(ctx, w, from, pluginpkg.StateUnloaded, nil)
	w.logger.Info("plugin unloaded")
	return nil
}

// UnloadAll unloads every package, dependents first.
func (m *Manager) UnloadAll(ctx context.Context) []Outcome {
	var outcomes []Outcome
	for _, id := range reversed(m.SortedIDs()) {
		w, ok := m.Plugin(id)
		if !ok {
			continue
		}
		err := m.Unload(ctx, id)
		state := pluginpkg.StateUnloaded
		if err != nil {
			state = w.State()
		}
		outcomes = append(outcomes, Outcome{PluginID: id, Location: w.location, State: state, Err: err})
	}
	return outcomes
}

// Delete stops the package, gives it a chance to clean up through
// pluginpkg.Deleter, unloads it and removes it from the repository. A
// failing Deleter hook aborts the delete and leaves the package loaded.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	w, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if err := m.checkNoDependents(id); err != nil {
		return false, err
	}

	if w.State() == pluginpkg.StateStarted {
		_, _ = m.stopWrapper(ctx, w)
	}

	instance := w.Instance()
	if instance == nil {
		if p, err := m.instantiate(w); err == nil {
			instance = p
		} else {
			w.logger.Debug("skipping delete hook, entry point unavailable", "error", err)
		}
	}
	if deleter, ok := instance.(pluginpkg.Deleter); ok {
		if err := m.runHook(ctx, w, "delete", deleter.Delete); err != nil {
			return false, err
		}
	}

	location := w.location
	if err := m.Unload(ctx, id); err != nil {
		return false, err
	}
	if m.repository == nil {
		return false, nil
	}

	deleted, err := m.repository.Delete(ctx, location)
	if err != nil {
		return false, oops.Code("PLUGIN_DELETE_FAILED").With("plugin", id).With("location", location).Wrap(err)
	}
	return deleted, nil
}

func (m *Manager) checkNoDependents(id string) error {
	dependents := m.dependents(id, false)
	if len(dependents) == 0 {
		return nil
	}
	return oops.Code(CodeHasDependents).
		With("plugin", id).
		With("dependents", dependents).
		Wrapf(ErrHasDependents, "plugin %q is required by %s", id, strings.Join(dependents, ", "))
}

// dependents returns the loaded packages declaring a dependency on id,
// optional ones included, in reverse dependency order.
func (m *Manager) dependents(id string, startedOnly bool) []string {
	var out []string
	for _, other := range reversed(m.SortedIDs()) {
		w, ok := m.Plugin(other)
		if !ok || other == id || !w.descriptor.DependsOn(id) {
			continue
		}
		if startedOnly && w.State() != pluginpkg.StateStarted {
			continue
		}
		out = append(out, other)
	}
	return out
}

// Enable clears the package's disabled status. A Disabled package moves
// back to Created and needs Resolve before it can start. Ids that are not
// loaded only have their status updated.
func (m *Manager) Enable(ctx context.Context, id string) error {
	w, loaded := m.Plugin(id)
	if loaded && w.State() == pluginpkg.StateDisabled {
		if err := m.checkPlatform(w.descriptor); err != nil {
			return err
		}
	}
	if err := m.status.Enable(ctx, id); err != nil {
		return oops.With("plugin", id).Wrap(err)
	}
	if loaded && w.State() == pluginpkg.StateDisabled {
		m.setState(ctx, w, pluginpkg.StateCreated, nil)
		w.logger.Info("plugin enabled")
	}
	return nil
}

// Disable marks the package disabled. Started packages must be stopped
// first. Ids that are not loaded only have their status updated.
func (m *Manager) Disable(ctx context.Context, id string) error {
	w, loaded := m.Plugin(id)
	if loaded && w.State() == pluginpkg.StateStarted {
		return oops.Code(CodeStarted).With("plugin", id).Wrapf(ErrStarted, "stop plugin %q before disabling it", id)
	}
	if err := m.status.Disable(ctx, id); err != nil {
		return oops.With("plugin", id).Wrap(err)
	}
	if loaded && w.State() != pluginpkg.StateDisabled {
		m.setState(ctx, w, pluginpkg.StateDisabled, nil)
		w.logger.Info("plugin disabled")
	}
	return nil
}

// Close stops and unloads every package.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, o := range m.StopAll(ctx) {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	for _, o := range m.UnloadAll(ctx) {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	if len(errs) > 0 {
		return oops.With("operation", "close").Wrap(errors.Join(errs...))
	}
	return nil
}
