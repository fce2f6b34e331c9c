// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package goplugin loads packages whose code runs in a separate process,
// using HashiCorp's go-plugin system over gRPC.
package goplugin

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/samber/oops"

	plugins "github.com/keystone-run/keystone/internal/plugin"
	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
	"github.com/keystone-run/keystone/pkg/pluginsdk"
)

// ErrIdentityMismatch is returned when a plugin process reports an id or
// version other than its descriptor's.
var ErrIdentityMismatch = errors.New("plugin identity mismatch")

// Compile-time interface checks.
var (
	_ plugins.Loader   = (*Loader)(nil)
	_ plugins.Selector = (*Loader)(nil)
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable path.
	NewClient(execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct{}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string) PluginClient {
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          pluginsdk.PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a validated descriptor inside a configured plugin dir
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
	})
}

// Loader starts a package's executable and exposes its entry point as a
// Plugin whose lifecycle hooks run over RPC.
type Loader struct {
	factory ClientFactory
	logger  *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithClientFactory replaces the go-plugin client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(l *Loader) { l.factory = f }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader creates a loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	if l.factory == nil {
		l.factory = &DefaultClientFactory{}
	}
	return l
}

// Applies reports whether the package ships an executable.
func (l *Loader) Applies(descriptor *pluginpkg.Descriptor, _ string) bool {
	return descriptor.Executable != ""
}

// ExecutablePath returns the executable of the package at location.
func ExecutablePath(descriptor *pluginpkg.Descriptor, location string) string {
	if filepath.IsAbs(descriptor.Executable) {
		return descriptor.Executable
	}
	return filepath.Join(location, descriptor.Executable)
}

// Load starts the package process and checks that it is the package the
// descriptor names. The process is killed on any failure.
func (l *Loader) Load(ctx context.Context, descriptor *pluginpkg.Descriptor, location string) (plugins.Bundle, error) {
	id := descriptor.ID
	execPath := ExecutablePath(descriptor, location)
	if _, err := os.Stat(execPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = errors.Join(pluginpkg.ErrCodeNotFound, err)
			return plugins.Bundle{}, oops.Code("PLUGIN_CODE_NOT_FOUND").
				With("plugin", id).
				With("executable", execPath).
				Wrap(err)
		}
		return plugins.Bundle{}, oops.Code("PLUGIN_LOAD_FAILED").
			With("plugin", id).
			With("executable", execPath).
			Wrapf(err, "cannot access plugin executable")
	}

	client := l.factory.NewClient(execPath)
	remote, err := l.connect(ctx, client, descriptor)
	if err != nil {
		client.Kill()
		return plugins.Bundle{}, oops.With("plugin", id).With("executable", execPath).Wrap(err)
	}

	symbols := pluginpkg.NewSymbolTable(id)
	err = symbols.Define(pluginpkg.CodeUnit{
		Name: descriptor.EntryPoint,
		New: func(pluginpkg.Context) (any, error) {
			return remote, nil
		},
	})
	if err != nil {
		client.Kill()
		return plugins.Bundle{}, oops.With("plugin", id).Wrap(err)
	}

	l.logger.Debug("plugin process started", "plugin", id, "executable", execPath)
	return plugins.Bundle{
		Symbols:    symbols,
		Extensions: symbols,
		Release: func() {
			client.Kill()
			l.logger.Debug("plugin process stopped", "plugin", id)
		},
	}, nil
}

func (l *Loader) connect(ctx context.Context, client PluginClient, descriptor *pluginpkg.Descriptor) (pluginsdk.Remote, error) {
	rpcClient, err := client.Client()
	if err != nil {
		return nil, oops.Code("PLUGIN_LOAD_FAILED").Wrapf(err, "connect")
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		return nil, oops.Code("PLUGIN_LOAD_FAILED").Wrapf(err, "dispense")
	}

	remote, ok := raw.(pluginsdk.Remote)
	if !ok {
		return nil, oops.Code("PLUGIN_LOAD_FAILED").Errorf("dispensed %T is not a keystone package", raw)
	}

	identity, err := remote.Describe(ctx)
	if err != nil {
		return nil, oops.Code("PLUGIN_LOAD_FAILED").Wrapf(err, "describe")
	}
	if identity.ID != descriptor.ID || identity.Version != descriptor.Version {
		return nil, oops.Code("PLUGIN_IDENTITY_MISMATCH").
			With("reported_id", identity.ID).
			With("reported_version", identity.Version).
			Wrapf(ErrIdentityMismatch, "process reports %s@%s, descriptor declares %s@%s",
				identity.ID, identity.Version, descriptor.ID, descriptor.Version)
	}
	return remote, nil
}
