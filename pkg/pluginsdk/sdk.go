// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

// Package pluginsdk runs a keystone package in its own process.
//
// Out-of-process packages talk to the host over gRPC using the HashiCorp
// go-plugin framework. The host drives the package lifecycle through the
// Package service; everything else stays inside the plugin binary.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/keystone-run/keystone/pkg/plugin"
//		"github.com/keystone-run/keystone/pkg/pluginsdk"
//	)
//
//	type Audit struct{ plugin.Base }
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{
//			ID:      "audit",
//			Version: "1.0.0",
//			Plugin:  &Audit{},
//		})
//	}
package pluginsdk

import (
	"context"
	"errors"

	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

// PluginName is the name the host dispenses from a plugin process.
const PluginName = "package"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "KEYSTONE_PLUGIN",
	MagicCookieValue: "keystone-v1",
}

// PluginMap is the set of plugins the host can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	PluginName: &GRPCPlugin{},
}

// Identity is what a plugin process reports about itself.
type Identity struct {
	ID      string
	Version string
}

// Remote is the host's handle on a package running in another process.
type Remote interface {
	pluginpkg.Plugin
	pluginpkg.Deleter
	Describe(ctx context.Context) (Identity, error)
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// ID and Version must match the package descriptor.
	ID      string
	Version string
	// Plugin receives the lifecycle hooks. It may implement
	// plugin.Deleter. Required; Serve panics if nil.
	Plugin pluginpkg.Plugin
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("pluginsdk: config.Plugin cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			PluginName: &GRPCPlugin{Impl: NewServer(config.ID, config.Version, config.Plugin)},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
	})
}

// GRPCPlugin implements go-plugin's Plugin interface for gRPC.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	// Impl is used by the plugin side only.
	Impl *Server
}

// GRPCServer registers the package service (called by the plugin process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("pluginsdk: plugin implementation is nil")
	}
	s.RegisterService(&packageServiceDesc, p.Impl)
	return nil
}

// GRPCClient returns a Remote (called by the host process).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewClient(c), nil
}
