// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystone Contributors

package pluginsdk

import (
	"context"

	"github.com/samber/oops"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	pluginpkg "github.com/keystone-run/keystone/pkg/plugin"
)

const serviceName = "keystone.plugin.v1.Package"

// packageServer is the handler type of the Package service.
type packageServer interface {
	describe(ctx context.Context) (proto.Message, error)
	start(ctx context.Context) (proto.Message, error)
	stop(ctx context.Context) (proto.Message, error)
	remove(ctx context.Context) (proto.Message, error)
}

var packageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*packageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: unary("Describe", packageServer.describe)},
		{MethodName: "Start", Handler: unary("Start", packageServer.start)},
		{MethodName: "Stop", Handler: unary("Stop", packageServer.stop)},
		{MethodName: "Delete", Handler: unary("Delete", packageServer.remove)},
	},
	Streams: []grpc.StreamDesc{},
}

// unary adapts a handler taking an empty request to grpc.MethodHandler.
func unary(method string, call func(packageServer, context.Context) (proto.Message, error)) grpc.MethodHandler {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(packageServer) //nolint:forcetypeassert // guaranteed by HandlerType
		if interceptor == nil {
			return call(s, ctx)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, _ any) (any, error) {
			return call(s, ctx)
		})
	}
}

// Server serves one package's lifecycle hooks.
type Server struct {
	identity Identity
	plugin   pluginpkg.Plugin
}

// NewServer creates a server for p, reporting id and version.
func NewServer(id, version string, p pluginpkg.Plugin) *Server {
	return &Server{identity: Identity{ID: id, Version: version}, plugin: p}
}

func (s *Server) describe(context.Context) (proto.Message, error) {
	out, err := structpb.NewStruct(map[string]any{
		"id":      s.identity.ID,
		"version": s.identity.Version,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) start(ctx context.Context) (proto.Message, error) {
	return hookResult(s.plugin.Start(ctx))
}

func (s *Server) stop(ctx context.Context) (proto.Message, error) {
	return hookResult(s.plugin.Stop(ctx))
}

func (s *Server) remove(ctx context.Context) (proto.Message, error) {
	d, ok := s.plugin.(pluginpkg.Deleter)
	if !ok {
		return &emptypb.Empty{}, nil
	}
	return hookResult(d.Delete(ctx))
}

func hookResult(err error) (proto.Message, error) {
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return &emptypb.Empty{}, nil
}

// Client is a Remote over a gRPC connection to a plugin process.
type Client struct {
	conn grpc.ClientConnInterface
}

var _ Remote = (*Client)(nil)

// NewClient creates a client on conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Describe asks the plugin process for its identity.
func (c *Client) Describe(ctx context.Context) (Identity, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Describe", out); err != nil {
		return Identity{}, err
	}
	fields := out.GetFields()
	return Identity{
		ID:      fields["id"].GetStringValue(),
		Version: fields["version"].GetStringValue(),
	}, nil
}

// Start runs the remote start hook.
func (c *Client) Start(ctx context.Context) error {
	return c.invoke(ctx, "Start", new(emptypb.Empty))
}

// Stop runs the remote stop hook.
func (c *Client) Stop(ctx context.Context) error {
	return c.invoke(ctx, "Stop", new(emptypb.Empty))
}

// Delete runs the remote delete hook. Plugins without one succeed.
func (c *Client) Delete(ctx context.Context) error {
	return c.invoke(ctx, "Delete", new(emptypb.Empty))
}

func (c *Client) invoke(ctx context.Context, method string, out proto.Message) error {
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, &emptypb.Empty{}, out)
	if err == nil {
		return nil
	}
	st := status.Convert(err)
	return oops.Code("PLUGIN_RPC_FAILED").
		With("method", method).
		With("grpc_code", st.Code().String()).
		Errorf("%s", st.Message())
}
