// Package broker implements the broker channel: a long-lived helper daemon
// that runs with elevated rights and serves file primitives over gRPC, and
// the client that adapts it to channel.Channel.
//
// The service is described by hand rather than generated. Requests and
// responses are protobuf well-known types, so both sides share nothing but
// the method names and struct field keys below.
package broker

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProtocolVersion is the version of the broker protocol implemented by this
// binary. Clients accept any broker with the same major version.
const ProtocolVersion = "2.0.0"

const compatibleVersions = ">= 2.0, < 3.0"

const (
	serviceName = "assetsync.broker.Broker"

	handshakeMethod  = "/" + serviceName + "/Handshake"
	permissionMethod = "/" + serviceName + "/RequestPermission"
	callMethod       = "/" + serviceName + "/Call"
	readMethod       = "/" + serviceName + "/Read"
	writeMethod      = "/" + serviceName + "/Write"

	// Metadata keys.
	clientKey = "assetsync-client"
	pathKey   = "assetsync-path"

	// Struct field keys.
	opField        = "op"
	pathField      = "path"
	srcField       = "src"
	dstField       = "dst"
	overwriteField = "overwrite"
	existsField    = "exists"
	sizeField      = "size"
	filesField     = "files"
	errorField     = "error"
	versionField   = "version"
	rootField      = "root"
	grantedField   = "granted"

	chunkSize = 32 * 1024
)

// Operations supported by Call.
const (
	opExists = "exists"
	opSize   = "size"
	opMkdir  = "mkdir"
	opDelete = "delete"
	opCopy   = "copy"
	opList   = "list"
)

// brokerServer is the interface that the service handlers dispatch to.
type brokerServer interface {
	Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestPermission(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Call(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(*wrapperspb.StringValue, grpc.ServerStream) error
	Write(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*brokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: unaryHandler(handshakeMethod, brokerServer.Handshake)},
		{MethodName: "RequestPermission", Handler: unaryHandler(permissionMethod, brokerServer.RequestPermission)},
		{MethodName: "Call", Handler: unaryHandler(callMethod, brokerServer.Call)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Read", Handler: readHandler, ServerStreams: true},
		{StreamName: "Write", Handler: writeHandler, ClientStreams: true},
	},
	Metadata: "broker",
}

var (
	readStreamDesc  = &serviceDesc.Streams[0]
	writeStreamDesc = &serviceDesc.Streams[1]
)

type unaryMethod func(brokerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// methodHandler matches grpc.MethodDesc.Handler.
type methodHandler = func(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error)

func unaryHandler(fullMethod string, method unaryMethod) methodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error,
		interceptor grpc.UnaryServerInterceptor) (interface{}, error) {

		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return method(srv.(brokerServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return method(srv.(brokerServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func readHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(brokerServer).Read(in, stream)
}

func writeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(brokerServer).Write(stream)
}
