// Package grpcserver exposes session validation to internal services over
// gRPC. The service is described by hand with well-known protobuf types, so no
// generated code is involved.
package grpcserver

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/grpcserver/interceptor"
	"github.com/patric-chuzhbe/merneats/internal/models"
)

const (
	ServiceName    = "merneats.session.v1.SessionService"
	ValidateMethod = "/" + ServiceName + "/Validate"
)

// SessionServiceServer is implemented by SessionHandler.
type SessionServiceServer interface {
	Validate(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

type tokenAuthenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*auth.Claims, error)
}

func validateHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	unaryInterceptor grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if unaryInterceptor == nil {
		return srv.(SessionServiceServer).Validate(ctx, in)
	}

	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ValidateMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServiceServer).Validate(ctx, req.(*emptypb.Empty))
	}

	return unaryInterceptor(ctx, in, info, handler)
}

// SessionServiceDesc describes merneats.session.v1.SessionService.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Validate",
			Handler:    validateHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "merneats/session/v1/session.proto",
}

// NewGRPCServer listens on addr and registers the session service behind the
// logging and authentication interceptors.
func NewGRPCServer(
	addr string,
	handler SessionServiceServer,
	authenticator tokenAuthenticator,
) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("in internal/grpcserver/server.go/NewGRPCServer(): error while `net.Listen()` calling: %w", err)
	}

	authInterceptor := interceptor.NewAuthInterceptor(authenticator)

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			interceptor.UnaryLoggingInterceptor([]string{
				ValidateMethod,
			}),
			authInterceptor.UnaryAuthInterceptor([]string{
				ValidateMethod,
			}),
		),
	)
	server.RegisterService(&SessionServiceDesc, handler)

	return server, lis, nil
}

// SessionClient calls SessionService.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

// Validate sends token in the authorization metadata and returns the user
// it belongs to.
func (c *SessionClient) Validate(ctx context.Context, token string, opts ...grpc.CallOption) (models.PublicUser, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, interceptor.AuthorizationKey, token)

	out := new(structpb.Struct)
	err := c.cc.Invoke(ctx, ValidateMethod, &emptypb.Empty{}, out, opts...)
	if err != nil {
		return models.PublicUser{}, err
	}

	fields := out.GetFields()

	return models.PublicUser{
		UserID: fields["userId"].GetStringValue(),
		Email:  fields["email"].GetStringValue(),
		Name:   fields["name"].GetStringValue(),
	}, nil
}
