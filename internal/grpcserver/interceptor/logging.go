// Package interceptor holds the unary server interceptors of the gRPC server.
package interceptor

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/patric-chuzhbe/merneats/internal/logger"
)

// UnaryLoggingInterceptor logs each listed unary call with its peer, duration
// and status code. Failed calls are logged at warn level.
func UnaryLoggingInterceptor(allowedMethods []string) grpc.UnaryServerInterceptor {
	allowed := make(map[string]struct{}, len(allowedMethods))
	for _, m := range allowedMethods {
		allowed[m] = struct{}{}
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		if _, ok := allowed[info.FullMethod]; !ok {
			return handler(ctx, req)
		}

		start := time.Now()

		resp, err = handler(ctx, req)

		st, _ := status.FromError(err)
		remote := ""
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		logFn := logger.Log.Infow
		if st.Code() != codes.OK {
			logFn = logger.Log.Warnw
		}
		logFn(
			"gRPC request",
			"method", info.FullMethod,
			"peer", remote,
			"duration", time.Since(start),
			"code", st.Code().String(),
		)

		return resp, err
	}
}
