package interceptor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/logger"
)

// AuthorizationKey is the metadata key carrying the session token.
const AuthorizationKey = "authorization"

type authenticator interface {
	Authenticate(ctx context.Context, tokenString string) (*auth.Claims, error)
}

type AuthInterceptor struct {
	auth authenticator
}

func NewAuthInterceptor(auth authenticator) *AuthInterceptor {
	return &AuthInterceptor{auth: auth}
}

// UnaryAuthInterceptor verifies the token from the authorization metadata and
// attaches the user ID to the context. Listed methods without a valid token
// fail with Unauthenticated.
func (a *AuthInterceptor) UnaryAuthInterceptor(allowedMethods []string) grpc.UnaryServerInterceptor {
	allowed := make(map[string]struct{}, len(allowedMethods))
	for _, m := range allowedMethods {
		allowed[m] = struct{}{}
	}

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if _, ok := allowed[info.FullMethod]; !ok {
			return handler(ctx, req)
		}

		tokenString := tokenFromMetadata(ctx)
		if tokenString == "" {
			return nil, status.Error(codes.Unauthenticated, "Unauthorized")
		}

		claims, err := a.auth.Authenticate(ctx, tokenString)
		if err != nil {
			logger.Log.Debugln("Error calling the `a.auth.Authenticate()`: ", zap.Error(err))
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
				return nil, status.Error(codes.Unauthenticated, "Unauthorized")
			}
			return nil, status.Error(codes.Internal, "Internal Server Error")
		}

		ctxWithUser := context.WithValue(ctx, auth.UserIDKey, claims.UserID)
		return handler(ctxWithUser, req)
	}
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	values := md.Get(AuthorizationKey)
	if len(values) == 0 {
		return ""
	}

	token := strings.TrimSpace(values[0])
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}

	return token
}
