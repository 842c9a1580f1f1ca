package grpcserver

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/logger"
	"github.com/patric-chuzhbe/merneats/internal/models"
)

type sessionUserService interface {
	SessionUser(ctx context.Context, userID string) (models.PublicUser, error)
}

// SessionHandler resolves the user behind an already verified token.
type SessionHandler struct {
	svc sessionUserService
}

func NewSessionHandler(svc sessionUserService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Validate answers with {userId, email, name} of the session user.
func (h *SessionHandler) Validate(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "Unauthorized")
	}

	publicUser, err := h.svc.SessionUser(ctx, userID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, status.Error(codes.NotFound, apperrors.PublicMessage(err))
		}
		logger.Log.Errorw("session user lookup failed", zap.Error(err))
		return nil, status.Error(codes.Internal, apperrors.InternalMessage)
	}

	return structpb.NewStruct(map[string]interface{}{
		"userId": publicUser.UserID,
		"email":  publicUser.Email,
		"name":   publicUser.Name,
	})
}
