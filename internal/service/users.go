package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account. The raw password is hashed and dropped; only
// the digest is stored. A duplicate email is a conflict whether it is caught
// by the lookup or by the storage uniqueness constraint.
func (s *Service) Register(ctx context.Context, request models.RegisterRequest) (models.PublicUser, error) {
	request.Email = normalizeEmail(request.Email)
	request.Name = strings.TrimSpace(request.Name)
	if err := s.validateRequest(&request); err != nil {
		return models.PublicUser{}, err
	}

	_, err := s.db.GetUserByEmail(ctx, request.Email)
	if err == nil {
		return models.PublicUser{}, apperrors.Conflict(UserExistsMessage, storage.ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.PublicUser{}, internalf("users.go/Register", "s.db.GetUserByEmail()", err)
	}

	digest, err := s.hasher.Hash(request.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return models.PublicUser{}, apperrors.Validation(
				ValidationFailedMessage,
				apperrors.FieldError{Field: "password", Message: "password must be at most 72 bytes"},
			)
		}
		return models.PublicUser{}, internalf("users.go/Register", "s.hasher.Hash()", err)
	}

	usr := &user.User{
		ID:           uuid.NewString(),
		Email:        request.Email,
		PasswordHash: digest,
		Name:         request.Name,
	}
	err = s.db.CreateUser(ctx, usr)
	if err != nil {
		if errors.Is(err, storage.ErrEmailTaken) {
			return models.PublicUser{}, apperrors.Conflict(UserExistsMessage, err)
		}
		return models.PublicUser{}, internalf("users.go/Register", "s.db.CreateUser()", err)
	}

	return usr.Public(), nil
}

// Login checks credentials. An unknown email and a wrong password produce
// the same error and cost the same bcrypt work.
func (s *Service) Login(ctx context.Context, request models.LoginRequest) (models.PublicUser, error) {
	request.Email = normalizeEmail(request.Email)
	if err := s.validateRequest(&request); err != nil {
		return models.PublicUser{}, err
	}

	usr, err := s.db.GetUserByEmail(ctx, request.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.CompareDummy(request.Password)
			return models.PublicUser{}, apperrors.Auth(InvalidCredentialsMessage, nil)
		}
		return models.PublicUser{}, internalf("users.go/Login", "s.db.GetUserByEmail()", err)
	}

	err = s.hasher.Compare(usr.PasswordHash, request.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return models.PublicUser{}, apperrors.Auth(InvalidCredentialsMessage, nil)
		}
		return models.PublicUser{}, internalf("users.go/Login", "s.hasher.Compare()", err)
	}

	return usr.Public(), nil
}

func (s *Service) loadUser(ctx context.Context, operation, userID string) (*user.User, error) {
	usr, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(UserNotFoundMessage)
		}
		return nil, internalf(operation, "s.db.GetUserByID()", err)
	}

	return usr, nil
}

// SessionUser resolves the identity behind a verified session.
func (s *Service) SessionUser(ctx context.Context, userID string) (models.PublicUser, error) {
	usr, err := s.loadUser(ctx, "users.go/SessionUser", userID)
	if err != nil {
		return models.PublicUser{}, err
	}

	return usr.Public(), nil
}

// GetCurrentUser returns the profile of the session user.
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (models.UserProfile, error) {
	usr, err := s.loadUser(ctx, "users.go/GetCurrentUser", userID)
	if err != nil {
		return models.UserProfile{}, err
	}

	return usr.Profile(), nil
}

// UpdateCurrentUser changes the profile fields of the session user only.
func (s *Service) UpdateCurrentUser(
	ctx context.Context,
	userID string,
	request models.UpdateUserRequest,
) (models.UserProfile, error) {
	request.Name = strings.TrimSpace(request.Name)
	request.AddressLine1 = strings.TrimSpace(request.AddressLine1)
	request.City = strings.TrimSpace(request.City)
	request.Country = strings.TrimSpace(request.Country)
	if err := s.validateRequest(&request); err != nil {
		return models.UserProfile{}, err
	}

	usr, err := s.loadUser(ctx, "users.go/UpdateCurrentUser", userID)
	if err != nil {
		return models.UserProfile{}, err
	}

	usr.Name = request.Name
	usr.AddressLine1 = request.AddressLine1
	usr.City = request.City
	usr.Country = request.Country

	err = s.db.UpdateUser(ctx, usr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.UserProfile{}, apperrors.NotFound(UserNotFoundMessage)
		}
		return models.UserProfile{}, internalf("users.go/UpdateCurrentUser", "s.db.UpdateUser()", err)
	}

	return usr.Profile(), nil
}
