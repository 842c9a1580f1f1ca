// Package service holds the business rules of the application: accounts,
// credential checks, profiles and restaurants. Every error it returns is an
// *apperrors.Error, ready to be mapped by a transport.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

// Public messages.
const (
	InvalidCredentialsMessage = "Invalid credentials"
	UserExistsMessage         = "User already exists"
	UserNotFoundMessage       = "User not found"
	RestaurantExistsMessage   = "User restaurant already exists"
	RestaurantNotFoundMessage = "Restaurant not found"
	ValidationFailedMessage   = "Validation failed"
)

type userStore interface {
	CreateUser(ctx context.Context, usr *user.User) error
	GetUserByID(ctx context.Context, userID string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	UpdateUser(ctx context.Context, usr *user.User) error
}

type restaurantStore interface {
	CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error
	GetRestaurantByID(ctx context.Context, restaurantID string) (*models.Restaurant, error)
	GetRestaurantByUserID(ctx context.Context, userID string) (*models.Restaurant, error)
	UpdateRestaurant(ctx context.Context, restaurant *models.Restaurant) error
	SearchRestaurants(ctx context.Context, city string, query models.SearchQuery) ([]models.Restaurant, int, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type appStore interface {
	userStore
	restaurantStore
	pinger
}

type passwordHasher interface {
	Hash(raw string) (string, error)
	Compare(digest, raw string) error
	CompareDummy(raw string)
}

type imageHost interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
	KeyFromURL(imageURL string) (string, bool)
}

type imageSweeper interface {
	Enqueue(keys ...string) error
}

// Service implements the application operations on top of a storage backend.
type Service struct {
	db       appStore
	hasher   passwordHasher
	images   imageHost
	sweeper  imageSweeper
	validate *validator.Validate
	now      func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock replaces the wall clock used for lastUpdated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(
	db appStore,
	hasher passwordHasher,
	images imageHost,
	sweeper imageSweeper,
	options ...Option,
) *Service {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Service{
		db:       db,
		hasher:   hasher,
		images:   images,
		sweeper:  sweeper,
		validate: validate,
		now:      time.Now,
	}
	for _, option := range options {
		option(s)
	}

	return s
}

// Ping checks that the storage is reachable.
func (s *Service) Ping(ctx context.Context) error {
	err := s.db.Ping(ctx)
	if err != nil {
		return apperrors.Internal(fmt.Errorf("in internal/service/service.go/Ping(): error while `s.db.Ping()` calling: %w", err))
	}

	return nil
}

func (s *Service) validateRequest(request interface{}) error {
	err := s.validate.Struct(request)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apperrors.Internal(fmt.Errorf("in internal/service/service.go/validateRequest(): error while `s.validate.Struct()` calling: %w", err))
	}

	fields := make([]apperrors.FieldError, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		fields = append(fields, apperrors.FieldError{
			Field:   fieldPath(fieldError),
			Message: fieldMessage(fieldError),
		})
	}

	return apperrors.Validation(ValidationFailedMessage, fields...)
}

func fieldPath(fieldError validator.FieldError) string {
	namespace := fieldError.Namespace()
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}

	return namespace
}

func fieldMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()
	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "min":
		if fieldError.Kind() == reflect.Slice {
			return field + " must contain at least " + fieldError.Param() + " item(s)"
		}
		if fieldError.Kind() == reflect.String {
			return field + " must be at least " + fieldError.Param() + " characters"
		}
		return field + " must be at least " + fieldError.Param()
	case "gte":
		return field + " must be a positive number"
	default:
		return field + " is invalid"
	}
}

func internalf(operation, call string, err error) error {
	return apperrors.Internal(fmt.Errorf("in internal/service/%s(): error while `%s` calling: %w", operation, call, err))
}
