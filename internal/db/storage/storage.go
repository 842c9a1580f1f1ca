// Package storage declares the persistence contract shared by every backend
// and the errors they report.
package storage

import (
	"context"
	"errors"

	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrEmailTaken is returned by CreateUser when the email is already registered.
	ErrEmailTaken = errors.New("email already registered")

	// ErrRestaurantExists is returned by CreateRestaurant when the owner already has one.
	ErrRestaurantExists = errors.New("user already owns a restaurant")
)

// Storage is implemented by the postgres, JSON file and in-memory backends.
// Emails are compared case-insensitively.
type Storage interface {
	CreateUser(ctx context.Context, usr *user.User) error
	GetUserByID(ctx context.Context, userID string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	UpdateUser(ctx context.Context, usr *user.User) error

	CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error
	GetRestaurantByID(ctx context.Context, restaurantID string) (*models.Restaurant, error)
	GetRestaurantByUserID(ctx context.Context, userID string) (*models.Restaurant, error)
	UpdateRestaurant(ctx context.Context, restaurant *models.Restaurant) error
	SearchRestaurants(ctx context.Context, city string, query models.SearchQuery) ([]models.Restaurant, int, error)

	Ping(ctx context.Context) error
	Close() error
}
