// Package mockstorage provides a testify-based mock implementation
// of storage.Storage. It is used for unit testing HTTP handlers and the
// service layer by simulating storage behavior, failures in particular.
package mockstorage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

// StorageMock is a testify mock that implements storage.Storage.
type StorageMock struct {
	mock.Mock

	// OnSearchRestaurants is an optional function field that can be assigned
	// to define custom mock behavior for SearchRestaurants in tests.
	//
	// If set, SearchRestaurants will delegate to this function instead of
	// using testify's generic mock handler.
	OnSearchRestaurants func(ctx context.Context, city string, query models.SearchQuery) ([]models.Restaurant, int, error)
}

// Ping mocks the storage health check.
func (m *StorageMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks releasing the storage.
func (m *StorageMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

// CreateUser mocks storing a new user.
func (m *StorageMock) CreateUser(ctx context.Context, usr *user.User) error {
	args := m.Called(ctx, usr)
	return args.Error(0)
}

// GetUserByID mocks looking up a user by ID.
func (m *StorageMock) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	args := m.Called(ctx, userID)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

// GetUserByEmail mocks looking up a user by email.
func (m *StorageMock) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	args := m.Called(ctx, email)
	usr, _ := args.Get(0).(*user.User)
	return usr, args.Error(1)
}

// UpdateUser mocks saving profile changes.
func (m *StorageMock) UpdateUser(ctx context.Context, usr *user.User) error {
	args := m.Called(ctx, usr)
	return args.Error(0)
}

// CreateRestaurant mocks storing a new restaurant.
func (m *StorageMock) CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	args := m.Called(ctx, restaurant)
	return args.Error(0)
}

// GetRestaurantByID mocks looking up a restaurant by ID.
func (m *StorageMock) GetRestaurantByID(ctx context.Context, restaurantID string) (*models.Restaurant, error) {
	args := m.Called(ctx, restaurantID)
	restaurant, _ := args.Get(0).(*models.Restaurant)
	return restaurant, args.Error(1)
}

// GetRestaurantByUserID mocks looking up the restaurant of a user.
func (m *StorageMock) GetRestaurantByUserID(ctx context.Context, userID string) (*models.Restaurant, error) {
	args := m.Called(ctx, userID)
	restaurant, _ := args.Get(0).(*models.Restaurant)
	return restaurant, args.Error(1)
}

// UpdateRestaurant mocks saving restaurant changes.
func (m *StorageMock) UpdateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	args := m.Called(ctx, restaurant)
	return args.Error(0)
}

// SearchRestaurants returns the result of OnSearchRestaurants if set,
// otherwise falls back to testify's mock.
func (m *StorageMock) SearchRestaurants(
	ctx context.Context,
	city string,
	query models.SearchQuery,
) ([]models.Restaurant, int, error) {
	if m.OnSearchRestaurants != nil {
		return m.OnSearchRestaurants(ctx, city, query)
	}
	args := m.Called(ctx, city, query)
	restaurants, _ := args.Get(0).([]models.Restaurant)
	return restaurants, args.Int(1), args.Error(2)
}
