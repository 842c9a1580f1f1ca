package models

import (
	"math"
	"time"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
)

const (
	StorageTypeUnknown = iota
	StorageTypePostgresql
	StorageTypeFile
	StorageTypeMemory
)

// RestaurantsPageSize is the number of restaurants returned per search page.
const RestaurantsPageSize = 10

// MaxSearchPage is the highest page number whose offset fits an int32.
const MaxSearchPage = math.MaxInt32 / RestaurantsPageSize

type PublicUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type UserProfile struct {
	ID           string `json:"_id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	AddressLine1 string `json:"addressLine1"`
	City         string `json:"city"`
	Country      string `json:"country"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type UpdateUserRequest struct {
	Name         string `json:"name" validate:"required"`
	AddressLine1 string `json:"addressLine1" validate:"required"`
	City         string `json:"city" validate:"required"`
	Country      string `json:"country" validate:"required"`
}

type MenuItem struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
}

type MenuItemRequest struct {
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name" validate:"required"`
	Price int64  `json:"price" validate:"gte=0"`
}

type RestaurantRequest struct {
	RestaurantName        string            `json:"restaurantName" validate:"required"`
	City                  string            `json:"city" validate:"required"`
	Country               string            `json:"country" validate:"required"`
	DeliveryPrice         int64             `json:"deliveryPrice" validate:"gte=0"`
	EstimatedDeliveryTime int               `json:"estimatedDeliveryTime" validate:"gte=0"`
	Cuisines              []string          `json:"cuisines" validate:"min=1,dive,required"`
	MenuItems             []MenuItemRequest `json:"menuItems" validate:"min=1,dive"`
}

// Restaurant is owned by exactly one user (UserID).
type Restaurant struct {
	ID                    string     `json:"_id"`
	UserID                string     `json:"user"`
	RestaurantName        string     `json:"restaurantName"`
	City                  string     `json:"city"`
	Country               string     `json:"country"`
	DeliveryPrice         int64      `json:"deliveryPrice"`
	EstimatedDeliveryTime int        `json:"estimatedDeliveryTime"`
	Cuisines              []string   `json:"cuisines"`
	MenuItems             []MenuItem `json:"menuItems"`
	ImageURL              string     `json:"imageUrl"`
	LastUpdated           time.Time  `json:"lastUpdated"`
}

// ImageUpload is an already sniffed image file taken from a multipart request.
type ImageUpload struct {
	Data        []byte
	ContentType string
	Extension   string
}

const (
	SortByLastUpdated           = "lastUpdated"
	SortByDeliveryPrice         = "deliveryPrice"
	SortByEstimatedDeliveryTime = "estimatedDeliveryTime"
)

type SearchQuery struct {
	SearchQuery      string
	SelectedCuisines []string
	SortOption       string
	Page             int
}

type Pagination struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

type SearchResponse struct {
	Data       []Restaurant `json:"data"`
	Pagination Pagination   `json:"pagination"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Message string                 `json:"message"`
	Errors  []apperrors.FieldError `json:"errors,omitempty"`
}
