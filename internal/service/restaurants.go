package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/logger"
	"github.com/patric-chuzhbe/merneats/internal/models"
)

const imageKeyPrefix = "restaurants/"

// NormalizeCuisines trims entries, drops empty ones and removes
// case-insensitive duplicates, keeping the first spelling.
func NormalizeCuisines(cuisines []string) []string {
	trimmed := funk.Map(cuisines, strings.TrimSpace).([]string)
	nonEmpty := funk.FilterString(trimmed, func(cuisine string) bool {
		return cuisine != ""
	})

	seen := map[string]bool{}
	result := make([]string, 0, len(nonEmpty))
	for _, cuisine := range nonEmpty {
		key := strings.ToLower(cuisine)
		if seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, cuisine)
	}

	return result
}

func normalizeRestaurantRequest(request *models.RestaurantRequest) {
	request.RestaurantName = strings.TrimSpace(request.RestaurantName)
	request.City = strings.TrimSpace(request.City)
	request.Country = strings.TrimSpace(request.Country)
	request.Cuisines = NormalizeCuisines(request.Cuisines)
	for i := range request.MenuItems {
		request.MenuItems[i].Name = strings.TrimSpace(request.MenuItems[i].Name)
	}
}

func menuItemsFromRequest(items []models.MenuItemRequest) []models.MenuItem {
	result := make([]models.MenuItem, 0, len(items))
	for _, item := range items {
		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		result = append(result, models.MenuItem{ID: id, Name: item.Name, Price: item.Price})
	}

	return result
}

func applyRestaurantRequest(restaurant *models.Restaurant, request models.RestaurantRequest) {
	restaurant.RestaurantName = request.RestaurantName
	restaurant.City = request.City
	restaurant.Country = request.Country
	restaurant.DeliveryPrice = request.DeliveryPrice
	restaurant.EstimatedDeliveryTime = request.EstimatedDeliveryTime
	restaurant.Cuisines = request.Cuisines
	restaurant.MenuItems = menuItemsFromRequest(request.MenuItems)
}

func (s *Service) uploadImage(ctx context.Context, image *models.ImageUpload) (string, error) {
	key := imageKeyPrefix + uuid.NewString() + image.Extension
	imageURL, err := s.images.Upload(ctx, key, image.ContentType, image.Data)
	if err != nil {
		return "", internalf("restaurants.go/uploadImage", "s.images.Upload()", err)
	}

	return imageURL, nil
}

func (s *Service) discardImage(imageURL string) {
	key, ok := s.images.KeyFromURL(imageURL)
	if !ok {
		return
	}
	err := s.sweeper.Enqueue(key)
	if err != nil {
		logger.Log.Errorw("image left on the host", "key", key, "error", err)
	}
}

// GetMyRestaurant returns the restaurant owned by userID.
func (s *Service) GetMyRestaurant(ctx context.Context, userID string) (*models.Restaurant, error) {
	restaurant, err := s.db.GetRestaurantByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(RestaurantNotFoundMessage)
		}
		return nil, internalf("restaurants.go/GetMyRestaurant", "s.db.GetRestaurantByUserID()", err)
	}

	return restaurant, nil
}

// CreateMyRestaurant creates the single restaurant of userID. The image is required.
func (s *Service) CreateMyRestaurant(
	ctx context.Context,
	userID string,
	request models.RestaurantRequest,
	image *models.ImageUpload,
) (*models.Restaurant, error) {
	normalizeRestaurantRequest(&request)
	if err := s.validateRequest(&request); err != nil {
		return nil, err
	}
	if image == nil {
		return nil, apperrors.Validation(
			ValidationFailedMessage,
			apperrors.FieldError{Field: "imageFile", Message: "imageFile is required"},
		)
	}

	_, err := s.db.GetRestaurantByUserID(ctx, userID)
	if err == nil {
		return nil, apperrors.Conflict(RestaurantExistsMessage, storage.ErrRestaurantExists)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, internalf("restaurants.go/CreateMyRestaurant", "s.db.GetRestaurantByUserID()", err)
	}

	imageURL, err := s.uploadImage(ctx, image)
	if err != nil {
		return nil, err
	}

	restaurant := &models.Restaurant{
		ID:          uuid.NewString(),
		UserID:      userID,
		ImageURL:    imageURL,
		LastUpdated: s.now().UTC(),
	}
	applyRestaurantRequest(restaurant, request)

	err = s.db.CreateRestaurant(ctx, restaurant)
	if err != nil {
		s.discardImage(imageURL)
		if errors.Is(err, storage.ErrRestaurantExists) {
			return nil, apperrors.Conflict(RestaurantExistsMessage, err)
		}
		return nil, internalf("restaurants.go/CreateMyRestaurant", "s.db.CreateRestaurant()", err)
	}

	return restaurant, nil
}

// UpdateMyRestaurant replaces the fields of the restaurant owned by userID.
// Ownership is established by loading the restaurant through userID, never
// through a client-supplied id. A new image replaces the old one, which is
// queued for deletion.
func (s *Service) UpdateMyRestaurant(
	ctx context.Context,
	userID string,
	request models.RestaurantRequest,
	image *models.ImageUpload,
) (*models.Restaurant, error) {
	normalizeRestaurantRequest(&request)
	if err := s.validateRequest(&request); err != nil {
		return nil, err
	}

	restaurant, err := s.GetMyRestaurant(ctx, userID)
	if err != nil {
		return nil, err
	}

	previousImageURL := restaurant.ImageURL
	if image != nil {
		restaurant.ImageURL, err = s.uploadImage(ctx, image)
		if err != nil {
			return nil, err
		}
	}
	applyRestaurantRequest(restaurant, request)
	restaurant.LastUpdated = s.now().UTC()

	err = s.db.UpdateRestaurant(ctx, restaurant)
	if err != nil {
		if image != nil {
			s.discardImage(restaurant.ImageURL)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(RestaurantNotFoundMessage)
		}
		return nil, internalf("restaurants.go/UpdateMyRestaurant", "s.db.UpdateRestaurant()", err)
	}

	if image != nil && previousImageURL != "" {
		s.discardImage(previousImageURL)
	}

	return restaurant, nil
}

// SearchRestaurants is the public restaurant search of a city.
func (s *Service) SearchRestaurants(
	ctx context.Context,
	city string,
	query models.SearchQuery,
) (models.SearchResponse, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return models.SearchResponse{}, apperrors.Validation(
			ValidationFailedMessage,
			apperrors.FieldError{Field: "city", Message: "city is required"},
		)
	}

	query.SearchQuery = strings.TrimSpace(query.SearchQuery)
	query.SelectedCuisines = NormalizeCuisines(query.SelectedCuisines)
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Page > models.MaxSearchPage {
		query.Page = models.MaxSearchPage
	}
	switch query.SortOption {
	case models.SortByLastUpdated, models.SortByDeliveryPrice, models.SortByEstimatedDeliveryTime:
	default:
		query.SortOption = models.SortByLastUpdated
	}

	restaurants, total, err := s.db.SearchRestaurants(ctx, city, query)
	if err != nil {
		return models.SearchResponse{}, internalf("restaurants.go/SearchRestaurants", "s.db.SearchRestaurants()", err)
	}
	if restaurants == nil {
		restaurants = []models.Restaurant{}
	}

	pages := (total + models.RestaurantsPageSize - 1) / models.RestaurantsPageSize
	if pages < 1 {
		pages = 1
	}

	return models.SearchResponse{
		Data: restaurants,
		Pagination: models.Pagination{
			Total: total,
			Page:  query.Page,
			Pages: pages,
		},
	}, nil
}

// GetRestaurant returns any restaurant by id.
func (s *Service) GetRestaurant(ctx context.Context, restaurantID string) (*models.Restaurant, error) {
	restaurant, err := s.db.GetRestaurantByID(ctx, restaurantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound(RestaurantNotFoundMessage)
		}
		return nil, internalf("restaurants.go/GetRestaurant", "s.db.GetRestaurantByID()", err)
	}

	return restaurant, nil
}
