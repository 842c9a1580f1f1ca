// Package jsondb keeps users and restaurants in memory and persists them to a
// JSON file on Close.
package jsondb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/thoas/go-funk"

	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

// JSONDB is a mutex-guarded document store. With an empty file name it never
// touches the disk.
type JSONDB struct {
	fileName string
	mu       sync.RWMutex
	Cache    CacheStruct
}

// CacheStruct is the on-disk layout of the store.
type CacheStruct struct {
	Users             map[string]*user.User         `json:"users"`
	EmailsToUsersIDs  map[string]string             `json:"emailsToUsersIds"`
	Restaurants       map[string]*models.Restaurant `json:"restaurants"`
	UsersToRestaurant map[string]string             `json:"usersToRestaurant"`
}

// NewCache returns an empty cache with every map allocated.
func NewCache() CacheStruct {
	return CacheStruct{
		Users:             map[string]*user.User{},
		EmailsToUsersIDs:  map[string]string{},
		Restaurants:       map[string]*models.Restaurant{},
		UsersToRestaurant: map[string]string{},
	}
}

func (c *CacheStruct) ensureMaps() {
	if c.Users == nil {
		c.Users = map[string]*user.User{}
	}
	if c.EmailsToUsersIDs == nil {
		c.EmailsToUsersIDs = map[string]string{}
	}
	if c.Restaurants == nil {
		c.Restaurants = map[string]*models.Restaurant{}
	}
	if c.UsersToRestaurant == nil {
		c.UsersToRestaurant = map[string]string{}
	}
}

// New opens fileName, creating it when it does not exist yet.
func New(fileName string) (*JSONDB, error) {
	db := &JSONDB{
		fileName: fileName,
		Cache:    NewCache(),
	}
	if fileName == "" {
		return db, nil
	}

	err := parseJSONFile(fileName, &db.Cache)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("in internal/db/jsondb/jsondb.go/New(): error while `parseJSONFile()` calling: %w", err)
		}
		err = writeToJSONFile(fileName, db.Cache)
		if err != nil {
			return nil, fmt.Errorf("in internal/db/jsondb/jsondb.go/New(): error while `writeToJSONFile()` calling: %w", err)
		}
	}
	db.Cache.ensureMaps()

	return db, nil
}

func writeToJSONFile(fileName string, cache interface{}) error {
	jsonData, err := json.MarshalIndent(cache, "", "\t")
	if err != nil {
		return fmt.Errorf("error marshaling JSON: %w", err)
	}

	err = os.WriteFile(fileName, jsonData, 0600)
	if err != nil {
		return fmt.Errorf("error writing to file: %w", err)
	}

	return nil
}

func parseJSONFile(fileName string, cache *CacheStruct) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(cache)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(usr *user.User) *user.User {
	clone := *usr
	return &clone
}

func cloneRestaurant(restaurant *models.Restaurant) *models.Restaurant {
	clone := *restaurant
	clone.Cuisines = append([]string(nil), restaurant.Cuisines...)
	clone.MenuItems = append([]models.MenuItem(nil), restaurant.MenuItems...)
	return &clone
}

// Ping always succeeds.
func (db *JSONDB) Ping(ctx context.Context) error {
	return nil
}

// Close flushes the cache to the JSON file.
func (db *JSONDB) Close() error {
	if db.fileName == "" {
		return nil
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	return writeToJSONFile(db.fileName, db.Cache)
}

// CreateUser stores usr, refusing a second account for the same email.
func (db *JSONDB) CreateUser(ctx context.Context, usr *user.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	email := normalizeEmail(usr.Email)
	if _, taken := db.Cache.EmailsToUsersIDs[email]; taken {
		return storage.ErrEmailTaken
	}
	if _, exists := db.Cache.Users[usr.ID]; exists {
		return fmt.Errorf("in internal/db/jsondb/jsondb.go/CreateUser(): duplicate user id %q", usr.ID)
	}

	db.Cache.Users[usr.ID] = cloneUser(usr)
	db.Cache.EmailsToUsersIDs[email] = usr.ID

	return nil
}

// GetUserByID returns storage.ErrNotFound for an unknown id.
func (db *JSONDB) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	usr, found := db.Cache.Users[userID]
	if !found {
		return nil, storage.ErrNotFound
	}

	return cloneUser(usr), nil
}

// GetUserByEmail looks the email up case-insensitively.
func (db *JSONDB) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	userID, found := db.Cache.EmailsToUsersIDs[normalizeEmail(email)]
	if !found {
		return nil, storage.ErrNotFound
	}

	return cloneUser(db.Cache.Users[userID]), nil
}

// UpdateUser replaces the profile fields of an existing user.
func (db *JSONDB) UpdateUser(ctx context.Context, usr *user.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	existing, found := db.Cache.Users[usr.ID]
	if !found {
		return storage.ErrNotFound
	}
	existing.Name = usr.Name
	existing.AddressLine1 = usr.AddressLine1
	existing.City = usr.City
	existing.Country = usr.Country

	return nil
}

// CreateRestaurant stores restaurant, one per owner.
func (db *JSONDB) CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.Cache.UsersToRestaurant[restaurant.UserID]; exists {
		return storage.ErrRestaurantExists
	}

	db.Cache.Restaurants[restaurant.ID] = cloneRestaurant(restaurant)
	db.Cache.UsersToRestaurant[restaurant.UserID] = restaurant.ID

	return nil
}

// GetRestaurantByID returns storage.ErrNotFound for an unknown id.
func (db *JSONDB) GetRestaurantByID(ctx context.Context, restaurantID string) (*models.Restaurant, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	restaurant, found := db.Cache.Restaurants[restaurantID]
	if !found {
		return nil, storage.ErrNotFound
	}

	return cloneRestaurant(restaurant), nil
}

// GetRestaurantByUserID returns the restaurant owned by userID.
func (db *JSONDB) GetRestaurantByUserID(ctx context.Context, userID string) (*models.Restaurant, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	restaurantID, found := db.Cache.UsersToRestaurant[userID]
	if !found {
		return nil, storage.ErrNotFound
	}

	return cloneRestaurant(db.Cache.Restaurants[restaurantID]), nil
}

// UpdateRestaurant replaces a restaurant; both its id and its owner must match.
func (db *JSONDB) UpdateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	existing, found := db.Cache.Restaurants[restaurant.ID]
	if !found || existing.UserID != restaurant.UserID {
		return storage.ErrNotFound
	}
	db.Cache.Restaurants[restaurant.ID] = cloneRestaurant(restaurant)

	return nil
}

// SearchRestaurants returns one page of matches and the total match count.
func (db *JSONDB) SearchRestaurants(
	ctx context.Context,
	city string,
	query models.SearchQuery,
) ([]models.Restaurant, int, error) {
	db.mu.RLock()
	all := make([]*models.Restaurant, 0, len(db.Cache.Restaurants))
	for _, restaurant := range db.Cache.Restaurants {
		all = append(all, cloneRestaurant(restaurant))
	}
	db.mu.RUnlock()

	matches := funk.Filter(all, func(restaurant *models.Restaurant) bool {
		return Matches(restaurant, city, query)
	}).([]*models.Restaurant)

	SortRestaurants(matches, query.SortOption)

	total := len(matches)
	from, to := PageBounds(query.Page, total)
	page := make([]models.Restaurant, 0, to-from)
	for _, restaurant := range matches[from:to] {
		page = append(page, *restaurant)
	}

	return page, total, nil
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func anyContainsFold(values []string, needle string) bool {
	for _, value := range values {
		if containsFold(value, needle) {
			return true
		}
	}

	return false
}

// Matches applies the search filters: the city matches case-insensitively,
// every selected cuisine matches one of the restaurant cuisines and the free
// text matches the name or any cuisine.
func Matches(restaurant *models.Restaurant, city string, query models.SearchQuery) bool {
	if !containsFold(restaurant.City, city) {
		return false
	}
	for _, cuisine := range query.SelectedCuisines {
		if !anyContainsFold(restaurant.Cuisines, cuisine) {
			return false
		}
	}
	if query.SearchQuery != "" &&
		!containsFold(restaurant.RestaurantName, query.SearchQuery) &&
		!anyContainsFold(restaurant.Cuisines, query.SearchQuery) {
		return false
	}

	return true
}

// SortRestaurants orders ascending by sortOption, falling back to lastUpdated,
// with the id as tie breaker.
func SortRestaurants(restaurants []*models.Restaurant, sortOption string) {
	sort.SliceStable(restaurants, func(i, j int) bool {
		a, b := restaurants[i], restaurants[j]
		switch sortOption {
		case models.SortByDeliveryPrice:
			if a.DeliveryPrice != b.DeliveryPrice {
				return a.DeliveryPrice < b.DeliveryPrice
			}
		case models.SortByEstimatedDeliveryTime:
			if a.EstimatedDeliveryTime != b.EstimatedDeliveryTime {
				return a.EstimatedDeliveryTime < b.EstimatedDeliveryTime
			}
		default:
			if !a.LastUpdated.Equal(b.LastUpdated) {
				return a.LastUpdated.Before(b.LastUpdated)
			}
		}
		return a.ID < b.ID
	})
}

// PageBounds returns the slice bounds of a 1-based page over total items.
func PageBounds(page, total int) (int, int) {
	if page < 1 {
		page = 1
	}
	if page-1 > total/models.RestaurantsPageSize {
		return total, total
	}
	from := (page - 1) * models.RestaurantsPageSize
	if from > total {
		from = total
	}
	to := from + models.RestaurantsPageSize
	if to > total {
		to = total
	}

	return from, to
}
