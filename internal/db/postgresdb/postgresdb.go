// Package postgresdb provides a PostgreSQL-based implementation of the storage
// interface for users and restaurants. The schema is managed by goose
// migrations applied on start.
package postgresdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/user"
)

const (
	uniqueViolationCode = "23505"

	usersEmailIndex       = "users_email_lower_idx"
	restaurantsOwnerIndex = "restaurants_user_id_idx"
)

// openDB is swapped in tests.
var openDB = Open

// PostgresDB is a PostgreSQL-backed implementation of storage.Storage.
type PostgresDB struct {
	database          *sql.DB
	connectionTimeout time.Duration
}

type initOptions struct {
	DBPreReset bool
}

// InitOption defines a functional option for configuring database initialization.
type InitOption func(*initOptions)

// WithDBPreReset drops every table before migrations run. Tests only.
func WithDBPreReset(value bool) InitOption {
	return func(options *initOptions) {
		options.DBPreReset = value
	}
}

// New establishes a connection to the PostgreSQL database,
// runs schema migrations, and returns a configured PostgresDB instance.
func New(
	ctx context.Context,
	databaseDSN string,
	connectionTimeout time.Duration,
	migrationsDir string,
	optionsProto ...InitOption,
) (*PostgresDB, error) {
	options := &initOptions{
		DBPreReset: false,
	}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	database, err := openDB(databaseDSN)
	if err != nil {
		return nil, err
	}

	result := &PostgresDB{
		database:          database,
		connectionTimeout: connectionTimeout,
	}

	if options.DBPreReset {
		if err := result.resetDB(ctx); err != nil {
			return nil, errors.Join(
				fmt.Errorf(
					"in internal/db/postgresdb/postgresdb.go/New(): error while `result.resetDB()` calling: %w",
					err,
				),
				database.Close(),
			)
		}
	}

	if err := Migrate(ctx, result.database, migrationsDir, "up"); err != nil {
		return nil, errors.Join(
			fmt.Errorf(
				"in internal/db/postgresdb/postgresdb.go/New(): error while `Migrate()` calling: %w",
				err,
			),
			database.Close(),
		)
	}

	return result, nil
}

// Open returns a database/sql handle over the pgx driver.
func Open(databaseDSN string) (*sql.DB, error) {
	database, err := sql.Open("pgx", databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/Open(): error while `sql.Open()` calling: %w", err)
	}

	return database, nil
}

// Migrate runs a goose command ("up", "down", "status", ...) over migrationsDir.
func Migrate(ctx context.Context, database *sql.DB, migrationsDir, command string, args ...string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/Migrate(): error while `goose.SetDialect()` calling: %w",
			err,
		)
	}

	if err := goose.RunContext(ctx, command, database, migrationsDir, args...); err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/Migrate(): error while `goose.RunContext()` calling: %w",
			err,
		)
	}

	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == constraint
}

const userColumns = `id, email, password_hash, name, address_line1, city, country`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*user.User, error) {
	usr := &user.User{}
	err := row.Scan(&usr.ID, &usr.Email, &usr.PasswordHash, &usr.Name, &usr.AddressLine1, &usr.City, &usr.Country)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	return usr, nil
}

// CreateUser inserts usr; the unique index on lower(email) is the authority on duplicates.
func (db *PostgresDB) CreateUser(ctx context.Context, usr *user.User) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			INSERT INTO users (id, email, password_hash, name, address_line1, city, country)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
		usr.ID,
		strings.ToLower(strings.TrimSpace(usr.Email)),
		usr.PasswordHash,
		usr.Name,
		usr.AddressLine1,
		usr.City,
		usr.Country,
	)
	if err != nil {
		if isUniqueViolation(err, usersEmailIndex) {
			return storage.ErrEmailTaken
		}
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/CreateUser(): error while `db.database.ExecContext()` calling: %w",
			err,
		)
	}

	return nil
}

// GetUserByID returns storage.ErrNotFound for an unknown id.
func (db *PostgresDB) GetUserByID(ctx context.Context, userID string) (*user.User, error) {
	usr, err := scanUser(db.database.QueryRowContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		userID,
	))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/GetUserByID(): error while `scanUser()` calling: %w", err)
	}

	return usr, err
}

// GetUserByEmail looks the email up case-insensitively.
func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	usr, err := scanUser(db.database.QueryRowContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`,
		strings.TrimSpace(email),
	))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/GetUserByEmail(): error while `scanUser()` calling: %w", err)
	}

	return usr, err
}

// UpdateUser replaces the profile fields of an existing user.
func (db *PostgresDB) UpdateUser(ctx context.Context, usr *user.User) error {
	result, err := db.database.ExecContext(
		ctx,
		`
			UPDATE users
				SET name = $2, address_line1 = $3, city = $4, country = $5
				WHERE id = $1
		`,
		usr.ID,
		usr.Name,
		usr.AddressLine1,
		usr.City,
		usr.Country,
	)
	if err != nil {
		return fmt.Errorf("in internal/db/postgresdb/postgresdb.go/UpdateUser(): error while `db.database.ExecContext()` calling: %w", err)
	}

	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

const restaurantColumns = `id, user_id, restaurant_name, city, country, delivery_price,
	estimated_delivery_time, cuisines, menu_items, image_url, last_updated`

func scanRestaurant(row rowScanner) (*models.Restaurant, error) {
	var (
		restaurant models.Restaurant
		cuisines   []byte
		menuItems  []byte
	)
	err := row.Scan(
		&restaurant.ID,
		&restaurant.UserID,
		&restaurant.RestaurantName,
		&restaurant.City,
		&restaurant.Country,
		&restaurant.DeliveryPrice,
		&restaurant.EstimatedDeliveryTime,
		&cuisines,
		&menuItems,
		&restaurant.ImageURL,
		&restaurant.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(cuisines, &restaurant.Cuisines); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(menuItems, &restaurant.MenuItems); err != nil {
		return nil, err
	}
	restaurant.LastUpdated = restaurant.LastUpdated.UTC()

	return &restaurant, nil
}

func marshalRestaurantLists(restaurant *models.Restaurant) (string, string, error) {
	cuisines, err := json.Marshal(restaurant.Cuisines)
	if err != nil {
		return "", "", err
	}
	menuItems, err := json.Marshal(restaurant.MenuItems)
	if err != nil {
		return "", "", err
	}

	return string(cuisines), string(menuItems), nil
}

// CreateRestaurant inserts restaurant; a second restaurant of the same owner
// fails with storage.ErrRestaurantExists.
func (db *PostgresDB) CreateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	cuisines, menuItems, err := marshalRestaurantLists(restaurant)
	if err != nil {
		return fmt.Errorf("in internal/db/postgresdb/postgresdb.go/CreateRestaurant(): error while `marshalRestaurantLists()` calling: %w", err)
	}

	_, err = db.database.ExecContext(
		ctx,
		`
			INSERT INTO restaurants (`+restaurantColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11)
		`,
		restaurant.ID,
		restaurant.UserID,
		restaurant.RestaurantName,
		restaurant.City,
		restaurant.Country,
		restaurant.DeliveryPrice,
		restaurant.EstimatedDeliveryTime,
		cuisines,
		menuItems,
		restaurant.ImageURL,
		restaurant.LastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err, restaurantsOwnerIndex) {
			return storage.ErrRestaurantExists
		}
		return fmt.Errorf("in internal/db/postgresdb/postgresdb.go/CreateRestaurant(): error while `db.database.ExecContext()` calling: %w", err)
	}

	return nil
}

// GetRestaurantByID returns storage.ErrNotFound for an unknown id.
func (db *PostgresDB) GetRestaurantByID(ctx context.Context, restaurantID string) (*models.Restaurant, error) {
	restaurant, err := scanRestaurant(db.database.QueryRowContext(
		ctx,
		`SELECT `+restaurantColumns+` FROM restaurants WHERE id = $1`,
		restaurantID,
	))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/GetRestaurantByID(): error while `scanRestaurant()` calling: %w", err)
	}

	return restaurant, err
}

// GetRestaurantByUserID returns the restaurant owned by userID.
func (db *PostgresDB) GetRestaurantByUserID(ctx context.Context, userID string) (*models.Restaurant, error) {
	restaurant, err := scanRestaurant(db.database.QueryRowContext(
		ctx,
		`SELECT `+restaurantColumns+` FROM restaurants WHERE user_id = $1`,
		userID,
	))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/GetRestaurantByUserID(): error while `scanRestaurant()` calling: %w", err)
	}

	return restaurant, err
}

// UpdateRestaurant replaces a restaurant; both its id and its owner must match.
func (db *PostgresDB) UpdateRestaurant(ctx context.Context, restaurant *models.Restaurant) error {
	cuisines, menuItems, err := marshalRestaurantLists(restaurant)
	if err != nil {
		return fmt.Errorf("in internal/db/postgresdb/postgresdb.go/UpdateRestaurant(): error while `marshalRestaurantLists()` calling: %w", err)
	}

	result, err := db.database.ExecContext(
		ctx,
		`
			UPDATE restaurants
				SET restaurant_name = $3,
					city = $4,
					country = $5,
					delivery_price = $6,
					estimated_delivery_time = $7,
					cuisines = $8::jsonb,
					menu_items = $9::jsonb,
					image_url = $10,
					last_updated = $11
				WHERE id = $1 AND user_id = $2
		`,
		restaurant.ID,
		restaurant.UserID,
		restaurant.RestaurantName,
		restaurant.City,
		restaurant.Country,
		restaurant.DeliveryPrice,
		restaurant.EstimatedDeliveryTime,
		cuisines,
		menuItems,
		restaurant.ImageURL,
		restaurant.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("in internal/db/postgresdb/postgresdb.go/UpdateRestaurant(): error while `db.database.ExecContext()` calling: %w", err)
	}

	return expectOneRow(result)
}

var sortColumns = map[string]string{
	models.SortByLastUpdated:           "last_updated",
	models.SortByDeliveryPrice:         "delivery_price",
	models.SortByEstimatedDeliveryTime: "estimated_delivery_time",
}

func likePattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(value) + "%"
}

const searchFilter = `
	WHERE city ILIKE $1
		AND NOT EXISTS (
			SELECT 1 FROM unnest($2::text[]) AS selected(pattern)
				WHERE NOT EXISTS (
					SELECT 1 FROM jsonb_array_elements_text(cuisines) AS cuisine(name)
						WHERE cuisine.name ILIKE selected.pattern
				)
		)
		AND (
			$3::text = ''
			OR restaurant_name ILIKE $4
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(cuisines) AS cuisine(name)
					WHERE cuisine.name ILIKE $4
			)
		)
`

// SearchRestaurants returns one page of matches and the total match count.
func (db *PostgresDB) SearchRestaurants(
	ctx context.Context,
	city string,
	query models.SearchQuery,
) ([]models.Restaurant, int, error) {
	cuisinePatterns := make([]string, 0, len(query.SelectedCuisines))
	for _, cuisine := range query.SelectedCuisines {
		cuisinePatterns = append(cuisinePatterns, likePattern(cuisine))
	}
	args := []any{
		likePattern(city),
		cuisinePatterns,
		query.SearchQuery,
		likePattern(query.SearchQuery),
	}

	var total int
	err := db.database.QueryRowContext(ctx, `SELECT COUNT(*) FROM restaurants`+searchFilter, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/SearchRestaurants(): error while counting: %w", err)
	}

	sortColumn, ok := sortColumns[query.SortOption]
	if !ok {
		sortColumn = sortColumns[models.SortByLastUpdated]
	}
	page := query.Page
	if page < 1 {
		page = 1
	}
	if page > models.MaxSearchPage {
		page = models.MaxSearchPage
	}

	rows, err := db.database.QueryContext(
		ctx,
		`SELECT `+restaurantColumns+` FROM restaurants`+searchFilter+
			`ORDER BY `+sortColumn+` ASC, id ASC LIMIT $5 OFFSET $6`,
		append(args, models.RestaurantsPageSize, (page-1)*models.RestaurantsPageSize)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/SearchRestaurants(): error while `db.database.QueryContext()` calling: %w", err)
	}
	defer rows.Close()

	result := make([]models.Restaurant, 0, models.RestaurantsPageSize)
	for rows.Next() {
		restaurant, err := scanRestaurant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/SearchRestaurants(): error while `scanRestaurant()` calling: %w", err)
		}
		result = append(result, *restaurant)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("in internal/db/postgresdb/postgresdb.go/SearchRestaurants(): error while `rows.Err()` calling: %w", err)
	}

	return result, total, nil
}

// Ping checks the connection within the configured timeout.
func (db *PostgresDB) Ping(ctx context.Context) error {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, db.connectionTimeout)
	defer cancel()

	return db.database.PingContext(ctxWithTimeout)
}

// Close closes the connection pool.
func (db *PostgresDB) Close() error {
	return db.database.Close()
}

func (db *PostgresDB) resetDB(ctx context.Context) error {
	_, err := db.database.ExecContext(
		ctx,
		`
			DO $$
			DECLARE
				r RECORD;
			BEGIN
				FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
					EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
				END LOOP;
			END $$;
		`,
	)
	if err != nil {
		return fmt.Errorf(
			"in internal/db/postgresdb/postgresdb.go/resetDB(): error while `db.database.ExecContext()` calling: %w",
			err,
		)
	}
	return nil
}
