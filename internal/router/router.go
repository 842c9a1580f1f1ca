// Package router builds the HTTP surface of the service on top of chi.
// Handlers decode requests, call the service layer and map its classified
// errors to JSON responses.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/imagestore"
	"github.com/patric-chuzhbe/merneats/internal/logger"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/service"
)

const (
	healthMessage = "health ok!"
	logoutMessage = "Logged out successfully"

	multipartMemory  = 1 << 20
	multipartMaxBody = imagestore.MaxImageSize + 2<<20

	// maxMinorUnits keeps parsed prices within float64's exact integer range.
	maxMinorUnits = 1 << 53
)

const (
	operationLogin    = "login"
	operationRegister = "register"
)

var (
	cuisineField  = regexp.MustCompile(`^cuisines\[(\d+)\]$`)
	menuItemField = regexp.MustCompile(`^menuItems\[(\d+)\]\[(\w+)\]$`)
)

type userService interface {
	Register(ctx context.Context, request models.RegisterRequest) (models.PublicUser, error)
	Login(ctx context.Context, request models.LoginRequest) (models.PublicUser, error)
	SessionUser(ctx context.Context, userID string) (models.PublicUser, error)
	GetCurrentUser(ctx context.Context, userID string) (models.UserProfile, error)
	UpdateCurrentUser(ctx context.Context, userID string, request models.UpdateUserRequest) (models.UserProfile, error)
}

type restaurantService interface {
	GetMyRestaurant(ctx context.Context, userID string) (*models.Restaurant, error)
	CreateMyRestaurant(
		ctx context.Context,
		userID string,
		request models.RestaurantRequest,
		image *models.ImageUpload,
	) (*models.Restaurant, error)
	UpdateMyRestaurant(
		ctx context.Context,
		userID string,
		request models.RestaurantRequest,
		image *models.ImageUpload,
	) (*models.Restaurant, error)
	SearchRestaurants(ctx context.Context, city string, query models.SearchQuery) (models.SearchResponse, error)
	GetRestaurant(ctx context.Context, restaurantID string) (*models.Restaurant, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type appService interface {
	userService
	restaurantService
	pinger
}

type sessionManager interface {
	RequireSession(h http.Handler) http.Handler
	StartSession(response http.ResponseWriter, userID string) (*auth.Claims, error)
	EndSession(response http.ResponseWriter, request *http.Request) error
}

type clientChecker interface {
	ClientKey(request *http.Request) string
	RequireTrusted(h http.Handler) http.Handler
}

type attemptLimiter interface {
	Middleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler
}

type metricsCollector interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
	ObserveLogin(operation string, success bool)
}

// Router is the HTTP handler of the service.
type Router struct {
	*chi.Mux
	svc            appService
	sessions       sessionManager
	ipChecker      clientChecker
	limiter        attemptLimiter
	metrics        metricsCollector
	images         http.Handler
	allowedOrigins []string
	tracing        bool
}

// Option configures a Router.
type Option func(*Router)

// WithLimiter guards login and registration with a per client limiter.
func WithLimiter(limiter attemptLimiter) Option {
	return func(router *Router) {
		router.limiter = limiter
	}
}

// WithMetrics records request metrics and serves them on /metrics to the
// trusted subnet.
func WithMetrics(metrics metricsCollector) Option {
	return func(router *Router) {
		router.metrics = metrics
	}
}

// WithImagesHandler serves locally stored images under imagestore.LocalRoute.
func WithImagesHandler(images http.Handler) Option {
	return func(router *Router) {
		router.images = images
	}
}

// WithAllowedOrigins enables CORS with credentials for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(router *Router) {
		router.allowedOrigins = origins
	}
}

// WithTracing wraps every request in an OpenTelemetry span.
func WithTracing(enabled bool) Option {
	return func(router *Router) {
		router.tracing = enabled
	}
}

// New creates the router and mounts every route.
func New(
	svc appService,
	sessions sessionManager,
	ipChecker clientChecker,
	options ...Option,
) *Router {
	router := &Router{
		Mux:       chi.NewRouter(),
		svc:       svc,
		sessions:  sessions,
		ipChecker: ipChecker,
	}
	for _, option := range options {
		option(router)
	}

	router.Use(middleware.RequestID)
	if router.tracing {
		router.Use(otelhttp.NewMiddleware("merneats"))
	}
	router.Use(middleware.Recoverer)
	router.Use(logger.WithLoggingHTTPMiddleware)
	if router.metrics != nil {
		router.Use(router.metrics.Middleware)
	}
	if len(router.allowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   router.allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	router.Use(middleware.Compress(5, "application/json"))

	router.Get(`/`, router.getHealth)
	router.Get(`/health`, router.getHealth)
	router.Get(`/ping`, router.getPing)

	router.Route(`/api/auth`, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if router.limiter != nil {
				r.Use(router.limiter.Middleware(router.ipChecker.ClientKey))
			}
			r.Post(`/register`, router.postApiauthregister)
			r.Post(`/login`, router.postApiauthlogin)
		})
		r.With(router.sessions.RequireSession).Get(`/validate-token`, router.getApiauthvalidatetoken)
		r.Post(`/logout`, router.postApiauthlogout)
	})

	router.Route(`/api/my`, func(r chi.Router) {
		r.Use(router.sessions.RequireSession)
		r.Get(`/user`, router.getApimyuser)
		r.Put(`/user`, router.putApimyuser)
		r.Get(`/restaurant`, router.getApimyrestaurant)
		r.Post(`/restaurant`, router.postApimyrestaurant)
		r.Put(`/restaurant`, router.putApimyrestaurant)
	})

	router.Get(`/api/restaurant/search/{city}`, router.getApirestaurantsearch)
	router.Get(`/api/restaurant/{restaurantId}`, router.getApirestaurant)

	if router.metrics != nil {
		router.With(router.ipChecker.RequireTrusted).Handle(`/metrics`, router.metrics.Handler())
	}
	if router.images != nil {
		router.Handle(imagestore.LocalRoute+`*`, router.images)
	}

	return router
}

func (router *Router) getHealth(response http.ResponseWriter, _ *http.Request) {
	writeJSON(response, http.StatusOK, models.MessageResponse{Message: healthMessage})
}

func (router *Router) getPing(response http.ResponseWriter, request *http.Request) {
	err := router.svc.Ping(request.Context())
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	response.WriteHeader(http.StatusOK)
}

func (router *Router) postApiauthregister(response http.ResponseWriter, request *http.Request) {
	var body models.RegisterRequest
	if !decodeJSON(response, request, &body) {
		return
	}

	publicUser, err := router.svc.Register(request.Context(), body)
	router.observeLogin(operationRegister, err == nil)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	if !router.startSession(response, publicUser.UserID) {
		return
	}

	writeJSON(response, http.StatusCreated, publicUser)
}

func (router *Router) postApiauthlogin(response http.ResponseWriter, request *http.Request) {
	var body models.LoginRequest
	if !decodeJSON(response, request, &body) {
		return
	}

	publicUser, err := router.svc.Login(request.Context(), body)
	router.observeLogin(operationLogin, err == nil)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	if !router.startSession(response, publicUser.UserID) {
		return
	}

	writeJSON(response, http.StatusOK, publicUser)
}

func (router *Router) startSession(response http.ResponseWriter, userID string) bool {
	_, err := router.sessions.StartSession(response, userID)
	if err != nil {
		writeError(response, apperrors.Internal(err), http.StatusBadRequest)
		return false
	}

	return true
}

func (router *Router) observeLogin(operation string, success bool) {
	if router.metrics != nil {
		router.metrics.ObserveLogin(operation, success)
	}
}

func (router *Router) getApiauthvalidatetoken(response http.ResponseWriter, request *http.Request) {
	userID, ok := auth.UserIDFromContext(request.Context())
	if !ok {
		writeJSON(response, http.StatusUnauthorized, models.MessageResponse{Message: "Unauthorized"})
		return
	}

	publicUser, err := router.svc.SessionUser(request.Context(), userID)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	writeJSON(response, http.StatusOK, publicUser)
}

func (router *Router) postApiauthlogout(response http.ResponseWriter, request *http.Request) {
	err := router.sessions.EndSession(response, request)
	if err != nil {
		logger.Log.Errorw("session revocation failed", zap.Error(err))
	}

	writeJSON(response, http.StatusOK, models.MessageResponse{Message: logoutMessage})
}

func (router *Router) getApimyuser(response http.ResponseWriter, request *http.Request) {
	userID, _ := auth.UserIDFromContext(request.Context())
	profile, err := router.svc.GetCurrentUser(request.Context(), userID)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	writeJSON(response, http.StatusOK, profile)
}

func (router *Router) putApimyuser(response http.ResponseWriter, request *http.Request) {
	var body models.UpdateUserRequest
	if !decodeJSON(response, request, &body) {
		return
	}

	userID, _ := auth.UserIDFromContext(request.Context())
	profile, err := router.svc.UpdateCurrentUser(request.Context(), userID, body)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	writeJSON(response, http.StatusOK, profile)
}

func (router *Router) getApimyrestaurant(response http.ResponseWriter, request *http.Request) {
	userID, _ := auth.UserIDFromContext(request.Context())
	restaurant, err := router.svc.GetMyRestaurant(request.Context(), userID)
	if err != nil {
		writeError(response, err, http.StatusConflict)
		return
	}

	writeJSON(response, http.StatusOK, restaurant)
}

func (router *Router) postApimyrestaurant(response http.ResponseWriter, request *http.Request) {
	body, image, err := parseRestaurantForm(response, request)
	if err != nil {
		writeError(response, err, http.StatusConflict)
		return
	}

	userID, _ := auth.UserIDFromContext(request.Context())
	restaurant, err := router.svc.CreateMyRestaurant(request.Context(), userID, body, image)
	if err != nil {
		writeError(response, err, http.StatusConflict)
		return
	}

	writeJSON(response, http.StatusCreated, restaurant)
}

func (router *Router) putApimyrestaurant(response http.ResponseWriter, request *http.Request) {
	body, image, err := parseRestaurantForm(response, request)
	if err != nil {
		writeError(response, err, http.StatusConflict)
		return
	}

	userID, _ := auth.UserIDFromContext(request.Context())
	restaurant, err := router.svc.UpdateMyRestaurant(request.Context(), userID, body, image)
	if err != nil {
		writeError(response, err, http.StatusConflict)
		return
	}

	writeJSON(response, http.StatusOK, restaurant)
}

func (router *Router) getApirestaurantsearch(response http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()
	page, err := strconv.Atoi(query.Get("page"))
	if err != nil {
		page = 1
	}

	var cuisines []string
	if selected := query.Get("selectedCuisines"); selected != "" {
		cuisines = strings.Split(selected, ",")
	}

	result, err := router.svc.SearchRestaurants(
		request.Context(),
		chi.URLParam(request, "city"),
		models.SearchQuery{
			SearchQuery:      query.Get("searchQuery"),
			SelectedCuisines: cuisines,
			SortOption:       query.Get("sortOption"),
			Page:             page,
		},
	)
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	writeJSON(response, http.StatusOK, result)
}

func (router *Router) getApirestaurant(response http.ResponseWriter, request *http.Request) {
	restaurant, err := router.svc.GetRestaurant(request.Context(), chi.URLParam(request, "restaurantId"))
	if err != nil {
		writeError(response, err, http.StatusBadRequest)
		return
	}

	writeJSON(response, http.StatusOK, restaurant)
}

// parseRestaurantForm reads the multipart restaurant form. Array fields are
// accepted both as repeated keys and in the bracketed form browsers send
// (cuisines[0], menuItems[0][name]). A missing imageFile yields a nil image.
func parseRestaurantForm(
	response http.ResponseWriter,
	request *http.Request,
) (models.RestaurantRequest, *models.ImageUpload, error) {
	request.Body = http.MaxBytesReader(response, request.Body, multipartMaxBody)
	err := request.ParseMultipartForm(multipartMemory)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return models.RestaurantRequest{}, nil, apperrors.Validation(
				service.ValidationFailedMessage,
				apperrors.FieldError{Field: "imageFile", Message: "imageFile must be at most 5MB"},
			)
		}
		return models.RestaurantRequest{}, nil, apperrors.Validation(
			service.ValidationFailedMessage,
			apperrors.FieldError{Field: "body", Message: "body must be multipart/form-data"},
		)
	}

	form := request.MultipartForm.Value
	var fields []apperrors.FieldError

	body := models.RestaurantRequest{
		RestaurantName: firstValue(form, "restaurantName"),
		City:           firstValue(form, "city"),
		Country:        firstValue(form, "country"),
	}

	if raw := firstValue(form, "deliveryPrice"); raw != "" {
		body.DeliveryPrice, err = parseMinorUnits(raw)
		if err != nil {
			fields = append(fields, apperrors.FieldError{Field: "deliveryPrice", Message: "deliveryPrice must be a number"})
		}
	}
	if raw := firstValue(form, "estimatedDeliveryTime"); raw != "" {
		body.EstimatedDeliveryTime, err = strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			fields = append(fields, apperrors.FieldError{
				Field:   "estimatedDeliveryTime",
				Message: "estimatedDeliveryTime must be a number",
			})
		}
	}

	body.Cuisines = append(body.Cuisines, form["cuisines"]...)
	indexedCuisines := map[int]string{}
	indexedItems := map[int]*models.MenuItemRequest{}
	for key, values := range form {
		if len(values) == 0 {
			continue
		}
		if match := cuisineField.FindStringSubmatch(key); match != nil {
			index, _ := strconv.Atoi(match[1])
			indexedCuisines[index] = values[0]
			continue
		}
		match := menuItemField.FindStringSubmatch(key)
		if match == nil {
			continue
		}
		index, _ := strconv.Atoi(match[1])
		item, ok := indexedItems[index]
		if !ok {
			item = &models.MenuItemRequest{}
			indexedItems[index] = item
		}
		switch match[2] {
		case "_id":
			item.ID = values[0]
		case "name":
			item.Name = values[0]
		case "price":
			item.Price, err = parseMinorUnits(values[0])
			if err != nil {
				fields = append(fields, apperrors.FieldError{
					Field:   "menuItems[" + match[1] + "].price",
					Message: "price must be a number",
				})
			}
		}
	}
	for _, index := range sortedKeys(indexedCuisines) {
		body.Cuisines = append(body.Cuisines, indexedCuisines[index])
	}
	for _, index := range sortedKeys(indexedItems) {
		body.MenuItems = append(body.MenuItems, *indexedItems[index])
	}

	var image *models.ImageUpload
	file, _, err := request.FormFile("imageFile")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		fields = append(fields, apperrors.FieldError{Field: "imageFile", Message: "imageFile is unreadable"})
	default:
		defer file.Close()
		upload, err := imagestore.ReadImage(file)
		if err != nil {
			fields = append(fields, apperrors.FieldError{Field: "imageFile", Message: imageErrorMessage(err)})
		} else {
			image = &upload
		}
	}

	if len(fields) > 0 {
		return models.RestaurantRequest{}, nil, apperrors.Validation(service.ValidationFailedMessage, fields...)
	}

	return body, image, nil
}

func imageErrorMessage(err error) string {
	switch {
	case errors.Is(err, imagestore.ErrImageTooLarge):
		return "imageFile must be at most 5MB"
	case errors.Is(err, imagestore.ErrUnsupportedImage):
		return "imageFile must be a jpeg, png, webp or gif image"
	case errors.Is(err, imagestore.ErrEmptyImage):
		return "imageFile is empty"
	default:
		return "imageFile is unreadable"
	}
}

func firstValue(form map[string][]string, key string) string {
	values := form[key]
	if len(values) == 0 {
		return ""
	}

	return values[0]
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Ints(keys)

	return keys
}

func decodeJSON(response http.ResponseWriter, request *http.Request, dst interface{}) bool {
	err := json.NewDecoder(request.Body).Decode(dst)
	if err != nil {
		logger.Log.Debugln("Error calling the `json.NewDecoder().Decode()`: ", zap.Error(err))
		writeJSON(response, http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
		return false
	}

	return true
}

// parseMinorUnits reads a price in minor units. Browsers send it as the
// string of price*100, which may carry float noise such as "110.00000000000001".
func parseMinorUnits(raw string) (int64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(value) > maxMinorUnits {
		return 0, fmt.Errorf("price %q out of range", raw)
	}

	return int64(math.Round(value)), nil
}

// writeError maps a classified error to a status. conflictStatus differs per
// route: a duplicate account answers 400, a duplicate restaurant 409.
func writeError(response http.ResponseWriter, err error, conflictStatus int) {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Internal(err)
	}

	status := http.StatusInternalServerError
	switch appErr.Kind {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindConflict:
		status = conflictStatus
	case apperrors.KindAuth:
		status = http.StatusBadRequest
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	default:
		logger.Log.Errorw("request failed", zap.Error(err))
	}

	writeJSON(response, status, models.ErrorResponse{
		Message: apperrors.PublicMessage(appErr),
		Errors:  appErr.Fields,
	})
}

func writeJSON(response http.ResponseWriter, status int, body interface{}) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	err := json.NewEncoder(response).Encode(body)
	if err != nil {
		logger.Log.Debugln("Error calling the `json.NewEncoder().Encode()`: ", zap.Error(err))
	}
}
