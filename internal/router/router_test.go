package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/patric-chuzhbe/merneats/internal/auth"
	"github.com/patric-chuzhbe/merneats/internal/config"
	"github.com/patric-chuzhbe/merneats/internal/db/memorystorage"
	"github.com/patric-chuzhbe/merneats/internal/db/storage"
	"github.com/patric-chuzhbe/merneats/internal/imagestore"
	"github.com/patric-chuzhbe/merneats/internal/imagesweeper"
	"github.com/patric-chuzhbe/merneats/internal/ipchecker"
	"github.com/patric-chuzhbe/merneats/internal/logger"
	"github.com/patric-chuzhbe/merneats/internal/metrics"
	"github.com/patric-chuzhbe/merneats/internal/mockstorage"
	"github.com/patric-chuzhbe/merneats/internal/models"
	"github.com/patric-chuzhbe/merneats/internal/ratelimit"
	"github.com/patric-chuzhbe/merneats/internal/revocation"
	"github.com/patric-chuzhbe/merneats/internal/service"
)

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type initOption func(*initOptions)

type initOptions struct {
	mockStorage   storage.Storage
	revocation    bool
	limiter       *ratelimit.Limiter
	trustedSubnet string
	proxyHeaders  bool
}

func withMockStorage(db storage.Storage) initOption {
	return func(options *initOptions) {
		options.mockStorage = db
	}
}

func withRevocation(value bool) initOption {
	return func(options *initOptions) {
		options.revocation = value
	}
}

func withLimiter(limiter *ratelimit.Limiter) initOption {
	return func(options *initOptions) {
		options.limiter = limiter
	}
}

func withTrustedSubnet(subnet string) initOption {
	return func(options *initOptions) {
		options.trustedSubnet = subnet
	}
}

func withProxyHeaders(value bool) initOption {
	return func(options *initOptions) {
		options.proxyHeaders = value
	}
}

type testServer struct {
	*httptest.Server
	cookieName string
	metrics    *metrics.Metrics
	tokens     *auth.Tokens
}

func setupTestRouter(t *testing.T, optionsProto ...initOption) *testServer {
	options := &initOptions{}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	cfg, err := config.New(config.WithDisableFlagsParsing(true))
	if t != nil {
		require.NoError(t, err)
	}

	var db storage.Storage
	if options.mockStorage != nil {
		db = options.mockStorage
	} else {
		db, err = memorystorage.New()
		if t != nil {
			require.NoError(t, err)
		}
	}

	imagesDir, err := osTempDir(t)
	if t != nil {
		require.NoError(t, err)
	}
	images, err := imagestore.NewLocal(imagesDir, cfg.PublicBaseURL)
	if t != nil {
		require.NoError(t, err)
	}
	sweeper := imagesweeper.New(images, 100, time.Hour, 100)

	hasher, err := auth.NewPasswordHasher(bcrypt.MinCost)
	if t != nil {
		require.NoError(t, err)
	}
	s := service.New(db, hasher, images, sweeper)

	tokens, err := auth.NewTokens([]byte(cfg.JWTSecret), cfg.SessionTTL)
	if t != nil {
		require.NoError(t, err)
	}
	collector := metrics.New()
	authOptions := []auth.Option{auth.WithObserver(collector.ObserveSession)}
	if options.revocation {
		authOptions = append(authOptions, auth.WithDenylist(revocation.NewMemory()))
	}
	sessions := auth.New(tokens, cfg.AuthCookieName, false, authOptions...)

	ipChecker, err := ipchecker.New(options.trustedSubnet, ipchecker.WithProxyHeaders(options.proxyHeaders))
	if t != nil {
		require.NoError(t, err)
	}

	routerOptions := []Option{
		WithMetrics(collector),
		WithImagesHandler(images.Handler()),
		WithAllowedOrigins(cfg.AllowedOrigins),
	}
	if options.limiter != nil {
		routerOptions = append(routerOptions, WithLimiter(options.limiter))
	}

	theRouter := New(s, sessions, ipChecker, routerOptions...)

	err = logger.Init("debug")
	if t != nil {
		require.NoError(t, err)
	}

	return &testServer{
		Server:     httptest.NewServer(theRouter),
		cookieName: cfg.AuthCookieName,
		metrics:    collector,
		tokens:     tokens,
	}
}

func osTempDir(t *testing.T) (string, error) {
	if t != nil {
		return t.TempDir(), nil
	}

	return os.MkdirTemp("", "merneats-images")
}

func registerAndLogin(t *testing.T, server *testServer, client *resty.Client, email string) *http.Cookie {
	t.Helper()

	resp, err := client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(fmt.Sprintf(`{"email":%q,"password":"secret1","name":"A"}`, email)).
		Post(server.URL + "/api/auth/register")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode())

	resp, err = client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(fmt.Sprintf(`{"email":%q,"password":"secret1"}`, email)).
		Post(server.URL + "/api/auth/login")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	for _, cookie := range resp.Cookies() {
		if cookie.Name == server.cookieName {
			return cookie
		}
	}
	require.FailNow(t, "login did not set the session cookie")

	return nil
}

func TestSessionScenario(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	client := resty.New()

	resp, err := client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"email":"a@x.com","password":"secret1","name":"A"}`).
		Post(server.URL + "/api/auth/register")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode())

	var registered models.PublicUser
	require.NoError(t, json.Unmarshal(resp.Body(), &registered))
	assert.NotEmpty(t, registered.UserID)
	assert.Equal(t, "a@x.com", registered.Email)
	assert.Equal(t, "A", registered.Name)
	assert.NotContains(t, string(resp.Body()), "secret1")
	assert.NotContains(t, string(resp.Body()), "$2a$")

	resp, err = client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"email":"a@x.com","password":"secret1"}`).
		Post(server.URL + "/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == server.cookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.Equal(t, "/", sessionCookie.Path)
	assert.Equal(t, http.SameSiteStrictMode, sessionCookie.SameSite)
	assert.Equal(t, int((7 * 24 * time.Hour).Seconds()), sessionCookie.MaxAge)

	resp, err = client.R().Get(server.URL + "/api/auth/validate-token")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.JSONEq(
		t,
		fmt.Sprintf(`{"userId":%q,"email":"a@x.com","name":"A"}`, registered.UserID),
		string(resp.Body()),
	)

	resp, err = client.R().Post(server.URL + "/api/auth/logout")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.JSONEq(t, `{"message":"Logged out successfully"}`, string(resp.Body()))

	resp, err = client.R().Get(server.URL + "/api/auth/validate-token")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
	assert.JSONEq(t, `{"message":"Unauthorized"}`, string(resp.Body()))
}

func TestPostApiauthregister(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	type tRequest struct {
		method string
		body   string
	}
	type tExpectedResponse struct {
		code int
		body *regexp.Regexp
	}
	type tTestCase struct {
		name             string
		request          tRequest
		expectedResponse tExpectedResponse
	}
	testCases := []tTestCase{
		{
			name:    "positive",
			request: tRequest{http.MethodPost, `{"email":"b@x.com","password":"secret1","name":"B"}`},
			expectedResponse: tExpectedResponse{
				http.StatusCreated,
				regexp.MustCompile(`"email"\s*:\s*"b@x.com"`),
			},
		},
		{
			name:    "duplicate_email_in_other_case",
			request: tRequest{http.MethodPost, `{"email":"B@X.com","password":"secret1","name":"B"}`},
			expectedResponse: tExpectedResponse{
				http.StatusBadRequest,
				regexp.MustCompile(`"message"\s*:\s*"User already exists"`),
			},
		},
		{
			name:    "invalid_email",
			request: tRequest{http.MethodPost, `{"email":"not-an-email","password":"secret1","name":"B"}`},
			expectedResponse: tExpectedResponse{
				http.StatusBadRequest,
				regexp.MustCompile(`"field"\s*:\s*"email"`),
			},
		},
		{
			name:    "short_password",
			request: tRequest{http.MethodPost, `{"email":"c@x.com","password":"12345","name":"C"}`},
			expectedResponse: tExpectedResponse{
				http.StatusBadRequest,
				regexp.MustCompile(`"field"\s*:\s*"password"`),
			},
		},
		{
			name:    "empty_name",
			request: tRequest{http.MethodPost, `{"email":"c@x.com","password":"secret1","name":"  "}`},
			expectedResponse: tExpectedResponse{
				http.StatusBadRequest,
				regexp.MustCompile(`"field"\s*:\s*"name"`),
			},
		},
		{
			name:    "malformed_JSON",
			request: tRequest{http.MethodPost, `{"email":`},
			expectedResponse: tExpectedResponse{
				http.StatusBadRequest,
				regexp.MustCompile(`Invalid request body`),
			},
		},
		{
			name:    "unsupported_method_get",
			request: tRequest{http.MethodGet, ``},
			expectedResponse: tExpectedResponse{
				http.StatusMethodNotAllowed,
				nil,
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			req := resty.New().R()
			req.Method = testCase.request.method
			req.URL = fmt.Sprintf("%s/api/auth/register", server.URL)

			if len(testCase.request.body) > 0 {
				req.SetHeader("Content-Type", "application/json")
				req.SetBody(testCase.request.body)
			}

			resp, err := req.Send()
			assert.NoError(t, err, "error making HTTP request")

			assert.Equal(t, testCase.expectedResponse.code, resp.StatusCode(), "Response code didn't match expected value")

			if testCase.expectedResponse.body != nil {
				assert.NotNil(
					t,
					testCase.expectedResponse.body.FindIndex(resp.Body()),
					fmt.Sprintf(
						"The response body should match expected value (%s)",
						testCase.expectedResponse.body.String(),
					),
				)
			}
		})
	}
}

func TestPostApiauthloginFailuresAreIndistinguishable(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	registerAndLogin(t, server, resty.New(), "a@x.com")

	bodies := []string{
		`{"email":"a@x.com","password":"wrong-password"}`,
		`{"email":"nobody@x.com","password":"secret1"}`,
	}
	responses := make([]*resty.Response, 0, len(bodies))
	for _, body := range bodies {
		resp, err := resty.New().R().
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(server.URL + "/api/auth/login")
		require.NoError(t, err)
		responses = append(responses, resp)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
		assert.JSONEq(t, `{"message":"Invalid credentials"}`, string(resp.Body()))
		assert.Empty(t, resp.Header().Values("Set-Cookie"))
	}
	assert.Equal(t, responses[0].Body(), responses[1].Body())
}

func TestGetApiauthvalidatetoken(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	sessionCookie := registerAndLogin(t, server, resty.New(), "a@x.com")

	goneUserToken, _, err := server.tokens.Issue("no-such-user")
	require.NoError(t, err)

	tests := []struct {
		name            string
		cookie          *http.Cookie
		expectedCode    int
		expectedMessage string
	}{
		{
			name:         "valid_cookie",
			cookie:       sessionCookie,
			expectedCode: http.StatusOK,
		},
		{
			name:            "user_gone",
			cookie:          &http.Cookie{Name: server.cookieName, Value: goneUserToken},
			expectedCode:    http.StatusNotFound,
			expectedMessage: service.UserNotFoundMessage,
		},
		{
			name:         "no_cookie",
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "empty_cookie",
			cookie:       &http.Cookie{Name: server.cookieName, Value: ""},
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "garbage_cookie",
			cookie:       &http.Cookie{Name: server.cookieName, Value: "not.a.token"},
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "tampered_cookie",
			cookie:       &http.Cookie{Name: server.cookieName, Value: sessionCookie.Value + "x"},
			expectedCode: http.StatusUnauthorized,
		},
		{
			name:         "wrong_cookie_name",
			cookie:       &http.Cookie{Name: "otherCookie", Value: sessionCookie.Value},
			expectedCode: http.StatusUnauthorized,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := resty.New().R()
			if test.cookie != nil {
				req.SetCookie(test.cookie)
			}
			resp, err := req.Get(server.URL + "/api/auth/validate-token")
			require.NoError(t, err)
			assert.Equal(t, test.expectedCode, resp.StatusCode())
			if test.expectedMessage != "" {
				var body models.ErrorResponse
				require.NoError(t, json.Unmarshal(resp.Body(), &body))
				assert.Equal(t, test.expectedMessage, body.Message)
			}
		})
	}
}

func TestLogoutReplay(t *testing.T) {
	tests := []struct {
		name               string
		revocation         bool
		expectedReplayCode int
	}{
		{
			name:               "stateless_token_survives_logout",
			revocation:         false,
			expectedReplayCode: http.StatusOK,
		},
		{
			name:               "revoked_token_is_refused",
			revocation:         true,
			expectedReplayCode: http.StatusUnauthorized,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := setupTestRouter(t, withRevocation(test.revocation))
			defer server.Close()

			client := resty.New()
			sessionCookie := registerAndLogin(t, server, client, "a@x.com")

			resp, err := client.R().Post(server.URL + "/api/auth/logout")
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode())

			resp, err = resty.New().R().
				SetCookie(&http.Cookie{Name: server.cookieName, Value: sessionCookie.Value}).
				Get(server.URL + "/api/auth/validate-token")
			require.NoError(t, err)
			assert.Equal(t, test.expectedReplayCode, resp.StatusCode())
		})
	}
}

func TestPostApiauthlogoutWithoutSession(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	resp, err := resty.New().R().Post(server.URL + "/api/auth/logout")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	cleared := false
	for _, cookie := range resp.Cookies() {
		if cookie.Name == server.cookieName {
			cleared = cookie.MaxAge < 0 && cookie.Value == ""
		}
	}
	assert.True(t, cleared, "logout should clear the session cookie")
}

func TestApimyuser(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	resp, err := resty.New().R().Get(server.URL + "/api/my/user")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	client := resty.New()
	registerAndLogin(t, server, client, "a@x.com")

	resp, err = client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"name":"Alice","addressLine1":"1 Main St","city":"London","country":"UK"}`).
		Put(server.URL + "/api/my/user")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp, err = client.R().Get(server.URL + "/api/my/user")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	var profile models.UserProfile
	require.NoError(t, json.Unmarshal(resp.Body(), &profile))
	assert.Equal(t, "a@x.com", profile.Email)
	assert.Equal(t, "Alice", profile.Name)
	assert.Equal(t, "1 Main St", profile.AddressLine1)
	assert.Equal(t, "London", profile.City)
	assert.Equal(t, "UK", profile.Country)
	assert.NotContains(t, string(resp.Body()), "password")

	resp, err = client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"name":"Alice"}`).
		Put(server.URL + "/api/my/user")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"field":"city"`)
}

func TestApimyWithoutCookieDoesNotTouchStorage(t *testing.T) {
	db := &mockstorage.StorageMock{}
	server := setupTestRouter(t, withMockStorage(db))
	defer server.Close()

	for _, path := range []string{"/api/my/user", "/api/my/restaurant"} {
		resp, err := resty.New().R().Get(server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode(), path)
	}

	db.AssertNotCalled(t, "GetUserByID", mock.Anything, mock.Anything)
	db.AssertNotCalled(t, "GetRestaurantByUserID", mock.Anything, mock.Anything)
	db.AssertExpectations(t)
}

func restaurantForm(name, city string) map[string]string {
	return map[string]string{
		"restaurantName":        name,
		"city":                  city,
		"country":               "UK",
		"deliveryPrice":         "250",
		"estimatedDeliveryTime": "30",
		"cuisines[0]":           "Pizza",
		"cuisines[1]":           "Italian",
		"menuItems[0][name]":    "Margherita",
		"menuItems[0][price]":   "900",
		"menuItems[1][name]":    "Pepperoni",
		"menuItems[1][price]":   "1100",
	}
}

func TestParseMinorUnits(t *testing.T) {
	tests := []struct {
		raw      string
		expected int64
		wantErr  bool
	}{
		{raw: "250", expected: 250},
		{raw: " 1100 ", expected: 1100},
		{raw: "110.00000000000001", expected: 110},
		{raw: "1499.9999999999998", expected: 1500},
		{raw: "-5", expected: -5},
		{raw: "cheap", wantErr: true},
		{raw: "NaN", wantErr: true},
		{raw: "Inf", wantErr: true},
		{raw: "1e300", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.raw, func(t *testing.T) {
			value, err := parseMinorUnits(test.raw)
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, value)
		})
	}
}

func TestApimyrestaurant(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	client := resty.New()
	registerAndLogin(t, server, client, "owner@x.com")

	resp, err := client.R().Get(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())

	resp, err = client.R().
		SetMultipartFormData(restaurantForm("Luigi's", "London")).
		Post(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode(), "image is required on create")
	assert.Contains(t, string(resp.Body()), `"field":"imageFile"`)

	resp, err = client.R().
		SetMultipartFormData(restaurantForm("Luigi's", "London")).
		SetFileReader("imageFile", "logo.txt", bytes.NewReader([]byte("plain text, not an image"))).
		Post(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode(), "content is sniffed, not trusted")

	resp, err = client.R().
		SetMultipartFormData(restaurantForm("Luigi's", "London")).
		SetFileReader("imageFile", "logo.png", bytes.NewReader(pngImage)).
		Post(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode(), string(resp.Body()))

	var created models.Restaurant
	require.NoError(t, json.Unmarshal(resp.Body(), &created))
	assert.Equal(t, "Luigi's", created.RestaurantName)
	assert.Equal(t, []string{"Pizza", "Italian"}, created.Cuisines)
	require.Len(t, created.MenuItems, 2)
	assert.Equal(t, "Margherita", created.MenuItems[0].Name)
	assert.Equal(t, int64(1100), created.MenuItems[1].Price)
	assert.Equal(t, int64(250), created.DeliveryPrice)
	assert.Regexp(t, `^http://localhost:8080/images/restaurants/[0-9a-f-]+\.png$`, created.ImageURL)

	imageURL, err := url.Parse(created.ImageURL)
	require.NoError(t, err)
	resp, err = resty.New().R().Get(server.URL + imageURL.Path)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, pngImage, resp.Body())

	resp, err = client.R().
		SetMultipartFormData(restaurantForm("Luigi's again", "London")).
		SetFileReader("imageFile", "logo.png", bytes.NewReader(pngImage)).
		Post(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode())
	assert.JSONEq(t, `{"message":"User restaurant already exists"}`, string(resp.Body()))

	form := restaurantForm("Luigi's Trattoria", "Manchester")
	form["deliveryPrice"] = "299.99999999999994"
	form["menuItems[0][price]"] = "110.00000000000001"
	resp, err = client.R().
		SetMultipartFormData(form).
		Put(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode(), string(resp.Body()))

	var updated models.Restaurant
	require.NoError(t, json.Unmarshal(resp.Body(), &updated))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Luigi's Trattoria", updated.RestaurantName)
	assert.Equal(t, int64(300), updated.DeliveryPrice)
	require.Len(t, updated.MenuItems, 2)
	assert.Equal(t, int64(110), updated.MenuItems[0].Price)
	assert.Equal(t, created.ImageURL, updated.ImageURL, "image is kept when none is uploaded")

	form["deliveryPrice"] = "cheap"
	resp, err = client.R().
		SetMultipartFormData(form).
		Put(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"field":"deliveryPrice"`)

	resp, err = client.R().Get(server.URL + "/api/my/restaurant")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp, err = resty.New().R().Get(server.URL + "/api/restaurant/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "Luigi's Trattoria")

	resp, err = resty.New().R().Get(server.URL + "/api/restaurant/no-such-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode())
	assert.JSONEq(t, `{"message":"Restaurant not found"}`, string(resp.Body()))
}

func TestGetApirestaurantsearch(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	for i, city := range []string{"London", "london", "Paris"} {
		client := resty.New()
		registerAndLogin(t, server, client, fmt.Sprintf("owner%d@x.com", i))
		form := restaurantForm(fmt.Sprintf("Place %d", i), city)
		form["deliveryPrice"] = fmt.Sprintf("%d", 300-i*100)
		if i == 1 {
			form["cuisines[1]"] = "Burgers"
		}
		resp, err := client.R().
			SetMultipartFormData(form).
			SetFileReader("imageFile", "logo.png", bytes.NewReader(pngImage)).
			Post(server.URL + "/api/my/restaurant")
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode(), string(resp.Body()))
	}

	tests := []struct {
		name          string
		path          string
		expectedTotal int
		expectedNames []string
	}{
		{
			name:          "city_is_case_insensitive",
			path:          "/api/restaurant/search/LONDON?sortOption=deliveryPrice",
			expectedTotal: 2,
			expectedNames: []string{"Place 1", "Place 0"},
		},
		{
			name:          "selected_cuisines",
			path:          "/api/restaurant/search/london?selectedCuisines=burgers",
			expectedTotal: 1,
			expectedNames: []string{"Place 1"},
		},
		{
			name:          "search_query_matches_name",
			path:          "/api/restaurant/search/london?searchQuery=place%200",
			expectedTotal: 1,
			expectedNames: []string{"Place 0"},
		},
		{
			name:          "no_results",
			path:          "/api/restaurant/search/Berlin",
			expectedTotal: 0,
			expectedNames: []string{},
		},
		{
			name:          "bad_page_defaults_to_first",
			path:          "/api/restaurant/search/paris?page=zero",
			expectedTotal: 1,
			expectedNames: []string{"Place 2"},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp, err := resty.New().R().Get(server.URL + test.path)
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode())

			var result models.SearchResponse
			require.NoError(t, json.Unmarshal(resp.Body(), &result))
			assert.Equal(t, test.expectedTotal, result.Pagination.Total)
			assert.Equal(t, 1, result.Pagination.Page)
			assert.Equal(t, 1, result.Pagination.Pages)

			names := make([]string, 0, len(result.Data))
			for _, restaurant := range result.Data {
				names = append(names, restaurant.RestaurantName)
			}
			assert.Equal(t, test.expectedNames, names)
		})
	}
}

func TestLoginRateLimit(t *testing.T) {
	server := setupTestRouter(t, withLimiter(ratelimit.New(1, 2)), withProxyHeaders(true))
	defer server.Close()

	codes := make([]int, 0, 3)
	var last *resty.Response
	for i := 0; i < 3; i++ {
		resp, err := resty.New().R().
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Real-IP", "10.0.0.7").
			SetBody(`{"email":"a@x.com","password":"secret1"}`).
			Post(server.URL + "/api/auth/login")
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode())
		last = resp
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"message":"Too many requests"}`, string(last.Body()))

	resp, err := resty.New().R().
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Real-IP", "10.0.0.8").
		SetBody(`{"email":"a@x.com","password":"secret1"}`).
		Post(server.URL + "/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode(), "other clients keep their own budget")
}

func TestLoginRateLimitIgnoresSpoofedHeaders(t *testing.T) {
	server := setupTestRouter(t, withLimiter(ratelimit.New(1, 2)))
	defer server.Close()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := resty.New().R().
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Real-IP", fmt.Sprintf("10.0.0.%d", i+1)).
			SetHeader("X-Forwarded-For", fmt.Sprintf("10.0.1.%d", i+1)).
			SetBody(`{"email":"a@x.com","password":"secret1"}`).
			Post(server.URL + "/api/auth/login")
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode())
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestGetHealthAndPing(t *testing.T) {
	db := &mockstorage.StorageMock{}
	db.On("Ping", mock.Anything).Return(nil).Once()
	db.On("Ping", mock.Anything).Return(errors.New("connection refused")).Once()

	server := setupTestRouter(t, withMockStorage(db))
	defer server.Close()

	for _, path := range []string{"/", "/health"} {
		resp, err := resty.New().R().Get(server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		assert.JSONEq(t, `{"message":"health ok!"}`, string(resp.Body()))
	}

	resp, err := resty.New().R().Get(server.URL + "/ping")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode())

	resp, err = resty.New().R().Get(server.URL + "/ping")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.JSONEq(t, `{"message":"Internal Server Error"}`, string(resp.Body()))

	db.AssertExpectations(t)
}

func TestStorageFailureIsNotLeaked(t *testing.T) {
	db := &mockstorage.StorageMock{
		OnSearchRestaurants: func(context.Context, string, models.SearchQuery) ([]models.Restaurant, int, error) {
			return nil, 0, errors.New("pq: relation \"restaurants\" does not exist")
		},
	}
	db.On("GetUserByEmail", mock.Anything, "a@x.com").Return(nil, errors.New("dial tcp: connection refused"))

	server := setupTestRouter(t, withMockStorage(db))
	defer server.Close()

	resp, err := resty.New().R().Get(server.URL + "/api/restaurant/search/london")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.JSONEq(t, `{"message":"Internal Server Error"}`, string(resp.Body()))

	resp, err = resty.New().R().
		SetHeader("Content-Type", "application/json").
		SetBody(`{"email":"a@x.com","password":"secret1"}`).
		Post(server.URL + "/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	assert.NotContains(t, string(resp.Body()), "connection refused")
}

func TestGetMetrics(t *testing.T) {
	tests := []struct {
		name          string
		trustedSubnet string
		realIP        string
		expectedCode  int
	}{
		{
			name:          "trusted_client",
			trustedSubnet: "10.0.0.0/8",
			realIP:        "10.1.2.3",
			expectedCode:  http.StatusOK,
		},
		{
			name:          "untrusted_client",
			trustedSubnet: "10.0.0.0/8",
			realIP:        "192.168.1.1",
			expectedCode:  http.StatusForbidden,
		},
		{
			name:         "no_subnet_configured",
			realIP:       "10.1.2.3",
			expectedCode: http.StatusForbidden,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := setupTestRouter(t, withTrustedSubnet(test.trustedSubnet), withProxyHeaders(true))
			defer server.Close()

			registerAndLogin(t, server, resty.New(), "a@x.com")

			resp, err := resty.New().R().
				SetHeader("X-Real-IP", test.realIP).
				Get(server.URL + "/metrics")
			require.NoError(t, err)
			assert.Equal(t, test.expectedCode, resp.StatusCode())
			if test.expectedCode == http.StatusOK {
				assert.Contains(t, string(resp.Body()), `merneats_logins_total{operation="login",result="success"} 1`)
				assert.Contains(t, string(resp.Body()), `route="/api/auth/register"`)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	server := setupTestRouter(t)
	defer server.Close()

	resp, err := resty.New().R().
		SetHeader("Origin", "http://localhost:5173").
		SetHeader("Access-Control-Request-Method", http.MethodPost).
		Options(server.URL + "/api/auth/login")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5173", resp.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header().Get("Access-Control-Allow-Credentials"))

	resp, err = resty.New().R().
		SetHeader("Origin", "http://evil.example").
		SetHeader("Access-Control-Request-Method", http.MethodPost).
		Options(server.URL + "/api/auth/login")
	require.NoError(t, err)
	assert.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
}
