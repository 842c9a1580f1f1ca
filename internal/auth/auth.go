// Package auth provides the session layer of the service: token issuance and
// verification, the session cookie transport and the middleware that gates
// protected routes on a verified cookie.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/merneats/internal/apperrors"
	"github.com/patric-chuzhbe/merneats/internal/logger"
)

// DefaultCookieName is the session cookie used when none is configured.
const DefaultCookieName = "authCookie"

// Middleware outcomes reported to the observer.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeMissing       = "missing"
	OutcomeInvalid       = "invalid"
	OutcomeRevoked       = "revoked"
	OutcomeError         = "error"
)

// ErrTokenRevoked is returned by Authenticate for a token on the denylist.
var ErrTokenRevoked = errors.New("token revoked")

// ContextKey is a custom type for storing values in context to avoid collisions.
type ContextKey string

// UserIDKey is the context key used to store and retrieve the authenticated user's ID.
const UserIDKey ContextKey = "userID"

// Denylist remembers token ids that were ended before their expiry.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Auth handles the session cookie and gates protected handlers.
type Auth struct {
	// tokens signs and verifies session tokens.
	tokens *Tokens

	// cookieName is the name of the cookie used to store the JWT.
	cookieName string

	// secure sets the Secure flag on the cookie, on in production.
	secure bool

	// denylist is nil when sessions are purely stateless.
	denylist Denylist

	observe func(outcome string)
}

// Option configures Auth.
type Option func(*Auth)

// WithDenylist makes logout revoke the presented token until its expiry.
func WithDenylist(denylist Denylist) Option {
	return func(a *Auth) {
		a.denylist = denylist
	}
}

// WithObserver registers a callback invoked with every middleware outcome.
func WithObserver(observe func(outcome string)) Option {
	return func(a *Auth) {
		a.observe = observe
	}
}

// New creates an Auth handler over the given token issuer. An empty cookieName
// means DefaultCookieName.
func New(tokens *Tokens, cookieName string, secure bool, options ...Option) *Auth {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	a := &Auth{
		tokens:     tokens,
		cookieName: cookieName,
		secure:     secure,
		observe:    func(string) {},
	}
	for _, option := range options {
		option(a)
	}

	return a
}

// CookieName returns the name of the session cookie.
func (a *Auth) CookieName() string {
	return a.cookieName
}

// Revocable reports whether logout invalidates tokens server-side.
func (a *Auth) Revocable() bool {
	return a.denylist != nil
}

// RequireSession is an HTTP middleware that rejects requests without a valid
// session cookie with 401 and stores the user ID in the context otherwise.
func (a *Auth) RequireSession(h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		tokenString := a.tokenFromRequest(request)
		if tokenString == "" {
			a.observe(OutcomeMissing)
			writeUnauthorized(response)

			return
		}

		claims, err := a.Authenticate(request.Context(), tokenString)
		switch {
		case err == nil:
		case errors.Is(err, ErrTokenRevoked):
			a.observe(OutcomeRevoked)
			writeUnauthorized(response)

			return
		case errors.Is(err, ErrInvalidToken):
			a.observe(OutcomeInvalid)
			logger.Log.Debugln("Error calling the `a.Authenticate()`: ", zap.Error(err))
			writeUnauthorized(response)

			return
		default:
			a.observe(OutcomeError)
			logger.Log.Errorw("session check failed", zap.Error(err))
			writeMessage(response, http.StatusInternalServerError, apperrors.InternalMessage)

			return
		}

		a.observe(OutcomeAuthenticated)
		ctx := context.WithValue(request.Context(), UserIDKey, claims.UserID)
		h.ServeHTTP(response, request.WithContext(ctx))
	}

	return http.HandlerFunc(middleware)
}

// Authenticate verifies tokenString and, when a denylist is configured, checks
// that the token was not ended by a logout.
func (a *Auth) Authenticate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := a.tokens.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if a.denylist == nil {
		return claims, nil
	}

	revoked, err := a.denylist.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("in internal/auth/auth.go/Authenticate(): error while `a.denylist.IsRevoked()` calling: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// StartSession issues a token for userID and sets it as the session cookie.
func (a *Auth) StartSession(response http.ResponseWriter, userID string) (*Claims, error) {
	tokenString, claims, err := a.tokens.Issue(userID)
	if err != nil {
		return nil, fmt.Errorf("in internal/auth/auth.go/StartSession(): error while `a.tokens.Issue()` calling: %w", err)
	}
	a.SetSessionCookie(response, tokenString)

	return claims, nil
}

// EndSession clears the session cookie. With a denylist it also revokes the
// presented token; the cookie is cleared even if that fails.
func (a *Auth) EndSession(response http.ResponseWriter, request *http.Request) error {
	a.ClearSessionCookie(response)
	if a.denylist == nil {
		return nil
	}

	tokenString := a.tokenFromRequest(request)
	if tokenString == "" {
		return nil
	}
	claims, err := a.tokens.Verify(tokenString)
	if err != nil {
		return nil
	}

	err = a.denylist.Revoke(request.Context(), claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return fmt.Errorf("in internal/auth/auth.go/EndSession(): error while `a.denylist.Revoke()` calling: %w", err)
	}

	return nil
}

// SetSessionCookie writes tokenString as the session cookie.
func (a *Auth) SetSessionCookie(response http.ResponseWriter, tokenString string) {
	http.SetCookie(
		response,
		&http.Cookie{
			Name:     a.cookieName,
			Value:    tokenString,
			Path:     "/",
			MaxAge:   int(a.tokens.TTL() / time.Second),
			HttpOnly: true,
			Secure:   a.secure,
			SameSite: http.SameSiteStrictMode,
		},
	)
}

// ClearSessionCookie tells the client to drop the session cookie.
func (a *Auth) ClearSessionCookie(response http.ResponseWriter) {
	http.SetCookie(
		response,
		&http.Cookie{
			Name:     a.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			Expires:  time.Unix(0, 0),
			HttpOnly: true,
			Secure:   a.secure,
			SameSite: http.SameSiteStrictMode,
		},
	)
}

// UserIDFromContext returns the user ID stored by RequireSession.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)

	return userID, ok && userID != ""
}

func (a *Auth) tokenFromRequest(request *http.Request) string {
	cookie, err := request.Cookie(a.cookieName)
	if err != nil {
		return ""
	}

	return cookie.Value
}

func writeUnauthorized(response http.ResponseWriter) {
	writeMessage(response, http.StatusUnauthorized, "Unauthorized")
}

func writeMessage(response http.ResponseWriter, status int, message string) {
	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	err := json.NewEncoder(response).Encode(map[string]string{"message": message})
	if err != nil {
		logger.Log.Debugln("Error calling the `json.NewEncoder(response).Encode()`: ", zap.Error(err))
	}
}
